package domain

import (
	"context"
	"time"
)

// AgentType classifies what an agent is good at. Routing rules and intents
// target types; the registry resolves a type to a concrete agent at runtime.
type AgentType string

const (
	AgentTypeUnknown       AgentType = "Unknown"
	AgentTypeIntentRouter  AgentType = "IntentRouter"
	AgentTypeFixer         AgentType = "Fixer"
	AgentTypeRefactor      AgentType = "Refactor"
	AgentTypeValidator     AgentType = "Validator"
	AgentTypeKnowledge     AgentType = "Knowledge"
	AgentTypeTestGenerator AgentType = "TestGenerator"
	AgentTypeCSharp        AgentType = "CSharp"
	AgentTypeJavaScript    AgentType = "JavaScript"
	AgentTypePython        AgentType = "Python"
	AgentTypeDesigner      AgentType = "Designer"
)

// AgentStatus is the lifecycle state reported by an agent.
type AgentStatus string

const (
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusReady    AgentStatus = "ready"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusError    AgentStatus = "error"
)

// Agent is a capability provider that can evaluate and execute a request.
// Implementations are supplied from outside the core.
type Agent interface {
	Name() string
	Type() AgentType
	Status() AgentStatus
	Initialize(ctx context.Context) error
	CanHandle(req *Request) bool
	Handle(ctx context.Context, req *Request) (*Result, error)
	Shutdown(ctx context.Context) error
}

// AgentManager owns agent lifecycle and lookup.
type AgentManager interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Agents() []Agent
	GetByType(agentType AgentType) (Agent, error)
	Get(name string) (Agent, error)
	Register(agent Agent) error
	Unregister(name string) error
}

// AgentConfiguration supplies retry policy per named component.
type AgentConfiguration interface {
	RetryPolicy(component string) (maxRetries int, initialDelay time.Duration)
}
