package agent

import (
	"context"
	"log/slog"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// Classifier labels a request with an intent.
type Classifier interface {
	Classify(ctx context.Context, req *domain.Request) (*domain.IntentClassification, error)
}

// RuleEvaluator picks one of the candidates for a classification.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, cls *domain.IntentClassification, candidates []domain.Agent) (*domain.RoutingDecision, error)
}

// AgentSource lists the agents the router may choose from.
type AgentSource interface {
	Agents() []domain.Agent
}

// IntentRouterAgent answers which agent should handle a request. Its result
// carries the choice in metadata and is never shown to the caller.
type IntentRouterAgent struct {
	name       string
	classifier Classifier
	router     RuleEvaluator
	agents     AgentSource
	logger     *slog.Logger
}

var _ domain.Agent = (*IntentRouterAgent)(nil)

// NewIntentRouterAgent creates the router agent.
func NewIntentRouterAgent(name string, cls Classifier, router RuleEvaluator, agents AgentSource, log *slog.Logger) *IntentRouterAgent {
	if name == "" {
		name = "IntentRouter"
	}
	return &IntentRouterAgent{
		name:       name,
		classifier: cls,
		router:     router,
		agents:     agents,
		logger:     logger.Component(log, "intent-router"),
	}
}

func (r *IntentRouterAgent) Name() string                     { return r.name }
func (r *IntentRouterAgent) Type() domain.AgentType           { return domain.AgentTypeIntentRouter }
func (r *IntentRouterAgent) Status() domain.AgentStatus       { return domain.AgentStatusReady }
func (r *IntentRouterAgent) Initialize(context.Context) error { return nil }
func (r *IntentRouterAgent) Shutdown(context.Context) error   { return nil }
func (r *IntentRouterAgent) CanHandle(req *domain.Request) bool {
	return req != nil
}

// Handle classifies req and evaluates routing rules over every agent that
// can handle it, excluding routers.
func (r *IntentRouterAgent) Handle(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	cls, err := r.classifier.Classify(ctx, req)
	if err != nil {
		return nil, domain.WrapOp("IntentRouterAgent.Handle", err)
	}

	var candidates []domain.Agent
	for _, a := range r.agents.Agents() {
		if a.Type() != domain.AgentTypeIntentRouter && a.CanHandle(req) {
			candidates = append(candidates, a)
		}
	}
	decision, err := r.router.Evaluate(ctx, cls, candidates)
	if err != nil {
		return nil, domain.WrapOp("IntentRouterAgent.Handle", err)
	}

	r.logger.Debug("routed", "request_id", req.ID, "intent", cls.Intent, "target", decision.AgentName, "reason", decision.Reason)
	res := domain.NewSuccessResult("Routed to "+decision.AgentName, "")
	res.SetMeta(domain.MetaTargetAgent, decision.AgentName)
	res.SetMeta(domain.MetaRoutingReason, decision.Reason)
	res.SetMeta(domain.MetaConfidence, decision.Confidence)
	res.SetMeta("intent", cls.Intent)
	return res, nil
}
