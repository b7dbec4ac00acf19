// Package agentmanager is the in-process registry of agents and owns their
// start and stop lifecycle.
package agentmanager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// Manager holds registered agents in registration order.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
	order  []string
	logger *slog.Logger
}

var _ domain.AgentManager = (*Manager)(nil)

// New creates an empty Manager.
func New(log *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]domain.Agent),
		logger: logger.Component(log, "agentmanager"),
	}
}

// Register adds an agent. Returns ErrDuplicate if the name is taken.
// Registering does not initialize the agent; StartAll does.
func (m *Manager) Register(agent domain.Agent) error {
	if agent == nil || agent.Name() == "" {
		return domain.NewSubSystemError("agent", "Manager.Register", domain.ErrInvalidInput, "agent must have a name")
	}
	name := agent.Name()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[name]; exists {
		return domain.NewSubSystemError("agent", "Manager.Register", domain.ErrDuplicate, name)
	}
	m.agents[name] = agent
	m.order = append(m.order, name)
	m.logger.Info("agent registered", "agent", name, "type", string(agent.Type()))
	return nil
}

// Unregister removes an agent. Returns ErrNotFound if not present.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[name]; !ok {
		return domain.NewSubSystemError("agent", "Manager.Unregister", domain.ErrNotFound, name)
	}
	delete(m.agents, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.logger.Info("agent removed", "agent", name)
	return nil
}

// Get returns the agent registered under name, or ErrNotFound.
func (m *Manager) Get(name string) (domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[name]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Manager.Get", domain.ErrNotFound, name)
	}
	return a, nil
}

// GetByType returns the earliest-registered agent of type t, or ErrNotFound.
func (m *Manager) GetByType(t domain.AgentType) (domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if a := m.agents[name]; a.Type() == t {
			return a, nil
		}
	}
	return nil, domain.NewSubSystemError("agent", "Manager.GetByType", domain.ErrNotFound, string(t))
}

// Agents returns a snapshot of all agents in registration order.
func (m *Manager) Agents() []domain.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Agent, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.agents[name])
	}
	return out
}

// StartAll initializes every agent concurrently. The first failure cancels
// the remaining initializations and is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	agents := m.Agents()
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			if err := a.Initialize(gctx); err != nil {
				m.logger.Error("agent failed to start", "agent", a.Name(), "error", err)
				return fmt.Errorf("start agent %q: %w", a.Name(), err)
			}
			m.logger.Debug("agent started", "agent", a.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("agents started", "count", len(agents))
	return nil
}

// StopAll shuts every agent down concurrently. Every agent is asked to stop
// even if another fails; the first error is returned.
func (m *Manager) StopAll(ctx context.Context) error {
	agents := m.Agents()
	var g errgroup.Group
	for _, a := range agents {
		g.Go(func() error {
			if err := a.Shutdown(ctx); err != nil {
				m.logger.Warn("agent failed to stop", "agent", a.Name(), "error", err)
				return fmt.Errorf("stop agent %q: %w", a.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("agents stopped", "count", len(agents))
	return err
}
