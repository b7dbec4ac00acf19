package orchestrator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"a3sist/internal/domain"
)

// agentState holds per-agent counters. Fields are updated atomically and
// read without locking. owner is the registered agent instance the counters
// belong to; a different instance under the same name starts clean.
type agentState struct {
	owner        domain.Agent
	load         atomic.Int64
	lastActivity atomic.Int64 // unix nanos
	failures     atomic.Int64
}

// AgentHealth is a point-in-time view of one agent.
type AgentHealth struct {
	Name         string    `json:"name"`
	Load         int64     `json:"load"`
	Failures     int64     `json:"failures"`
	LastActivity time.Time `json:"last_activity"`
	CircuitState string    `json:"circuit_state"`
}

// state returns agent's counters, creating them on first use. When another
// instance was tracked under the same name, its counters and circuit are dropped.
func (o *Orchestrator) state(agent domain.Agent) *agentState {
	name := agent.Name()
	o.statesMu.RLock()
	st, ok := o.states[name]
	o.statesMu.RUnlock()
	if ok && st.owner == agent {
		return st
	}

	o.statesMu.Lock()
	defer o.statesMu.Unlock()
	if st, ok = o.states[name]; ok {
		if st.owner == agent {
			return st
		}
		o.breakers.Remove(name)
		o.logger.Info("agent replaced, health state reset", "agent", name)
	}
	st = &agentState{owner: agent}
	st.lastActivity.Store(o.now().UnixNano())
	o.states[name] = st
	return st
}

// circuitOpen reports whether agent's circuit is open.
func (o *Orchestrator) circuitOpen(agent domain.Agent) bool {
	o.state(agent)
	return o.breakers.IsOpen(agent.Name())
}

// prune drops counters and circuits of agents that are no longer registered
// or were replaced by another instance.
func (o *Orchestrator) prune() {
	o.statesMu.Lock()
	defer o.statesMu.Unlock()
	for name, st := range o.states {
		a, err := o.agents.Get(name)
		if err == nil && a == st.owner {
			continue
		}
		delete(o.states, name)
		o.breakers.Remove(name)
		o.logger.Debug("agent health state dropped", "agent", name)
	}
}

type stateSnapshot struct {
	name  string
	state *agentState
}

func (o *Orchestrator) snapshot() []stateSnapshot {
	o.statesMu.RLock()
	out := make([]stateSnapshot, 0, len(o.states))
	for name, st := range o.states {
		out = append(out, stateSnapshot{name: name, state: st})
	}
	o.statesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// AgentHealth returns a snapshot of every tracked registered agent, sorted by name.
func (o *Orchestrator) AgentHealth() []AgentHealth {
	o.prune()
	snaps := o.snapshot()
	out := make([]AgentHealth, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, AgentHealth{
			Name:         s.name,
			Load:         s.state.load.Load(),
			Failures:     s.state.failures.Load(),
			LastActivity: time.Unix(0, s.state.lastActivity.Load()),
			CircuitState: o.breakers.Get(s.name).State().String(),
		})
	}
	return out
}

// CheckHealth flags agents idle past InactiveWarnAfter that still have
// failures, and resets failures and the circuit of agents idle past
// InactiveResetAfter. Agents no longer registered are forgotten first.
func (o *Orchestrator) CheckHealth(now time.Time) {
	o.prune()
	for _, s := range o.snapshot() {
		idle := now.Sub(time.Unix(0, s.state.lastActivity.Load()))
		failures := s.state.failures.Load()

		switch {
		case idle > o.cfg.InactiveResetAfter && (failures > 0 || o.breakers.IsOpen(s.name)):
			s.state.failures.Store(0)
			o.breakers.Reset(s.name)
			o.logger.Info("agent failures reset after inactivity", "agent", s.name, "idle", idle, "failures", failures)
			domain.PublishEvent(context.Background(), o.bus, domain.EventAgentReset, "", map[string]any{
				"agent":    s.name,
				"failures": failures,
				"idle_ms":  idle.Milliseconds(),
			})
		case idle > o.cfg.InactiveWarnAfter && failures > 0:
			o.logger.Warn("agent unhealthy", "agent", s.name, "idle", idle, "failures", failures)
			domain.PublishEvent(context.Background(), o.bus, domain.EventAgentUnhealthy, "", map[string]any{
				"agent":    s.name,
				"failures": failures,
				"idle_ms":  idle.Milliseconds(),
			})
		}
	}
}
