package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"a3sist/internal/domain"
)

// selectAgent picks the agent for the single-agent path: the intent router's
// choice when one is registered and answers, otherwise the capable agents
// filtered by preferred type, then routing rules over candidates ordered by
// load.
func (o *Orchestrator) selectAgent(ctx context.Context, req *domain.Request) (domain.Agent, *domain.RoutingDecision, error) {
	agents := o.agents.Agents()

	if router := firstOfType(agents, domain.AgentTypeIntentRouter); router != nil {
		if agent, decision, ok := o.routeViaRouter(ctx, router, req); ok {
			return agent, decision, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var capable []domain.Agent
	for _, a := range agents {
		if a.Type() != domain.AgentTypeIntentRouter && a.CanHandle(req) {
			capable = append(capable, a)
		}
	}
	if len(capable) == 0 {
		return nil, nil, domain.NewSubSystemError("routing", "Orchestrator.selectAgent", domain.ErrNoAgentsAvailable,
			"no registered agent can handle the request")
	}

	if req.PreferredAgentType != "" {
		if a := firstOfType(capable, req.PreferredAgentType); a != nil {
			return a, o.preferredDecision(ctx, req, a), nil
		}
	}

	byLoad := o.sortByLoad(capable)
	if o.classifier != nil && o.router != nil {
		cls, err := o.classifier.Classify(ctx, req)
		if err == nil {
			decision, err := o.router.Evaluate(ctx, cls, byLoad)
			if err != nil {
				return nil, nil, err
			}
			for _, a := range byLoad {
				if a.Name() == decision.AgentName {
					return a, decision, nil
				}
			}
			return nil, nil, domain.NewSubSystemError("routing", "Orchestrator.selectAgent", domain.ErrNoAgentsAvailable,
				fmt.Sprintf("routing chose unknown agent %q", decision.AgentName))
		}
		o.logger.Warn("classification failed, using least loaded agent", "request_id", req.ID, "error", err)
	}

	a := byLoad[0]
	return a, &domain.RoutingDecision{
		AgentName: a.Name(),
		AgentType: a.Type(),
		Reason:    "Least loaded agent",
	}, nil
}

// preferredDecision runs the routing rules with a as the only candidate so
// the decision carries the rule's confidence and reason. Without a classifier
// and router, or when the rules pick nothing, the preference alone decides.
func (o *Orchestrator) preferredDecision(ctx context.Context, req *domain.Request, a domain.Agent) *domain.RoutingDecision {
	decision := &domain.RoutingDecision{
		AgentName:  a.Name(),
		AgentType:  a.Type(),
		Confidence: 1,
		Reason:     "Preferred agent type",
	}
	if o.classifier == nil || o.router == nil {
		return decision
	}
	cls, err := o.classifier.Classify(ctx, req)
	if err != nil {
		return decision
	}
	d, err := o.router.Evaluate(ctx, cls, []domain.Agent{a})
	if err != nil || d.AgentName != a.Name() {
		return decision
	}
	decision.Confidence = d.Confidence
	decision.IsFallback = d.IsFallback
	decision.Reason = "Preferred agent type (" + d.Reason + ")"
	return decision
}

// routeViaRouter asks the intent router agent for a target. Any failure
// falls back to internal selection.
func (o *Orchestrator) routeViaRouter(ctx context.Context, router domain.Agent, req *domain.Request) (domain.Agent, *domain.RoutingDecision, bool) {
	res, err := router.Handle(ctx, req)
	if err != nil || res == nil || !res.Success {
		o.logger.Debug("intent router gave no decision", "router", router.Name(), "request_id", req.ID, "error", err)
		return nil, nil, false
	}
	name, _ := res.Metadata[domain.MetaTargetAgent].(string)
	if name == "" {
		return nil, nil, false
	}
	agent, err := o.agents.Get(name)
	if err != nil || agent.Type() == domain.AgentTypeIntentRouter {
		o.logger.Warn("intent router chose unusable agent", "target", name, "error", err)
		return nil, nil, false
	}
	if o.circuitOpen(agent) {
		o.logger.Debug("intent router target circuit open", "target", name)
		return nil, nil, false
	}

	decision := &domain.RoutingDecision{
		AgentName: agent.Name(),
		AgentType: agent.Type(),
		Reason:    "Intent router",
	}
	if reason, ok := res.Metadata[domain.MetaRoutingReason].(string); ok && reason != "" {
		decision.Reason = reason
	}
	if c, ok := res.Metadata[domain.MetaConfidence].(float64); ok {
		decision.Confidence = c
	}
	return agent, decision, true
}

// sortByLoad returns agents ordered by in-flight count, keeping the input
// order for ties.
func (o *Orchestrator) sortByLoad(agents []domain.Agent) []domain.Agent {
	out := slices.Clone(agents)
	loads := make(map[string]int64, len(out))
	for _, a := range out {
		loads[a.Name()] = o.state(a).load.Load()
	}
	slices.SortStableFunc(out, func(a, b domain.Agent) int {
		la, lb := loads[a.Name()], loads[b.Name()]
		switch {
		case la < lb:
			return -1
		case la > lb:
			return 1
		}
		return 0
	})
	return out
}

func firstOfType(agents []domain.Agent, t domain.AgentType) domain.Agent {
	for _, a := range agents {
		if a.Type() == t {
			return a
		}
	}
	return nil
}
