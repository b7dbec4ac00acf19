package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"a3sist/internal/domain"
	"a3sist/internal/usecase/resilience"
)

// dispatch runs agent through its circuit breaker around the retry loop.
// The breaker sees one outcome per dispatch, so it opens after
// BreakerThreshold consecutive failed dispatches.
func (o *Orchestrator) dispatch(ctx context.Context, agent domain.Agent, req *domain.Request) (*domain.Result, int, error) {
	name := agent.Name()
	st := o.state(agent)
	st.load.Add(1)
	o.metrics.AgentLoad(name, 1)
	defer func() {
		st.load.Add(-1)
		o.metrics.AgentLoad(name, -1)
		st.lastActivity.Store(o.now().UnixNano())
	}()

	policy := o.retryPolicy(name)
	attempts := 0
	res, err := o.breakers.Get(name).Execute(func() (*domain.Result, error) {
		r, n, err := policy.Do(ctx, func(ctx context.Context, attempt int) (*domain.Result, error) {
			o.logger.Debug("dispatching", "agent", name, "request_id", req.ID, "attempt", attempt)
			r, err := agent.Handle(ctx, req)
			o.metrics.ObserveAttempt(name, err == nil && r != nil && r.Success)
			return r, err
		})
		attempts = n
		return r, err
	})

	switch {
	case err == nil:
		st.failures.Store(0)
	case domain.IsCancellation(err):
	default:
		st.failures.Add(1)
		if errors.Is(err, domain.ErrCircuitOpen) && attempts == 0 {
			o.metrics.CircuitRejected(name)
			o.logger.Warn("circuit open, agent skipped", "agent", name, "request_id", req.ID)
		}
	}
	return res, attempts, err
}

func (o *Orchestrator) retryPolicy(agentName string) *resilience.RetryPolicy {
	maxAttempts, delay := o.cfg.MaxRetries, o.cfg.RetryDelay
	if o.policies != nil {
		if n, d := o.policies.RetryPolicy(agentName); n > 0 {
			maxAttempts, delay = n, d
		}
	}
	return resilience.NewRetryPolicy(maxAttempts, delay)
}

// recoverFrom re-issues req once to another healthy agent. On success the
// recovery result is returned tagged as such; otherwise the original failure
// is returned annotated with the recovery outcome.
func (o *Orchestrator) recoverFrom(ctx context.Context, req *domain.Request, failed domain.Agent, original *domain.Result, cause error) (*domain.Result, error) {
	var recoveryErr error
	candidate := o.recoveryCandidate(req, failed)
	if candidate != nil {
		variant := req.WithContext(newRecoveryID(o.now()), map[string]any{
			domain.CtxIsRecovery:    true,
			domain.CtxOriginalAgent: failed.Name(),
		})
		o.logger.Info("attempting recovery", "request_id", req.ID, "failed_agent", failed.Name(), "recovery_agent", candidate.Name())

		res, attempts, err := o.dispatch(ctx, candidate, variant)
		if err == nil {
			o.metrics.ObserveRecovery(true)
			res.AgentName = candidate.Name()
			res.SetMeta(domain.MetaIsRecoveryResult, true)
			res.SetMeta(domain.MetaOriginalError, cause.Error())
			res.SetMeta(domain.MetaAgentName, candidate.Name())
			res.SetMeta(domain.MetaAgentType, string(candidate.Type()))
			res.SetMeta(domain.MetaAttempts, attempts)
			domain.PublishEvent(ctx, o.bus, domain.EventAgentRecovered, req.ID, map[string]any{
				"failed_agent":   failed.Name(),
				"recovery_agent": candidate.Name(),
			})
			return res, nil
		}
		if domain.IsCancellation(err) {
			return o.cancelled(ctx, err)
		}
		o.metrics.ObserveRecovery(false)
		recoveryErr = err
	}

	res := original
	if res == nil {
		res = &domain.Result{Message: fmt.Sprintf("Agent %s failed", failed.Name())}
	}
	res.Success = false
	res.SetError(fmt.Errorf("%w: %w", domain.ErrRecoveryExhausted, cause))
	res.SetMeta(domain.MetaRecoveryAttempt, candidate != nil)
	if recoveryErr != nil {
		res.SetMeta(domain.MetaRecoveryError, recoveryErr.Error())
	}
	return res, nil
}

// recoveryCandidate returns the least-loaded other agent that can handle req,
// is below the failure limit and whose circuit is not open. Requests that are
// already recoveries are not recovered again.
func (o *Orchestrator) recoveryCandidate(req *domain.Request, failed domain.Agent) domain.Agent {
	if req.ContextFlag(domain.CtxIsRecovery) {
		return nil
	}
	var candidates []domain.Agent
	for _, a := range o.agents.Agents() {
		if a.Name() == failed.Name() || a.Type() == domain.AgentTypeIntentRouter {
			continue
		}
		if o.state(a).failures.Load() >= int64(o.cfg.RecoveryMaxFailures) {
			continue
		}
		if o.circuitOpen(a) || !a.CanHandle(req) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	return o.sortByLoad(candidates)[0]
}

// Dispatch sends req to the least-loaded available agent of agentType
// through the breaker and retry loop. It backs workflow agent steps.
func (o *Orchestrator) Dispatch(ctx context.Context, agentType domain.AgentType, req *domain.Request) (*domain.Result, error) {
	var candidates []domain.Agent
	for _, a := range o.agents.Agents() {
		if a.Type() == agentType && !o.circuitOpen(a) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.NewSubSystemError("routing", "Orchestrator.Dispatch", domain.ErrNoAgentsAvailable,
			fmt.Sprintf("no available agent of type %s", agentType))
	}
	agent := o.sortByLoad(candidates)[0]
	res, attempts, err := o.dispatch(ctx, agent, req)
	if res != nil {
		res.AgentName = agent.Name()
		res.SetMeta(domain.MetaAgentName, agent.Name())
		res.SetMeta(domain.MetaAttempts, attempts)
	}
	return res, err
}

// IsAvailable reports whether name is registered and its circuit is not
// open. It is the availability source for fallback routing.
func (o *Orchestrator) IsAvailable(name string) bool {
	a, err := o.agents.Get(name)
	if err != nil {
		return false
	}
	return !o.circuitOpen(a)
}

func newRecoveryID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
