package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a3sist/internal/domain"
	"a3sist/internal/infra/metrics"
	"a3sist/internal/usecase/intent"
	"a3sist/internal/usecase/routing"
	"a3sist/internal/usecase/scheduling"
)

func TestProcessRequestValidation(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(agent)})

	tests := []struct {
		name string
		req  *domain.Request
	}{
		{"nil request", nil},
		{"blank id", &domain.Request{ID: " ", Prompt: "fix it"}},
		{"blank prompt", &domain.Request{ID: "r1", Prompt: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.ProcessRequest(context.Background(), tt.req)
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Err, domain.ErrValidation)
			assert.Equal(t, string(domain.CodeValidation), res.Metadata[domain.MetaErrorCode])
			assert.Equal(t, string(domain.OutcomeFailed), res.Metadata[domain.MetaOutcome])
		})
	}
	assert.Equal(t, int32(0), agent.calls.Load(), "invalid requests never reach an agent")
	assert.Equal(t, int32(1), agent.initCalls.Load(), "agents are initialized before validation")
}

func TestProcessRequestInitializesOnce(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(agent)})

	for range 3 {
		res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	assert.Equal(t, int32(1), agent.initCalls.Load())
}

func TestProcessRequestSingleAgent(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	m := metrics.New("test")
	o := New(testConfig(), Deps{Agents: newManager(agent), Metrics: m})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "fixer", res.AgentName)
	assert.Equal(t, "fixer", res.Metadata[domain.MetaAgentName])
	assert.Equal(t, string(domain.AgentTypeFixer), res.Metadata[domain.MetaAgentType])
	assert.Equal(t, 1, res.Metadata[domain.MetaAttempts])
	assert.Contains(t, res.Metadata, domain.MetaElapsedMS)
	assert.Equal(t, string(domain.OutcomeCompleted), res.Metadata[domain.MetaOutcome])
}

func TestProcessRequestPrefersRequestedType(t *testing.T) {
	knowledge := newFakeAgent("knowledge", domain.AgentTypeKnowledge)
	python := newFakeAgent("python", domain.AgentTypePython)
	o := New(testConfig(), Deps{Agents: newManager(knowledge, python)})

	req := newRequest("explain this")
	req.PreferredAgentType = domain.AgentTypePython
	res, err := o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "python", res.AgentName)
	assert.Equal(t, "Preferred agent type", res.Metadata[domain.MetaRoutingReason])
}

func TestProcessRequestPreferredTypeGoesThroughRules(t *testing.T) {
	knowledge := newFakeAgent("knowledge", domain.AgentTypeKnowledge)
	fixer := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{
		Agents:     newManager(knowledge, fixer),
		Classifier: intent.NewClassifier(nil, nil),
		Router:     routing.NewService(nil),
	})

	req := newRequest("please fix this error")
	req.PreferredAgentType = domain.AgentTypeFixer
	res, err := o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fixer", res.AgentName)
	assert.Equal(t, "Preferred agent type (Matched rule: Fix errors)", res.Metadata[domain.MetaRoutingReason])
	conf, ok := res.Metadata[domain.MetaConfidence].(float64)
	require.True(t, ok)
	assert.Greater(t, conf, 0.5)
	assert.LessOrEqual(t, conf, 1.0)
}

func TestProcessRequestSkipsAgentsThatCannotHandle(t *testing.T) {
	picky := newFakeAgent("picky", domain.AgentTypeCSharp)
	picky.canHandle = func(*domain.Request) bool { return false }
	general := newFakeAgent("general", domain.AgentTypeKnowledge)
	o := New(testConfig(), Deps{Agents: newManager(picky, general)})

	res, err := o.ProcessRequest(context.Background(), newRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "general", res.AgentName)
	assert.Equal(t, int32(0), picky.calls.Load())
}

func TestProcessRequestNoCapableAgent(t *testing.T) {
	picky := newFakeAgent("picky", domain.AgentTypeCSharp)
	picky.canHandle = func(*domain.Request) bool { return false }
	o := New(testConfig(), Deps{Agents: newManager(picky)})

	res, err := o.ProcessRequest(context.Background(), newRequest("hello"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrNoAgentsAvailable)
	assert.Equal(t, domain.CodeRouting, domain.ErrorCodeOf(res.Err))
}

func TestProcessRequestPicksLeastLoaded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	busy := newFakeAgent("a", domain.AgentTypeKnowledge)
	busy.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		close(started)
		<-release
		return domain.NewSuccessResult("slow", ""), nil
	}
	idle := newFakeAgent("b", domain.AgentTypeKnowledge)
	o := New(testConfig(), Deps{Agents: newManager(busy, idle)})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = o.ProcessRequest(context.Background(), newRequest("first"))
	}()
	<-started

	res, err := o.ProcessRequest(context.Background(), newRequest("second"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.AgentName)

	close(release)
	wg.Wait()
}

func TestProcessRequestRoutesByIntentRules(t *testing.T) {
	knowledge := newFakeAgent("knowledge", domain.AgentTypeKnowledge)
	fixer := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{
		Agents:     newManager(knowledge, fixer),
		Classifier: intent.NewClassifier(nil, nil),
		Router:     routing.NewService(nil),
	})

	res, err := o.ProcessRequest(context.Background(), newRequest("please fix this error"))
	require.NoError(t, err)
	assert.Equal(t, "fixer", res.AgentName)
	assert.Equal(t, "Matched rule: Fix errors", res.Metadata[domain.MetaRoutingReason])
	assert.Greater(t, res.Metadata[domain.MetaConfidence], 0.5)
}

func TestProcessRequestUsesIntentRouterTarget(t *testing.T) {
	a := newFakeAgent("a", domain.AgentTypeKnowledge)
	b := newFakeAgent("b", domain.AgentTypeRefactor)
	router := newFakeAgent("router", domain.AgentTypeIntentRouter)
	router.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		res := domain.NewSuccessResult("routed", "")
		res.SetMeta(domain.MetaTargetAgent, "b")
		res.SetMeta(domain.MetaRoutingReason, "Matched rule: Refactoring")
		res.SetMeta(domain.MetaConfidence, 0.9)
		return res, nil
	}
	o := New(testConfig(), Deps{Agents: newManager(router, a, b)})

	res, err := o.ProcessRequest(context.Background(), newRequest("clean up this code"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.AgentName)
	assert.Equal(t, "Matched rule: Refactoring", res.Metadata[domain.MetaRoutingReason])
	assert.Equal(t, 0.9, res.Metadata[domain.MetaConfidence])
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestProcessRequestIntentRouterFallsBack(t *testing.T) {
	a := newFakeAgent("a", domain.AgentTypeKnowledge)
	router := newFakeAgent("router", domain.AgentTypeIntentRouter)
	router.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		res := domain.NewSuccessResult("routed", "")
		res.SetMeta(domain.MetaTargetAgent, "missing")
		return res, nil
	}
	o := New(testConfig(), Deps{Agents: newManager(router, a)})

	res, err := o.ProcessRequest(context.Background(), newRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a", res.AgentName)
	assert.Equal(t, int32(1), router.calls.Load(), "router is consulted, never dispatched to")
}

func TestProcessRequestRetriesTransientFailures(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		if agent.calls.Load() < 3 {
			return nil, errors.New("connection reset")
		}
		return domain.NewSuccessResult("ok", ""), nil
	}
	o := New(testConfig(), Deps{Agents: newManager(agent)})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Metadata[domain.MetaAttempts])
	assert.Equal(t, int32(3), agent.calls.Load())
}

type staticPolicies map[string]int

func (p staticPolicies) RetryPolicy(component string) (int, time.Duration) {
	return p[component], 0
}

func TestProcessRequestUsesComponentRetryPolicy(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = failWith(errors.New("boom"))
	o := New(testConfig(), Deps{Agents: newManager(agent), Policies: staticPolicies{"fixer": 5}})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(5), agent.calls.Load())
}

func TestProcessRequestNonRetryableStopsImmediately(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = failWith(fmt.Errorf("cannot do that: %w", domain.ErrNotSupported))
	failures := &fakeFailures{}
	o := New(testConfig(), Deps{Agents: newManager(agent), Failures: failures})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), agent.calls.Load())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrNotSupported)
	assert.ErrorIs(t, res.Err, domain.ErrRecoveryExhausted)
	assert.Equal(t, false, res.Metadata[domain.MetaRecoveryAttempt])

	require.Len(t, failures.records, 1)
	assert.Equal(t, "fixer", failures.records[0].agent)
	assert.Equal(t, 1, failures.records[0].retries)
}

func TestCircuitBreakerRejectsAfterFiveFailures(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = failWith(errors.New("crash"))
	cfg := testConfig()
	cfg.MaxRetries = 1
	o := New(cfg, Deps{Agents: newManager(agent)})

	for i := range 5 {
		res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
		require.NoError(t, err)
		require.False(t, res.Success, "request %d", i+1)
	}
	require.Equal(t, int32(5), agent.calls.Load())
	assert.False(t, o.IsAvailable("fixer"))

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.Equal(t, int32(5), agent.calls.Load(), "open circuit must not invoke the agent")
	assert.ErrorIs(t, res.Err, domain.ErrCircuitOpen)
}

func TestCancellationDoesNotBreakFailureStreak(t *testing.T) {
	var cancelRequest context.CancelFunc
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = func(ctx context.Context, req *domain.Request) (*domain.Result, error) {
		if req.Prompt == "cancel me" {
			cancelRequest()
			return nil, ctx.Err()
		}
		return nil, errors.New("crash")
	}
	cfg := testConfig()
	cfg.MaxRetries = 1
	o := New(cfg, Deps{Agents: newManager(agent)})

	for range 4 {
		_, _ = o.ProcessRequest(context.Background(), newRequest("fix it"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancelRequest = cancel
	_, err := o.ProcessRequest(ctx, newRequest("cancel me"))
	require.ErrorIs(t, err, domain.ErrCancelled)
	require.True(t, o.IsAvailable("fixer"))

	_, _ = o.ProcessRequest(context.Background(), newRequest("fix it"))
	assert.False(t, o.IsAvailable("fixer"), "five failed dispatches open the circuit")
	require.Equal(t, int32(6), agent.calls.Load())

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, domain.ErrCircuitOpen)
	assert.Equal(t, int32(6), agent.calls.Load())
}

func TestReregisteredAgentStartsHealthy(t *testing.T) {
	old := newFakeAgent("fixer", domain.AgentTypeFixer)
	old.handle = failWith(errors.New("crash"))
	cfg := testConfig()
	cfg.MaxRetries = 1
	m := newManager(old)
	o := New(cfg, Deps{Agents: m})

	for range 5 {
		_, _ = o.ProcessRequest(context.Background(), newRequest("fix it"))
	}
	require.False(t, o.IsAvailable("fixer"))

	require.NoError(t, m.Unregister("fixer"))
	fresh := newFakeAgent("fixer", domain.AgentTypeFixer)
	require.NoError(t, m.Register(fresh))

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), fresh.calls.Load())

	health := o.AgentHealth()
	require.Len(t, health, 1)
	assert.Equal(t, int64(0), health[0].Failures)
	assert.Equal(t, "closed", health[0].CircuitState)
}

func TestHealthForgetsUnregisteredAgents(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	bus := &recordingBus{}
	fixer := newFakeAgent("fixer", domain.AgentTypeFixer)
	backup := newFakeAgent("backup", domain.AgentTypeKnowledge)
	backup.handle = failWith(errors.New("crash"))
	cfg := testConfig()
	cfg.MaxRetries = 1
	m := newManager(fixer, backup)
	o := New(cfg, Deps{Agents: m, Bus: bus}, WithClock(clock.Now))

	req := newRequest("explain it")
	req.PreferredAgentType = domain.AgentTypeKnowledge
	_, _ = o.ProcessRequest(context.Background(), req)
	require.Len(t, o.AgentHealth(), 2)

	require.NoError(t, m.Unregister("backup"))
	clock.Advance(11 * time.Minute)
	o.CheckHealth(clock.Now())

	assert.Equal(t, 0, bus.count(domain.EventAgentUnhealthy))
	health := o.AgentHealth()
	require.Len(t, health, 1)
	assert.Equal(t, "fixer", health[0].Name)
	assert.False(t, o.IsAvailable("backup"))
}

func TestProcessRequestConcurrentCountersStayConsistent(t *testing.T) {
	good := newFakeAgent("good", domain.AgentTypeKnowledge)
	bad := newFakeAgent("bad", domain.AgentTypeFixer)
	bad.handle = failWith(errors.New("crash"))
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.BreakerThreshold = 1000
	o := New(cfg, Deps{Agents: newManager(good, bad)})

	const n = 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				o.CheckHealth(time.Now())
				_ = o.AgentHealth()
			}
		}
	}()

	results := make([]*domain.Result, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &domain.Request{ID: fmt.Sprintf("req-%d", i), Prompt: "do it", CreatedAt: time.Now()}
			if i%2 == 0 {
				req.PreferredAgentType = domain.AgentTypeFixer
			} else {
				req.PreferredAgentType = domain.AgentTypeKnowledge
			}
			res, err := o.ProcessRequest(context.Background(), req)
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()
	close(stop)

	for i, res := range results {
		require.NotNil(t, res, "request %d", i)
		assert.True(t, res.Success, "request %d recovers on the good agent", i)
	}
	assert.Equal(t, int32(n/2), bad.calls.Load())
	assert.Equal(t, int32(n), good.calls.Load())

	for _, h := range o.AgentHealth() {
		assert.Equal(t, int64(0), h.Load, h.Name)
		switch h.Name {
		case "bad":
			assert.Equal(t, int64(n/2), h.Failures)
		case "good":
			assert.Equal(t, int64(0), h.Failures)
		}
	}
}

func TestHealthCheckResetsCircuitAfterInactivity(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	bus := &recordingBus{}
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	failing := true
	agent.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		if failing {
			return nil, errors.New("crash")
		}
		return domain.NewSuccessResult("ok", ""), nil
	}
	cfg := testConfig()
	cfg.MaxRetries = 1
	o := New(cfg, Deps{Agents: newManager(agent), Bus: bus}, WithClock(clock.Now))

	for range 5 {
		_, _ = o.ProcessRequest(context.Background(), newRequest("fix it"))
	}
	require.False(t, o.IsAvailable("fixer"))

	clock.Advance(5 * time.Minute)
	o.CheckHealth(clock.Now())
	assert.Equal(t, 0, bus.count(domain.EventAgentUnhealthy))

	clock.Advance(6 * time.Minute)
	o.CheckHealth(clock.Now())
	assert.Equal(t, 1, bus.count(domain.EventAgentUnhealthy))
	assert.False(t, o.IsAvailable("fixer"), "warning does not reset")

	clock.Advance(20 * time.Minute)
	o.CheckHealth(clock.Now())
	assert.Equal(t, 1, bus.count(domain.EventAgentReset))
	assert.True(t, o.IsAvailable("fixer"))

	health := o.AgentHealth()
	require.Len(t, health, 1)
	assert.Equal(t, int64(0), health[0].Failures)
	assert.Equal(t, "closed", health[0].CircuitState)

	failing = false
	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(6), agent.calls.Load())
}

func TestHealthCheckIgnoresHealthyIdleAgents(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	bus := &recordingBus{}
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(agent), Bus: bus}, WithClock(clock.Now))
	_, _ = o.ProcessRequest(context.Background(), newRequest("fix it"))

	clock.Advance(time.Hour)
	o.CheckHealth(clock.Now())
	assert.Equal(t, 0, bus.count(domain.EventAgentUnhealthy))
	assert.Equal(t, 0, bus.count(domain.EventAgentReset))
}

func TestRecoveryTagsResult(t *testing.T) {
	primary := newFakeAgent("primary", domain.AgentTypeFixer)
	primary.handle = failWith(errors.New("primary crashed"))
	backup := newFakeAgent("backup", domain.AgentTypeKnowledge)
	bus := &recordingBus{}
	o := New(testConfig(), Deps{Agents: newManager(primary, backup), Bus: bus})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsRecoveryResult())
	assert.Equal(t, "backup", res.AgentName)
	assert.Contains(t, res.Metadata[domain.MetaOriginalError], "primary crashed")
	assert.Equal(t, int32(3), primary.calls.Load())

	got := backup.lastRequest()
	require.NotNil(t, got)
	assert.Equal(t, true, got.Context[domain.CtxIsRecovery])
	assert.Equal(t, "primary", got.Context[domain.CtxOriginalAgent])
	assert.NotEqual(t, "req-1", got.ID)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 1, bus.count(domain.EventAgentRecovered))
}

func TestRecoveryFailureReturnsOriginal(t *testing.T) {
	primary := newFakeAgent("primary", domain.AgentTypeFixer)
	primary.handle = func(context.Context, *domain.Request) (*domain.Result, error) {
		return &domain.Result{Message: "primary gave up"}, nil
	}
	backup := newFakeAgent("backup", domain.AgentTypeKnowledge)
	backup.handle = failWith(errors.New("backup crashed"))
	o := New(testConfig(), Deps{Agents: newManager(primary, backup)})

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.IsRecoveryResult())
	assert.Equal(t, "primary gave up", res.Message)
	assert.Equal(t, "primary", res.AgentName)
	assert.ErrorIs(t, res.Err, domain.ErrRecoveryExhausted)
	assert.Equal(t, true, res.Metadata[domain.MetaRecoveryAttempt])
	assert.Contains(t, res.Metadata[domain.MetaRecoveryError], "backup crashed")
	assert.Equal(t, string(domain.CodeRecoveryExhausted), res.Metadata[domain.MetaErrorCode])
}

func TestRecoverySkipsFailingAgents(t *testing.T) {
	primary := newFakeAgent("primary", domain.AgentTypeFixer)
	primary.handle = failWith(errors.New("crash"))
	flaky := newFakeAgent("flaky", domain.AgentTypeKnowledge)
	cfg := testConfig()
	cfg.MaxRetries = 1
	o := New(cfg, Deps{Agents: newManager(primary, flaky)})
	o.state(flaky).failures.Store(3)

	res, err := o.ProcessRequest(context.Background(), newRequest("fix it"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), flaky.calls.Load())
	assert.Equal(t, false, res.Metadata[domain.MetaRecoveryAttempt])
}

func TestRecoveryRequestIsNotRecoveredAgain(t *testing.T) {
	primary := newFakeAgent("primary", domain.AgentTypeFixer)
	primary.handle = failWith(errors.New("crash"))
	backup := newFakeAgent("backup", domain.AgentTypeKnowledge)
	o := New(testConfig(), Deps{Agents: newManager(primary, backup)})

	req := newRequest("fix it")
	req.Context = map[string]any{domain.CtxIsRecovery: true}
	res, err := o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), backup.calls.Load())
}

func TestProcessRequestWorkflowPath(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	wf := &fakeWorkflow{result: &domain.WorkflowResult{
		ID:      "wf-1",
		Success: true,
		Result:  domain.NewSuccessResult("workflow done", "out"),
	}}
	o := New(testConfig(), Deps{Agents: newManager(agent), Workflow: wf})

	res, err := o.ProcessRequest(context.Background(), newRequest("run the Multi-Step fix"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wf-1", res.Metadata[domain.MetaWorkflowID])
	assert.Equal(t, int32(1), wf.calls.Load())
	assert.Equal(t, int32(0), agent.calls.Load())

	req := newRequest("plain prompt")
	req.Context = map[string]any{domain.CtxUseWorkflow: "true"}
	_, err = o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), wf.calls.Load())

	_, err = o.ProcessRequest(context.Background(), newRequest("plain prompt"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), agent.calls.Load())
}

func TestProcessRequestWorkflowNoSteps(t *testing.T) {
	stepErr := domain.NewSubSystemError("workflow", "Service.Execute", domain.ErrNoWorkflowSteps, "")
	wf := &fakeWorkflow{
		result: &domain.WorkflowResult{ID: "wf-2", Result: domain.NewFailureResult("No applicable workflow steps found", stepErr)},
		err:    stepErr,
	}
	o := New(testConfig(), Deps{Agents: newManager(), Workflow: wf})

	res, err := o.ProcessRequest(context.Background(), newRequest("start workflow"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrNoWorkflowSteps)
}

func TestProcessRequestWithoutWorkflowServiceUsesAgent(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(agent)})

	res, err := o.ProcessRequest(context.Background(), newRequest("run the workflow"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), agent.calls.Load())
}

func TestProcessRequestCancelledBeforeDispatch(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(agent)})
	require.NoError(t, o.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.ProcessRequest(ctx, newRequest("fix it"))

	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)
	assert.Equal(t, string(domain.OutcomeCancelled), res.Metadata[domain.MetaOutcome])
	assert.Equal(t, int32(0), agent.calls.Load())
}

func TestProcessRequestCancelledDuringDispatch(t *testing.T) {
	started := make(chan struct{})
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	agent.handle = func(ctx context.Context, _ *domain.Request) (*domain.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	backup := newFakeAgent("backup", domain.AgentTypeKnowledge)
	failures := &fakeFailures{}
	o := New(testConfig(), Deps{Agents: newManager(agent, backup), Failures: failures})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := o.ProcessRequest(ctx, newRequest("fix it"))

	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, string(domain.OutcomeCancelled), res.Metadata[domain.MetaOutcome])
	assert.Equal(t, int32(1), agent.calls.Load(), "cancellation is never retried")
	assert.Equal(t, int32(0), backup.calls.Load(), "cancellation is never recovered")
	assert.Empty(t, failures.records)
	assert.Equal(t, int64(0), o.state(agent).failures.Load())
}

func TestDispatchByType(t *testing.T) {
	fixer := newFakeAgent("fixer", domain.AgentTypeFixer)
	o := New(testConfig(), Deps{Agents: newManager(fixer)})

	res, err := o.Dispatch(context.Background(), domain.AgentTypeFixer, newRequest("fix it"))
	require.NoError(t, err)
	assert.Equal(t, "fixer", res.AgentName)

	_, err = o.Dispatch(context.Background(), domain.AgentTypeDesigner, newRequest("draw"))
	assert.ErrorIs(t, err, domain.ErrNoAgentsAvailable)
}

func TestInitializeRegistersHealthCheckAndCloseRemovesIt(t *testing.T) {
	agent := newFakeAgent("fixer", domain.AgentTypeFixer)
	sched := scheduling.New(nil)
	o := New(testConfig(), Deps{Agents: newManager(agent), Scheduler: sched})

	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Initialize(context.Background()))
	assert.Contains(t, sched.Tasks(), scheduling.TaskHealthCheck)

	require.NoError(t, o.Close(context.Background()))
	require.NoError(t, o.Close(context.Background()))
	assert.NotContains(t, sched.Tasks(), scheduling.TaskHealthCheck)
	assert.Equal(t, int32(1), agent.stopCalls.Load())
}
