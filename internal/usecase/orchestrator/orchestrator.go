// Package orchestrator turns a Request into a Result: it validates, routes to
// a single agent or a workflow, dispatches with retry and circuit breaking,
// and attempts one recovery on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
	"a3sist/internal/infra/metrics"
	"a3sist/internal/infra/tracer"
	"a3sist/internal/usecase/resilience"
	"a3sist/internal/usecase/scheduling"
)

// Config holds orchestration tunables. Zero values fall back to defaults.
type Config struct {
	MaxRetries          int
	RetryDelay          time.Duration
	BreakerThreshold    int
	BreakerCoolDown     time.Duration
	RecoveryMaxFailures int
	HealthInterval      time.Duration
	InactiveWarnAfter   time.Duration
	InactiveResetAfter  time.Duration
	ShutdownTimeout     time.Duration
	WorkflowKeywords    []string
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BreakerThreshold:    5,
		BreakerCoolDown:     30 * time.Minute,
		RecoveryMaxFailures: 3,
		HealthInterval:      30 * time.Second,
		InactiveWarnAfter:   10 * time.Minute,
		InactiveResetAfter:  30 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		WorkflowKeywords:    []string{"workflow", "multi-step"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCoolDown <= 0 {
		c.BreakerCoolDown = d.BreakerCoolDown
	}
	if c.RecoveryMaxFailures <= 0 {
		c.RecoveryMaxFailures = d.RecoveryMaxFailures
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.InactiveWarnAfter <= 0 {
		c.InactiveWarnAfter = d.InactiveWarnAfter
	}
	if c.InactiveResetAfter <= 0 {
		c.InactiveResetAfter = d.InactiveResetAfter
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.WorkflowKeywords == nil {
		c.WorkflowKeywords = d.WorkflowKeywords
	}
	return c
}

// Classifier classifies request intent.
type Classifier interface {
	Classify(ctx context.Context, req *domain.Request) (*domain.IntentClassification, error)
}

// RuleEvaluator picks an agent among candidates for a classification.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, cls *domain.IntentClassification, candidates []domain.Agent) (*domain.RoutingDecision, error)
}

// WorkflowRunner executes multi-step workflows.
type WorkflowRunner interface {
	Execute(ctx context.Context, req *domain.Request) (*domain.WorkflowResult, error)
}

// FailureRecorder receives exhausted dispatch failures for bookkeeping.
type FailureRecorder interface {
	Record(agentName string, err error, detail string, retryCount int) string
}

// Deps are the orchestrator's collaborators. Only Agents is required.
type Deps struct {
	Agents     domain.AgentManager
	Classifier Classifier
	Router     RuleEvaluator
	Workflow   WorkflowRunner
	Policies   domain.AgentConfiguration
	Failures   FailureRecorder
	Scheduler  *scheduling.Scheduler
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for activity tracking and health checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	agents     domain.AgentManager
	classifier Classifier
	router     RuleEvaluator
	workflow   WorkflowRunner
	policies   domain.AgentConfiguration
	failures   FailureRecorder
	scheduler  *scheduling.Scheduler
	bus        domain.EventBus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	breakers *resilience.BreakerSet
	now      func() time.Time

	initMu      sync.Mutex
	initialized bool

	statesMu sync.RWMutex
	states   map[string]*agentState

	closeOnce sync.Once
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	log := logger.Component(deps.Logger, "orchestrator")
	o := &Orchestrator{
		cfg:        cfg,
		agents:     deps.Agents,
		classifier: deps.Classifier,
		router:     deps.Router,
		workflow:   deps.Workflow,
		policies:   deps.Policies,
		failures:   deps.Failures,
		scheduler:  deps.Scheduler,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     log,
		breakers: resilience.NewBreakerSet(resilience.BreakerSettings{
			Threshold: uint32(cfg.BreakerThreshold),
			CoolDown:  cfg.BreakerCoolDown,
		}, deps.Logger),
		now:    time.Now,
		states: make(map[string]*agentState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize starts every registered agent and the health check. It runs
// once; a failed attempt may be retried.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.initialized {
		return nil
	}

	if err := o.agents.StartAll(ctx); err != nil {
		return domain.WrapOp("Orchestrator.Initialize", err)
	}
	for _, a := range o.agents.Agents() {
		o.state(a)
	}
	if o.scheduler != nil {
		err := o.scheduler.Every(scheduling.TaskHealthCheck, o.cfg.HealthInterval, func(context.Context) error {
			o.CheckHealth(o.now())
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return domain.WrapOp("Orchestrator.Initialize", err)
		}
	}

	o.initialized = true
	o.logger.Info("orchestrator initialized", "agents", len(o.agents.Agents()))
	return nil
}

// ProcessRequest handles one request end to end. It always returns a
// Result; the error is non-nil only when the request was cancelled.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	start := o.now()
	ctx, span := tracer.StartSpan(ctx, "orchestrator.process_request")
	defer span.End()

	ex := &execution{start: start, path: "agent"}
	if req != nil {
		ex.requestID = req.ID
		span.SetAttributes(tracer.StringAttr("request.id", req.ID))
	}

	res, err := o.process(ctx, req, ex)
	o.finish(ctx, span, ex, res, err)
	return res, err
}

// execution collects what finish needs to annotate a result.
type execution struct {
	requestID string
	start     time.Time
	path      string // "agent" or "workflow"
	agent     domain.Agent
	decision  *domain.RoutingDecision
	attempts  int
}

func (o *Orchestrator) process(ctx context.Context, req *domain.Request, ex *execution) (*domain.Result, error) {
	if err := o.Initialize(ctx); err != nil {
		if domain.IsCancellation(err) || ctx.Err() != nil {
			return o.cancelled(ctx, err)
		}
		return domain.NewFailureResult("Failed to initialize agents", err), nil
	}

	if err := validateRequest(req); err != nil {
		return domain.NewFailureResult("Invalid request", err), nil
	}

	if o.useWorkflow(req) {
		ex.path = "workflow"
		return o.runWorkflow(ctx, req)
	}

	agent, decision, err := o.selectAgent(ctx, req)
	if err != nil {
		if domain.IsCancellation(err) {
			return o.cancelled(ctx, err)
		}
		return domain.NewFailureResult("No suitable agent found", err), nil
	}
	ex.agent, ex.decision = agent, decision
	domain.PublishEvent(ctx, o.bus, domain.EventAgentRouted, req.ID, map[string]any{
		"agent":       agent.Name(),
		"reason":      decision.Reason,
		"confidence":  decision.Confidence,
		"is_fallback": decision.IsFallback,
	})

	res, attempts, err := o.dispatch(ctx, agent, req)
	ex.attempts = attempts
	if err == nil {
		return res, nil
	}
	if domain.IsCancellation(err) {
		return o.cancelled(ctx, err)
	}

	if o.failures != nil {
		o.failures.Record(agent.Name(), err, req.ID, attempts)
	}
	domain.PublishEvent(ctx, o.bus, domain.EventAgentError, req.ID, map[string]any{
		"agent":    agent.Name(),
		"attempts": attempts,
		"error":    err.Error(),
	})
	o.logger.Warn("agent dispatch failed", "agent", agent.Name(), "request_id", req.ID, "attempts", attempts, "error", err)

	return o.recoverFrom(ctx, req, agent, res, err)
}

// finish stamps timing and routing metadata, then reports the outcome.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, ex *execution, res *domain.Result, err error) {
	elapsed := o.now().Sub(ex.start)
	res.ProcessingTime = elapsed
	res.SetMeta(domain.MetaElapsedMS, elapsed.Milliseconds())
	if ex.agent != nil && !res.IsRecoveryResult() {
		res.AgentName = ex.agent.Name()
		res.SetMeta(domain.MetaAgentName, ex.agent.Name())
		res.SetMeta(domain.MetaAgentType, string(ex.agent.Type()))
		res.SetMeta(domain.MetaAttempts, ex.attempts)
	}
	if ex.decision != nil {
		res.SetMeta(domain.MetaRoutingReason, ex.decision.Reason)
		res.SetMeta(domain.MetaConfidence, ex.decision.Confidence)
	}

	outcome := domain.OutcomeCompleted
	switch {
	case err != nil && domain.IsCancellation(err):
		outcome = domain.OutcomeCancelled
	case !res.Success:
		outcome = domain.OutcomeFailed
	}
	res.SetMeta(domain.MetaOutcome, string(outcome))

	o.metrics.ObserveRequest(ex.path, string(outcome), elapsed)
	span.SetAttributes(
		tracer.StringAttr("request.path", ex.path),
		tracer.StringAttr("request.outcome", string(outcome)),
		tracer.StringAttr("agent.name", res.AgentName),
	)
	if outcome == domain.OutcomeCompleted {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, res.Err)
	}

	domain.PublishEvent(ctx, o.bus, domain.EventRequestCompleted, ex.requestID, map[string]any{
		"outcome":    outcome,
		"path":       ex.path,
		"agent":      res.AgentName,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	o.logger.Info("request processed",
		"request_id", ex.requestID,
		"outcome", outcome,
		"path", ex.path,
		"agent", res.AgentName,
		"elapsed", elapsed,
	)
}

// cancelled builds the Cancelled outcome. The error wraps both
// domain.ErrCancelled and the context error when one is set.
func (o *Orchestrator) cancelled(ctx context.Context, cause error) (*domain.Result, error) {
	err := cause
	if !errors.Is(err, domain.ErrCancelled) {
		err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", err, ctxErr)
	}
	return domain.NewFailureResult("Request cancelled", err), err
}

func validateRequest(req *domain.Request) error {
	const op = "Orchestrator.ProcessRequest"
	switch {
	case req == nil:
		return domain.NewSubSystemError("orchestrator", op, domain.ErrValidation, "request is nil")
	case strings.TrimSpace(req.ID) == "":
		return domain.NewSubSystemError("orchestrator", op, domain.ErrValidation, "request id is required")
	case strings.TrimSpace(req.Prompt) == "":
		return domain.NewSubSystemError("orchestrator", op, domain.ErrValidation, "prompt is required")
	}
	return nil
}

func (o *Orchestrator) useWorkflow(req *domain.Request) bool {
	if o.workflow == nil {
		return false
	}
	if req.ContextFlag(domain.CtxUseWorkflow) {
		return true
	}
	prompt := strings.ToLower(req.Prompt)
	for _, k := range o.cfg.WorkflowKeywords {
		if k != "" && strings.Contains(prompt, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runWorkflow(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	wr, err := o.workflow.Execute(ctx, req)
	if err != nil && domain.IsCancellation(err) {
		return o.cancelled(ctx, err)
	}
	if wr == nil || wr.Result == nil {
		if err == nil {
			err = domain.NewSubSystemError("workflow", "Orchestrator.runWorkflow", domain.ErrAgentExecution, "workflow produced no result")
		}
		return domain.NewFailureResult("Workflow failed", err), nil
	}
	res := wr.Result
	if err != nil && res.Err == nil {
		res.SetError(err)
	}
	res.SetMeta(domain.MetaWorkflowID, wr.ID)
	return res, nil
}

// Close removes the health check and stops every agent, bounded by the
// shutdown timeout.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		if o.scheduler != nil {
			_ = o.scheduler.Remove(scheduling.TaskHealthCheck)
		}
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()
		err = o.agents.StopAll(stopCtx)
		o.logger.Info("orchestrator closed")
	})
	return err
}
