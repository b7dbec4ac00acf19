// Package workflow runs ordered, multi-step workflows over a shared
// WorkflowContext.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
	"a3sist/internal/infra/metrics"
	"a3sist/internal/infra/tracer"
)

// Service holds registered steps and executes them in order.
type Service struct {
	mu      sync.RWMutex
	steps   map[string]domain.WorkflowStep
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates an empty workflow service. bus and m may be nil.
func NewService(bus domain.EventBus, m *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{
		steps:   make(map[string]domain.WorkflowStep),
		bus:     bus,
		metrics: m,
		logger:  logger.Component(log, "workflow"),
	}
}

// RegisterStep adds step, replacing any step with the same name.
func (s *Service) RegisterStep(step domain.WorkflowStep) error {
	if step == nil || strings.TrimSpace(step.Name()) == "" {
		return domain.NewSubSystemError("workflow", "Service.RegisterStep", domain.ErrInvalidInput, "step must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[step.Name()]; exists {
		s.logger.Warn("workflow step replaced", "step", step.Name())
	}
	s.steps[step.Name()] = step
	return nil
}

// RemoveStep unregisters the named step. Reports whether it existed.
func (s *Service) RemoveStep(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[name]; !ok {
		return false
	}
	delete(s.steps, name)
	return true
}

// Steps returns every registered step in execution order.
func (s *Service) Steps() []domain.WorkflowStep {
	s.mu.RLock()
	out := slices.Collect(maps.Values(s.steps))
	s.mu.RUnlock()
	sortSteps(out)
	return out
}

// sortSteps orders by Order ascending, ties broken by name.
func sortSteps(steps []domain.WorkflowStep) {
	slices.SortStableFunc(steps, func(a, b domain.WorkflowStep) int {
		if a.Order() != b.Order() {
			return a.Order() - b.Order()
		}
		return strings.Compare(a.Name(), b.Name())
	})
}

func (s *Service) applicable(req *domain.Request) []domain.WorkflowStep {
	var out []domain.WorkflowStep
	for _, step := range s.Steps() {
		if step.CanHandle(req) {
			out = append(out, step)
		}
	}
	return out
}

// Execute runs every applicable step in order. A failed step ends the run
// and its result becomes the workflow result. A step that clears
// ShouldContinue ends the run successfully. Only cancellation and the
// absence of applicable steps are returned as errors.
func (s *Service) Execute(ctx context.Context, req *domain.Request) (*domain.WorkflowResult, error) {
	if req == nil {
		return nil, domain.NewSubSystemError("workflow", "Service.Execute", domain.ErrValidation, "request is nil")
	}

	start := time.Now()
	run := &domain.WorkflowResult{ID: generateRunID(start)}

	ctx, span := tracer.StartSpan(ctx, "workflow.execute", trace.WithAttributes(
		tracer.StringAttr("workflow.id", run.ID),
		tracer.StringAttr("request.id", req.ID),
	))
	defer span.End()

	steps := s.applicable(req)
	if len(steps) == 0 {
		err := domain.NewSubSystemError("workflow", "Service.Execute", domain.ErrNoWorkflowSteps, "")
		run.Result = domain.NewFailureResult("No applicable workflow steps found", err)
		run.Elapsed = time.Since(start)
		tracer.RecordError(span, err)
		return run, err
	}

	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Name()
	}
	domain.PublishEvent(ctx, s.bus, domain.EventWorkflowStarted, req.ID, map[string]any{
		"run_id": run.ID,
		"steps":  names,
	})
	s.logger.Info("workflow started", "run_id", run.ID, "request_id", req.ID, "steps", len(steps))

	wc := domain.NewWorkflowContext(req)
	var runErr error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("workflow %s: %w: %w", run.ID, domain.ErrCancelled, err)
			run.Result = domain.NewFailureResult("Workflow cancelled", runErr)
			break
		}

		sr := s.runStep(ctx, step, wc)
		wc.PreviousResults = append(wc.PreviousResults, sr)
		run.Steps = append(run.Steps, sr)
		s.metrics.ObserveWorkflowStep(step.Name(), sr.Success)

		if !sr.Success {
			run.Result = copyResult(sr.Result)
			if domain.IsCancellation(sr.Err) {
				runErr = fmt.Errorf("workflow %s: step %s: %w", run.ID, step.Name(), sr.Err)
				if !errors.Is(runErr, domain.ErrCancelled) {
					runErr = fmt.Errorf("%w: %w", domain.ErrCancelled, runErr)
				}
			}
			s.logger.Warn("workflow step failed", "run_id", run.ID, "step", step.Name(), "error", sr.Err)
			break
		}

		if !wc.ShouldContinue {
			run.Stopped = true
			run.StopReason = wc.StopReason
			s.logger.Info("workflow stopped early", "run_id", run.ID, "step", step.Name(), "reason", wc.StopReason)
			break
		}
	}

	if run.Result == nil {
		run.Success = true
		run.Result = copyResult(wc.LastResult())
	}
	run.Result.SetMeta(domain.MetaWorkflowID, run.ID)
	run.Elapsed = time.Since(start)

	if runErr != nil {
		tracer.RecordError(span, runErr)
	} else {
		tracer.SetOK(span)
	}
	span.SetAttributes(tracer.IntAttr("workflow.steps_run", len(run.Steps)), tracer.BoolAttr("workflow.success", run.Success))

	domain.PublishEvent(ctx, s.bus, domain.EventWorkflowCompleted, req.ID, map[string]any{
		"run_id":     run.ID,
		"steps_run":  len(run.Steps),
		"success":    run.Success,
		"stopped":    run.Stopped,
		"elapsed_ms": run.Elapsed.Milliseconds(),
	})
	s.logger.Info("workflow finished", "run_id", run.ID, "success", run.Success, "steps_run", len(run.Steps))
	return run, runErr
}

// runStep executes one step, turning a panic into a failed step result.
func (s *Service) runStep(ctx context.Context, step domain.WorkflowStep, wc *domain.WorkflowContext) (sr domain.WorkflowStepResult) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "workflow.step", trace.WithAttributes(tracer.StringAttr("workflow.step", step.Name())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workflow step panicked", "step", step.Name(), "panic", r)
			sr = domain.WorkflowStepResult{
				Err: domain.NewSubSystemError("workflow", "Service.runStep", domain.ErrAgentExecution, fmt.Sprintf("step %s panicked: %v", step.Name(), r)),
			}
		}
		sr.StepName = step.Name()
		sr.Elapsed = time.Since(start)
		if !sr.Success && sr.Result == nil {
			sr.Result = domain.NewFailureResult(fmt.Sprintf("Step %s failed", step.Name()), sr.Err)
		}
		if !sr.Success && sr.Err == nil && sr.Result != nil {
			sr.Err = sr.Result.Err
		}
		if sr.Success {
			tracer.SetOK(span)
		} else {
			tracer.RecordError(span, sr.Err)
		}
	}()

	return step.Execute(ctx, wc)
}

// copyResult copies r so workflow metadata does not leak into a step's result.
func copyResult(r *domain.Result) *domain.Result {
	if r == nil {
		return domain.NewSuccessResult("Workflow completed", "")
	}
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp
}

func generateRunID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
