package main

import (
	"context"
	"fmt"
	"log/slog"

	"a3sist/internal/adapter/agent"
	"a3sist/internal/adapter/feedback"
	"a3sist/internal/domain"
	"a3sist/internal/infra/config"
	"a3sist/internal/infra/metrics"
	"a3sist/internal/usecase/agentmanager"
	"a3sist/internal/usecase/eventbus"
	"a3sist/internal/usecase/failure"
	"a3sist/internal/usecase/intent"
	"a3sist/internal/usecase/orchestrator"
	"a3sist/internal/usecase/routing"
	"a3sist/internal/usecase/scheduling"
	"a3sist/internal/usecase/workflow"
)

// app holds the wired core. close releases everything in reverse order.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *eventbus.Bus
	metrics    *metrics.Metrics
	scheduler  *scheduling.Scheduler
	failures   *failure.Handler
	agents     *agentmanager.Manager
	classifier *intent.Classifier
	routing    *routing.Service
	workflow   *workflow.Service
	orch       *orchestrator.Orchestrator

	closers []func() error
}

// buildApp wires the core from cfg. Nothing is started.
func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// 1. Event bus, metrics, scheduler
	a.bus = eventbus.New(log)
	unsubscribe := eventbus.LogEvents(a.bus, log)
	a.closers = append(a.closers, func() error {
		unsubscribe()
		a.bus.Close()
		return nil
	})
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	a.scheduler = scheduling.New(log)

	// 2. Feedback store and classifier
	store, closeStore, err := openFeedbackStore(cfg.Feedback)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("feedback: %w", err)
	}
	a.closers = append(a.closers, closeStore)
	a.classifier = intent.NewClassifier(store, log)

	// 3. Routing rules
	var opts []routing.Option
	if cfg.Routing.DisableBuiltin {
		opts = append(opts, routing.WithoutBuiltinRules())
	}
	a.routing = routing.NewService(log, opts...)
	if cfg.Routing.RulesFile != "" {
		n, err := a.routing.LoadRulesFile(cfg.Routing.RulesFile)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("routing rules: %w", err)
		}
		log.Info("routing rules loaded", "file", cfg.Routing.RulesFile, "count", n)
	}

	// 4. Agents
	a.agents = agentmanager.New(log)
	if cfg.Routing.RouterAgent {
		router := agent.NewIntentRouterAgent("IntentRouter", a.classifier, a.routing, a.agents, log)
		if err := a.agents.Register(router); err != nil {
			a.close()
			return nil, fmt.Errorf("register router: %w", err)
		}
	}
	for _, ac := range cfg.Agents {
		if err := a.agents.Register(agent.NewCommandAgent(commandConfig(ac), log)); err != nil {
			a.close()
			return nil, fmt.Errorf("register agent %q: %w", ac.Name, err)
		}
	}

	// 5. Failure bookkeeping, workflow, orchestrator
	a.failures = failure.NewHandler(failure.Config{
		TTL:           cfg.Failures.TTL,
		SweepInterval: cfg.Failures.SweepInterval,
	}, a.scheduler, log)

	deps := orchestrator.Deps{
		Agents:     a.agents,
		Classifier: a.classifier,
		Router:     a.routing,
		Policies:   cfg,
		Failures:   a.failures,
		Scheduler:  a.scheduler,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     log,
	}
	if cfg.Workflow.Enabled {
		a.workflow = workflow.NewService(a.bus, a.metrics, log)
		deps.Workflow = a.workflow
	}
	a.orch = orchestrator.New(orchestratorConfig(cfg.Orchestrator), deps)
	a.routing.SetAvailability(a.orch.IsAvailable)

	if a.workflow != nil && cfg.Workflow.PipelineFile != "" {
		n, err := a.workflow.RegisterPipeline(cfg.Workflow.PipelineFile, a.orch)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("workflow pipeline: %w", err)
		}
		log.Info("workflow pipeline loaded", "file", cfg.Workflow.PipelineFile, "steps", n)
	}
	return a, nil
}

// start initializes agents and begins periodic jobs.
func (a *app) start(ctx context.Context) error {
	if err := a.orch.Initialize(ctx); err != nil {
		return err
	}
	if err := a.failures.Start(); err != nil {
		return err
	}
	return a.scheduler.Start(ctx)
}

// shutdown stops periodic jobs and agents, then releases resources.
func (a *app) shutdown(ctx context.Context) error {
	_ = a.failures.Stop()
	_ = a.scheduler.Stop()
	err := a.orch.Close(ctx)
	a.close()
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func openFeedbackStore(cfg config.FeedbackConfig) (domain.FeedbackStore, func() error, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := feedback.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return feedback.NewMemoryStore(), func() error { return nil }, nil
	}
}

func commandConfig(ac config.AgentConfig) agent.CommandConfig {
	return agent.CommandConfig{
		Name:     ac.Name,
		Type:     domain.AgentType(ac.Type),
		Command:  ac.Command,
		Args:     ac.Args,
		Env:      ac.Env,
		WorkDir:  ac.WorkDir,
		Keywords: ac.Keywords,
		Timeout:  ac.Timeout,
	}
}

func orchestratorConfig(oc config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxRetries:          oc.MaxRetries,
		RetryDelay:          oc.RetryDelay,
		BreakerThreshold:    oc.BreakerThreshold,
		BreakerCoolDown:     oc.BreakerCoolDown,
		RecoveryMaxFailures: oc.RecoveryMaxFailures,
		HealthInterval:      oc.HealthInterval,
		InactiveWarnAfter:   oc.InactiveWarnAfter,
		InactiveResetAfter:  oc.InactiveResetAfter,
		ShutdownTimeout:     oc.ShutdownTimeout,
		WorkflowKeywords:    oc.WorkflowKeywords,
	}
}
