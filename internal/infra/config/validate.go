package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateComponents(cfg, ve)
	validateQueue(cfg, ve)
	validateFailures(cfg, ve)
	validateFeedback(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", cfg.Tracer.Exporter)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if cfg.Metrics.RequestsPerMin < 0 {
		ve.Add("metrics.requests_per_min must be >= 0")
	}
	if cfg.Metrics.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is invalid: %v", cfg.Metrics.Addr, err)
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxRetries <= 0 {
		ve.Add("orchestrator.max_retries must be > 0")
	}
	if o.RetryDelay < 0 {
		ve.Add("orchestrator.retry_delay must be >= 0")
	}
	if o.BreakerThreshold <= 0 {
		ve.Add("orchestrator.breaker_threshold must be > 0")
	}
	if o.BreakerCoolDown <= 0 {
		ve.Add("orchestrator.breaker_cool_down must be > 0")
	}
	if o.RecoveryMaxFailures <= 0 {
		ve.Add("orchestrator.recovery_max_failures must be > 0")
	}
	if o.HealthInterval <= 0 {
		ve.Add("orchestrator.health_interval must be > 0")
	}
	if o.InactiveWarnAfter <= 0 || o.InactiveResetAfter <= 0 {
		ve.Add("orchestrator.inactive_warn_after and inactive_reset_after must be > 0")
	} else if o.InactiveResetAfter < o.InactiveWarnAfter {
		ve.Add("orchestrator.inactive_reset_after (%s) must not be shorter than inactive_warn_after (%s)",
			o.InactiveResetAfter, o.InactiveWarnAfter)
	}
	if o.ShutdownTimeout <= 0 {
		ve.Add("orchestrator.shutdown_timeout must be > 0")
	}
}

func validateComponents(cfg *Config, ve *ValidationError) {
	for name, cc := range cfg.Components {
		if cc.MaxRetries < 0 {
			ve.Add("components.%s.max_retries must be >= 0", name)
		}
		if cc.RetryDelay < 0 {
			ve.Add("components.%s.retry_delay must be >= 0", name)
		}
	}
}

func validateQueue(cfg *Config, ve *ValidationError) {
	if cfg.Queue.DispatchRate < 0 {
		ve.Add("queue.dispatch_rate must be >= 0")
	}
	if cfg.Queue.DispatchRate > 0 && cfg.Queue.DispatchBurst <= 0 {
		ve.Add("queue.dispatch_burst must be > 0 when dispatch_rate is set")
	}
	if cfg.Queue.ShutdownTimeout <= 0 {
		ve.Add("queue.shutdown_timeout must be > 0")
	}
}

func validateFailures(cfg *Config, ve *ValidationError) {
	if cfg.Failures.TTL <= 0 {
		ve.Add("failures.ttl must be > 0")
	}
	if cfg.Failures.SweepInterval <= 0 {
		ve.Add("failures.sweep_interval must be > 0")
	}
}

func validateFeedback(cfg *Config, ve *ValidationError) {
	switch cfg.Feedback.Backend {
	case "memory":
	case "sqlite":
		if cfg.Feedback.Path == "" {
			ve.Add("feedback.path is required for the sqlite backend")
		}
	default:
		ve.Add("feedback.backend %q is invalid (want memory or sqlite)", cfg.Feedback.Backend)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name is required", i)
		} else if seen[a.Name] {
			ve.Add("agents[%d].name %q is duplicated", i, a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" {
			ve.Add("agents[%d].command is required", i)
		}
		if a.Type == "" {
			ve.Add("agents[%d].type is required", i)
		}
		if a.Timeout < 0 {
			ve.Add("agents[%d].timeout must be >= 0", i)
		}
	}
}
