package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig               `yaml:"logger"`
	Tracer       TracerConfig               `yaml:"tracer"`
	Metrics      MetricsConfig              `yaml:"metrics"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	Components   map[string]ComponentConfig `yaml:"components,omitempty"`
	Routing      RoutingConfig              `yaml:"routing"`
	Workflow     WorkflowConfig             `yaml:"workflow"`
	Queue        QueueConfig                `yaml:"queue"`
	Failures     FailuresConfig             `yaml:"failures"`
	Feedback     FeedbackConfig             `yaml:"feedback"`
	Agents       []AgentConfig              `yaml:"agents,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings. Addr empty = no HTTP endpoint.
// The same listener serves /healthz.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Namespace      string `yaml:"namespace"`
	Addr           string `yaml:"addr"`
	RequestsPerMin int    `yaml:"requests_per_min"`
}

// OrchestratorConfig holds dispatch, breaker, recovery and health settings.
type OrchestratorConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerCoolDown     time.Duration `yaml:"breaker_cool_down"`
	RecoveryMaxFailures int           `yaml:"recovery_max_failures"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	InactiveWarnAfter   time.Duration `yaml:"inactive_warn_after"`
	InactiveResetAfter  time.Duration `yaml:"inactive_reset_after"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	WorkflowKeywords    []string      `yaml:"workflow_keywords"`
}

// ComponentConfig overrides the retry policy for one named component.
type ComponentConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RoutingConfig holds routing rule settings.
type RoutingConfig struct {
	RulesFile      string `yaml:"rules_file"`
	DisableBuiltin bool   `yaml:"disable_builtin"`
	RouterAgent    bool   `yaml:"router_agent"` // register the IntentRouter agent
}

// WorkflowConfig holds multi-step workflow settings.
type WorkflowConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PipelineFile string `yaml:"pipeline_file"`
}

// QueueConfig holds task queue settings. DispatchRate 0 = unlimited.
type QueueConfig struct {
	DispatchRate    float64       `yaml:"dispatch_rate"`
	DispatchBurst   int           `yaml:"dispatch_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FailuresConfig holds failure bookkeeping settings.
type FailuresConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// FeedbackConfig selects where classifier training feedback is stored.
type FeedbackConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`
}

// AgentConfig defines one command-backed agent.
type AgentConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	WorkDir  string            `yaml:"work_dir,omitempty"`
	Keywords []string          `yaml:"keywords,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// defaultDataDir returns the persistent data directory under $HOME/.a3sist/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".a3sist", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Namespace:      "a3sist",
			RequestsPerMin: 600,
		},
		Orchestrator: OrchestratorConfig{
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
		},
		Workflow: WorkflowConfig{
			Enabled: true,
		},
		Queue: QueueConfig{
			DispatchBurst:   1,
			ShutdownTimeout: 30 * time.Second,
		},
		Failures: FailuresConfig{
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Feedback: FeedbackConfig{
			Backend: "memory",
			Path:    filepath.Join(defaultDataDir(), "feedback.db"),
		},
	}
}

// RetryPolicy returns the retry budget for a component, falling back to the
// orchestrator defaults for any field the component does not override.
func (c *Config) RetryPolicy(component string) (int, time.Duration) {
	maxRetries, delay := c.Orchestrator.MaxRetries, c.Orchestrator.RetryDelay
	if cc, ok := c.Components[component]; ok {
		if cc.MaxRetries > 0 {
			maxRetries = cc.MaxRetries
		}
		if cc.RetryDelay > 0 {
			delay = cc.RetryDelay
		}
	}
	return maxRetries, delay
}

// Load reads a YAML config file and applies env var overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	resolveRelative(cfg, filepath.Dir(absPath))
	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveRelative makes file references relative to the config file's directory.
func resolveRelative(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.Routing.RulesFile, &cfg.Workflow.PipelineFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// ApplyEnvOverrides maps A3SIST_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("A3SIST_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("A3SIST_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("A3SIST_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("A3SIST_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("A3SIST_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("A3SIST_ORCHESTRATOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxRetries = n
		}
	}
	if v := os.Getenv("A3SIST_ORCHESTRATOR_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.RetryDelay = d
		}
	}
	if v := os.Getenv("A3SIST_ROUTING_RULES_FILE"); v != "" {
		cfg.Routing.RulesFile = v
	}
	if v := os.Getenv("A3SIST_ROUTING_ROUTER_AGENT"); v == "true" {
		cfg.Routing.RouterAgent = true
	}
	if v := os.Getenv("A3SIST_WORKFLOW_PIPELINE_FILE"); v != "" {
		cfg.Workflow.PipelineFile = v
	}
	if v := os.Getenv("A3SIST_WORKFLOW_KEYWORDS"); v != "" {
		cfg.Orchestrator.WorkflowKeywords = splitAndTrim(v, ",")
	}
	if v := os.Getenv("A3SIST_QUEUE_DISPATCH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Queue.DispatchRate = f
		}
	}
	if v := os.Getenv("A3SIST_FEEDBACK_BACKEND"); v != "" {
		cfg.Feedback.Backend = v
	}
	if v := os.Getenv("A3SIST_FEEDBACK_PATH"); v != "" {
		cfg.Feedback.Path = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
