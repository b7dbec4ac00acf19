// Package agent provides domain.Agent implementations: agents backed by an
// external command and the intent router agent.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// DefaultCommandTimeout bounds a single command invocation.
const DefaultCommandTimeout = 2 * time.Minute

// maxStderr caps the stderr text kept in an error message.
const maxStderr = 4096

// CommandConfig describes a command-backed agent.
type CommandConfig struct {
	Name     string
	Type     domain.AgentType
	Command  string
	Args     []string
	Env      map[string]string
	WorkDir  string
	Keywords []string      // empty = handles everything
	Timeout  time.Duration // default: DefaultCommandTimeout
}

// commandInput is written to the command's stdin as JSON.
type commandInput struct {
	ID       string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Content  string         `json:"content,omitempty"`
	FilePath string         `json:"file_path,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// CommandAgent runs an external program per request. The request is written
// to stdin as JSON; stdout becomes the result content.
type CommandAgent struct {
	cfg    CommandConfig
	logger *slog.Logger

	mu     sync.RWMutex
	status domain.AgentStatus
}

var _ domain.Agent = (*CommandAgent)(nil)

// NewCommandAgent creates a command-backed agent.
func NewCommandAgent(cfg CommandConfig, log *slog.Logger) *CommandAgent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	return &CommandAgent{
		cfg:    cfg,
		logger: logger.Component(log, "agent").With("agent", cfg.Name),
		status: domain.AgentStatusStopped,
	}
}

func (a *CommandAgent) Name() string           { return a.cfg.Name }
func (a *CommandAgent) Type() domain.AgentType { return a.cfg.Type }

func (a *CommandAgent) Status() domain.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *CommandAgent) setStatus(s domain.AgentStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Initialize checks the command can be found.
func (a *CommandAgent) Initialize(context.Context) error {
	a.setStatus(domain.AgentStatusStarting)
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		a.setStatus(domain.AgentStatusError)
		return domain.NewSubSystemError("agent", "CommandAgent.Initialize", domain.ErrNotFound,
			fmt.Sprintf("%s: %v", a.cfg.Command, err))
	}
	a.setStatus(domain.AgentStatusReady)
	return nil
}

// CanHandle matches any configured keyword against the prompt, ignoring case.
func (a *CommandAgent) CanHandle(req *domain.Request) bool {
	if req == nil {
		return false
	}
	if len(a.cfg.Keywords) == 0 {
		return true
	}
	prompt := strings.ToLower(req.Prompt)
	for _, k := range a.cfg.Keywords {
		if k != "" && strings.Contains(prompt, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Handle runs the command once. A non-zero exit is an agent execution
// error; exit code 2 marks the request as unsupported.
func (a *CommandAgent) Handle(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	input, err := json.Marshal(commandInput{
		ID:       req.ID,
		Prompt:   req.Prompt,
		Content:  req.Content,
		FilePath: req.FilePath,
		Context:  req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", domain.ErrNonRetryable, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = a.environ()
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.setStatus(domain.AgentStatusBusy)
	start := time.Now()
	err = cmd.Run()
	a.setStatus(domain.AgentStatusReady)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s exceeded %s", domain.ErrTimeout, a.cfg.Name, a.cfg.Timeout)
		}
		detail := truncate(strings.TrimSpace(stderr.String()), maxStderr)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrNotSupported, a.cfg.Name, detail)
		}
		a.logger.Warn("command failed", "request_id", req.ID, "error", err, "elapsed", elapsed)
		return nil, fmt.Errorf("%w: %s: %v: %s", domain.ErrAgentExecution, a.cfg.Name, err, detail)
	}

	a.logger.Debug("command completed", "request_id", req.ID, "elapsed", elapsed, "bytes", stdout.Len())
	res := domain.NewSuccessResult(fmt.Sprintf("Handled by %s", a.cfg.Name), strings.TrimRight(stdout.String(), "\n"))
	res.AgentName = a.cfg.Name
	return res, nil
}

// Shutdown marks the agent stopped. Commands are per-request, so nothing
// outlives Handle.
func (a *CommandAgent) Shutdown(context.Context) error {
	a.setStatus(domain.AgentStatusStopped)
	return nil
}

func (a *CommandAgent) environ() []string {
	env := os.Environ()
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
