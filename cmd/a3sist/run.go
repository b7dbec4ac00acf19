package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"a3sist/internal/domain"
	"a3sist/internal/infra/config"
	"a3sist/internal/infra/logger"
	"a3sist/internal/infra/tracer"
	"a3sist/internal/usecase/taskqueue"
)

// taskTypeRequest marks queue tasks carrying a *domain.Request.
const taskTypeRequest = "request"

// maxLineBytes bounds one JSON-lines request.
const maxLineBytes = 4 << 20

// response is the JSON line written for each processed request.
type response struct {
	RequestID    string         `json:"request_id"`
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	Content      string         `json:"content,omitempty"`
	AgentName    string         `json:"agent_name,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ProcessingMS int64          `json:"processing_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func newResponse(requestID string, res *domain.Result) response {
	out := response{
		RequestID:    requestID,
		Success:      res.Success,
		Message:      res.Message,
		Content:      res.Content,
		AgentName:    res.AgentName,
		Error:        res.ErrorDetail,
		ProcessingMS: res.ProcessingTime.Milliseconds(),
		Metadata:     res.Metadata,
	}
	if res.Err != nil {
		out.ErrorCode = string(domain.ErrorCodeOf(res.Err))
	}
	return out
}

// lineWriter serializes JSON lines from concurrent tasks.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (l *lineWriter) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(v)
}

// loadRuntime loads config and builds the logger and tracer.
func loadRuntime(ctx context.Context, flags cliFlags) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		_ = tracerShutdown(context.WithoutCancel(ctx))
		_ = logCloser()
	}
	return cfg, log, cleanup, nil
}

func runServe(args []string) error {
	flags := parseFlags(args)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config, logger, tracer
	cfg, log, cleanup, err := loadRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	// 2. Core
	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	// 3. Admin endpoint
	var admin *adminServer
	if cfg.Metrics.Addr != "" {
		admin = newAdminServer(ctx, cfg.Metrics, a, log)
		admin.start()
	}

	// 4. Queue and intake
	out := newLineWriter(os.Stdout)
	var pending sync.WaitGroup
	queue := taskqueue.New(taskqueue.Config{
		DispatchRate:    cfg.Queue.DispatchRate,
		DispatchBurst:   cfg.Queue.DispatchBurst,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
	}, func(ctx context.Context, task domain.Task) error {
		defer pending.Done()
		return processTask(ctx, a, out, task)
	}, a.bus, a.metrics, log)
	queue.Start(ctx)

	readErr := readRequests(ctx, os.Stdin, func(req *domain.Request) error {
		pending.Add(1)
		if err := queue.Enqueue(ctx, taskqueue.NewTask(taskTypeRequest, req)); err != nil {
			pending.Done()
			return err
		}
		return nil
	}, func(line int, err error) {
		log.Warn("invalid request line", "line", line, "error", err)
		_ = out.write(response{Error: err.Error(), ErrorCode: string(domain.CodeValidation)})
	})

	// 5. Drain, then shut down
	drained := make(chan struct{})
	go func() {
		pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Info("interrupted, cancelling in-flight requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout)
	defer cancel()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Warn("queue shutdown", "error", err)
	}
	if admin != nil {
		admin.shutdown(shutdownCtx)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "error", err)
	}
	return readErr
}

// processTask runs one queued request and writes its response line.
func processTask(ctx context.Context, a *app, out *lineWriter, task domain.Task) error {
	req, ok := task.Payload.(*domain.Request)
	if !ok {
		return fmt.Errorf("%w: task %s has payload %T", domain.ErrInvalidInput, task.ID, task.Payload)
	}
	res, err := a.orch.ProcessRequest(ctx, req)
	if werr := out.write(newResponse(req.ID, res)); werr != nil {
		return werr
	}
	return err
}

// readRequests decodes one JSON request per non-blank line. Lines that fail
// to decode are reported to onBad and skipped.
func readRequests(ctx context.Context, r io.Reader, submit func(*domain.Request) error, onBad func(line int, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var req domain.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			onBad(line, fmt.Errorf("%w: %v", domain.ErrValidation, err))
			continue
		}
		if req.CreatedAt.IsZero() {
			req.CreatedAt = time.Now()
		}
		if err := submit(&req); err != nil {
			if errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}

func runClassify(args []string) error {
	flags := parseFlags(args)
	req, err := promptRequest(flags)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg, log, cleanup, err := loadRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	cls, err := a.classifier.Classify(ctx, req)
	if err != nil {
		return err
	}
	return newLineWriter(os.Stdout).write(cls)
}

func runRoute(args []string) error {
	flags := parseFlags(args)
	req, err := promptRequest(flags)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg, log, cleanup, err := loadRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	cls, err := a.classifier.Classify(ctx, req)
	if err != nil {
		return err
	}
	var candidates []domain.Agent
	for _, ag := range a.agents.Agents() {
		if ag.Type() != domain.AgentTypeIntentRouter && ag.CanHandle(req) {
			candidates = append(candidates, ag)
		}
	}
	decision, err := a.routing.Evaluate(ctx, cls, candidates)
	if err != nil {
		return err
	}
	return newLineWriter(os.Stdout).write(map[string]any{
		"classification": cls,
		"decision":       decision,
	})
}

// promptRequest builds a request from the positional arguments.
func promptRequest(flags cliFlags) (*domain.Request, error) {
	prompt := strings.TrimSpace(strings.Join(flags.Args, " "))
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	return &domain.Request{
		ID:        "cli",
		Prompt:    prompt,
		FilePath:  flags.FilePath,
		CreatedAt: time.Now(),
	}, nil
}
