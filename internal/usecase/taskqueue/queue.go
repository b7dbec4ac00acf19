// Package taskqueue is an unbounded FIFO with a single consumer that runs
// each dequeued task concurrently under its own cancellation scope.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
	"a3sist/internal/infra/metrics"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for running tasks.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds queue settings.
type Config struct {
	DispatchRate    float64 // tasks per second; 0 = unlimited
	DispatchBurst   int
	ShutdownTimeout time.Duration
}

// Queue accepts tasks without blocking and hands them to an executor.
type Queue struct {
	cfg     Config
	exec    domain.TaskExecutor
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	pending      []domain.Task
	closed       bool
	stopConsumer context.CancelFunc
	consumerDone chan struct{}

	signal  chan struct{}
	active  sync.Map // task id -> context.CancelFunc
	running atomic.Int64
	wg      sync.WaitGroup
}

// NewTask builds a task with a fresh id.
func NewTask(taskType string, payload any) domain.Task {
	return domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// New creates a stopped queue. bus and m may be nil.
func New(cfg Config, exec domain.TaskExecutor, bus domain.EventBus, m *metrics.Metrics, log *slog.Logger) *Queue {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	q := &Queue{
		cfg:     cfg,
		exec:    exec,
		bus:     bus,
		metrics: m,
		logger:  logger.Component(log, "taskqueue"),
		signal:  make(chan struct{}, 1),
	}
	if cfg.DispatchRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), max(1, cfg.DispatchBurst))
	}
	return q
}

// Enqueue appends task and wakes the consumer. It never blocks.
// Tasks without an id get one.
func (q *Queue) Enqueue(ctx context.Context, task domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.NewSubSystemError("taskqueue", "Queue.Enqueue", domain.ErrQueueClosed, task.ID)
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	q.metrics.TaskEvent("enqueued")
	q.emit(ctx, domain.EventTaskEnqueued, task, nil, 0)
	q.logger.Debug("task enqueued", "task_id", task.ID, "type", task.Type)
	return nil
}

// Start launches the consumer goroutine. Calling Start again, or after
// Shutdown, does nothing.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.stopConsumer != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.stopConsumer = cancel
	q.consumerDone = make(chan struct{})
	go q.consume(runCtx, q.consumerDone)
}

// Pending returns the number of tasks waiting to be dequeued.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of tasks currently executing.
func (q *Queue) Active() int {
	return int(q.running.Load())
}

// Shutdown stops accepting tasks, stops the consumer, cancels every running
// task and waits for them up to the configured timeout or ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	stop, done := q.stopConsumer, q.consumerDone
	q.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	q.active.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(q.cfg.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = domain.NewSubSystemError("taskqueue", "Queue.Shutdown", domain.ErrTimeout,
			fmt.Sprintf("%d tasks still running after %s", q.Active(), q.cfg.ShutdownTimeout))
	case <-ctx.Done():
		err = domain.NewSubSystemError("taskqueue", "Queue.Shutdown", domain.ErrTimeout, ctx.Err().Error())
	}

	q.active.Clear()
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.logger.Info("task queue stopped", "dropped", dropped, "timed_out", err != nil)
	return err
}

func (q *Queue) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		task, ok := q.next(ctx)
		if !ok {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.requeue(task)
				return
			}
		}
		q.dispatch(ctx, task)
	}
}

// next blocks until a task is available or ctx is done.
func (q *Queue) next(ctx context.Context) (domain.Task, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending[0] = domain.Task{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Task{}, false
		case <-q.signal:
		}
	}
}

func (q *Queue) requeue(task domain.Task) {
	q.mu.Lock()
	q.pending = append([]domain.Task{task}, q.pending...)
	q.mu.Unlock()
}

func (q *Queue) dispatch(parent context.Context, task domain.Task) {
	ctx, cancel := context.WithCancel(parent)
	q.active.Store(task.ID, cancel)
	q.running.Add(1)
	q.wg.Add(1)

	q.metrics.TaskEvent("dequeued")
	q.emit(ctx, domain.EventTaskDequeued, task, nil, 0)

	go func() {
		defer q.wg.Done()
		defer q.running.Add(-1)
		defer q.active.Delete(task.ID)
		defer cancel()

		start := time.Now()
		err := q.run(ctx, task)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			q.metrics.TaskEvent("completed")
		case domain.IsCancellation(err):
			q.metrics.TaskEvent("cancelled")
		default:
			q.metrics.TaskEvent("failed")
			q.logger.Warn("task failed", "task_id", task.ID, "type", task.Type, "error", err)
		}
		q.emit(context.WithoutCancel(ctx), domain.EventTaskCompleted, task, err, elapsed)
	}()
}

// run invokes the executor, converting a panic into an error.
func (q *Queue) run(ctx context.Context, task domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task_id", task.ID, "type", task.Type, "panic", r)
			err = domain.NewSubSystemError("taskqueue", "Queue.run", domain.ErrAgentExecution, fmt.Sprintf("panic: %v", r))
		}
	}()
	return q.exec(ctx, task)
}

type taskEventPayload struct {
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

func (q *Queue) emit(ctx context.Context, eventType domain.EventType, task domain.Task, err error, elapsed time.Duration) {
	p := taskEventPayload{TaskID: task.ID, Type: task.Type, ElapsedMS: elapsed.Milliseconds()}
	if err != nil {
		p.Error = err.Error()
	}
	domain.PublishEvent(ctx, q.bus, eventType, task.ID, p)
}
