package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// Well-known task names used by the orchestration core.
const (
	TaskHealthCheck  = "agent_health_check"
	TaskFailureSweep = "failure_sweep"
)

const defaultTaskTimeout = 5 * time.Minute

// Job is the body of a scheduled task.
type Job func(ctx context.Context) error

// Task defines a recurring job.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30s"
	Timeout  time.Duration
	Run      Job
}

// Scheduler runs named tasks on cron expressions or fixed intervals.
// Overlapping runs of the same task are skipped and job panics are recovered.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler.
func New(log *slog.Logger) *Scheduler {
	log = logger.Component(log, "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		entries: make(map[string]cron.EntryID),
		logger:  log,
	}
}

// Every schedules run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, run Job) error {
	if interval <= 0 {
		return domain.NewSubSystemError("scheduler", "Scheduler.Every", domain.ErrInvalidInput,
			fmt.Sprintf("interval for %q must be positive", name))
	}
	return s.add(name, NewConstantDelay(interval), defaultTaskTimeout, run)
}

// Add schedules a task whose schedule string is a cron expression or a duration.
func (s *Scheduler) Add(task Task) error {
	if task.Run == nil {
		return domain.NewSubSystemError("scheduler", "Scheduler.Add", domain.ErrInvalidInput,
			fmt.Sprintf("task %q has no job", task.Name))
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return s.add(task.Name, schedule, timeout, task.Run)
}

func (s *Scheduler) add(name string, schedule cron.Schedule, timeout time.Duration, run Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return domain.NewSubSystemError("scheduler", "Scheduler.Add", domain.ErrDuplicate, name)
	}

	log := s.logger
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			log.Debug("scheduler stopped, skipping task", "task", name)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := run(taskCtx); err != nil {
			log.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		log.Debug("scheduled task completed", "task", name, "duration", time.Since(start))
	}))

	log.Info("task added to scheduler", "task", name)
	return nil
}

// Remove unschedules a task by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return domain.NewSubSystemError("scheduler", "Scheduler.Remove", domain.ErrNotFound, name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// NextRun returns the next activation of a task. It is only meaningful
// once the scheduler is started.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Tasks returns the names of all scheduled tasks.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins running the scheduler. Jobs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return NewConstantDelay(dur), nil
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger adapts slog to cron.Logger for the job wrappers.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
