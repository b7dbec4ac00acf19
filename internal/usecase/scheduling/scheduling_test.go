package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

func newTestScheduler() *Scheduler {
	return New(logger.Discard())
}

func TestSchedulerStartStop(t *testing.T) {
	s := newTestScheduler()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestEveryFires(t *testing.T) {
	var count atomic.Int32

	s := newTestScheduler()
	require.NoError(t, s.Every(TaskHealthCheck, 30*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	}))

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("task fired %d times, expected at least 1", c)
	}
}

func TestAddDurationAndCron(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Task{Name: TaskFailureSweep, Schedule: "5m", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "nightly", Schedule: "0 3 * * *", Run: noop}))
	assert.ElementsMatch(t, []string{TaskFailureSweep, "nightly"}, s.Tasks())

	err := s.Add(Task{Name: "bad", Schedule: "whenever", Run: noop})
	assert.Error(t, err)

	err = s.Add(Task{Name: "nojob", Schedule: "1m"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestDuplicateTaskRejected(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Every("x", time.Minute, noop))
	err := s.Every("x", time.Minute, noop)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
}

func TestEveryRejectsNonPositive(t *testing.T) {
	s := newTestScheduler()
	err := s.Every("x", 0, func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestRemove(t *testing.T) {
	var count atomic.Int32
	s := newTestScheduler()
	require.NoError(t, s.Every("x", 20*time.Millisecond, func(context.Context) error {
		count.Add(1)
		return nil
	}))
	require.NoError(t, s.Remove("x"))
	assert.True(t, errors.Is(s.Remove("x"), domain.ErrNotFound))

	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(0), count.Load())
}

func TestNextRun(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.Every("x", time.Hour, func(context.Context) error { return nil }))

	_, ok := s.NextRun("missing")
	assert.False(t, ok)

	s.Start(context.Background())
	defer s.Stop()
	// cron computes Next on Start.
	time.Sleep(10 * time.Millisecond)
	next, ok := s.NextRun("x")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestContextCancellationStopsJobs(t *testing.T) {
	var count atomic.Int32

	s := newTestScheduler()
	s.Every("ctx-task", 30*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Stop()

	after := count.Load()
	time.Sleep(100 * time.Millisecond)
	if count.Load() != after {
		t.Error("task continued after context cancellation")
	}
}

func TestFailingAndPanickingJobsKeepScheduling(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler()
	s.Every("failing", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return fmt.Errorf("simulated error")
	})
	s.Every("panicking", 20*time.Millisecond, func(context.Context) error {
		panic("boom")
	})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Stop())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"30s", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"", true},
		{"-1s", true},
		{"soon", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestConstantDelay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), NewConstantDelay(250*time.Millisecond).Next(base))
}
