// Package failure keeps short-lived records of agent failures for
// diagnostics. Records are never consulted when routing.
package failure

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
	"a3sist/internal/usecase/scheduling"
)

// Defaults for Config.
const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Config holds retention settings.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Handler stores FailureContext records keyed by ULID.
type Handler struct {
	cfg     Config
	sched   *scheduling.Scheduler
	logger  *slog.Logger
	entries sync.Map // id -> domain.FailureContext
	now     func() time.Time
}

// NewHandler creates a Handler. sched may be nil, in which case Start does
// nothing and callers sweep manually.
func NewHandler(cfg Config, sched *scheduling.Scheduler, log *slog.Logger) *Handler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Handler{
		cfg:    cfg,
		sched:  sched,
		logger: logger.Component(log, "failure"),
		now:    time.Now,
	}
}

// Record stores a failure and returns its id.
func (h *Handler) Record(agentName string, err error, detail string, retryCount int) string {
	now := h.now()
	fc := domain.FailureContext{
		ID:         newID(now),
		AgentName:  agentName,
		Err:        err,
		Context:    detail,
		Timestamp:  now,
		RetryCount: retryCount,
	}
	if err != nil {
		fc.Error = err.Error()
	}
	h.entries.Store(fc.ID, fc)
	h.logger.Debug("failure recorded", "id", fc.ID, "agent", agentName, "retries", retryCount)
	return fc.ID
}

// Get returns the record with id.
func (h *Handler) Get(id string) (domain.FailureContext, bool) {
	v, ok := h.entries.Load(id)
	if !ok {
		return domain.FailureContext{}, false
	}
	return v.(domain.FailureContext), true
}

// List returns records for agentName, oldest first. An empty name lists all.
func (h *Handler) List(agentName string) []domain.FailureContext {
	var out []domain.FailureContext
	h.entries.Range(func(_, v any) bool {
		fc := v.(domain.FailureContext)
		if agentName == "" || fc.AgentName == agentName {
			out = append(out, fc)
		}
		return true
	})
	slices.SortFunc(out, func(a, b domain.FailureContext) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Sweep removes records older than the TTL relative to now and returns how
// many were removed.
func (h *Handler) Sweep(now time.Time) int {
	cutoff := now.Add(-h.cfg.TTL)
	removed := 0
	h.entries.Range(func(k, v any) bool {
		if v.(domain.FailureContext).Timestamp.Before(cutoff) {
			h.entries.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		h.logger.Debug("expired failures swept", "removed", removed)
	}
	return removed
}

// Start registers the periodic sweep with the scheduler.
func (h *Handler) Start() error {
	if h.sched == nil {
		return nil
	}
	return h.sched.Every(scheduling.TaskFailureSweep, h.cfg.SweepInterval, func(context.Context) error {
		h.Sweep(h.now())
		return nil
	})
}

// Stop unregisters the periodic sweep.
func (h *Handler) Stop() error {
	if h.sched == nil {
		return nil
	}
	return h.sched.Remove(scheduling.TaskFailureSweep)
}

// newID generates a ULID string. The shared monotonic entropy keeps ids
// unique and ordered when several failures share a millisecond.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
