package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// Default circuit breaker settings.
const (
	DefaultBreakerThreshold uint32        = 5
	DefaultBreakerCoolDown  time.Duration = 30 * time.Minute
)

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold uint32
	// CoolDown is how long the circuit stays open before a half-open probe.
	CoolDown time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Threshold == 0 {
		s.Threshold = DefaultBreakerThreshold
	}
	if s.CoolDown <= 0 {
		s.CoolDown = DefaultBreakerCoolDown
	}
	return s
}

// CircuitBreaker guards one agent. Once open, calls fail fast with
// domain.ErrCircuitOpen without running the guarded function.
// Cancelled calls count as neither success nor failure.
type CircuitBreaker struct {
	name     string
	settings BreakerSettings
	logger   *slog.Logger

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker[*domain.Result]
}

// NewCircuitBreaker creates a closed breaker for name.
func NewCircuitBreaker(name string, settings BreakerSettings, log *slog.Logger) *CircuitBreaker {
	b := &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		logger:   logger.Component(log, "breaker"),
	}
	b.cb = b.newBreaker()
	return b
}

func (b *CircuitBreaker) newBreaker() *gobreaker.CircuitBreaker[*domain.Result] {
	threshold := b.settings.Threshold
	return gobreaker.NewCircuitBreaker[*domain.Result](gobreaker.Settings{
		Name:        "agent:" + b.name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     b.settings.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsExcluded: domain.IsCancellation,
	})
}

func (b *CircuitBreaker) current() *gobreaker.CircuitBreaker[*domain.Result] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// Name returns the guarded agent name.
func (b *CircuitBreaker) Name() string { return b.name }

// Execute runs fn through the breaker.
func (b *CircuitBreaker) Execute(fn func() (*domain.Result, error)) (*domain.Result, error) {
	res, err := b.current().Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("agent %q: %w", b.name, domain.ErrCircuitOpen)
	}
	return res, err
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.current().State()
}

// IsOpen reports whether calls are currently rejected.
func (b *CircuitBreaker) IsOpen() bool {
	return b.State() == gobreaker.StateOpen
}

// Counts returns the failure/success counts of the current generation.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.current().Counts()
}

// Reset closes the circuit and clears all counts.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.cb = b.newBreaker()
	b.mu.Unlock()
	b.logger.Info("circuit breaker reset", "agent", b.name)
}

// BreakerSet lazily holds one CircuitBreaker per agent name.
type BreakerSet struct {
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing settings.
func NewBreakerSet(settings BreakerSettings, log *slog.Logger) *BreakerSet {
	return &BreakerSet{
		settings: settings,
		logger:   log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewCircuitBreaker(name, s.settings, s.logger)
		s.breakers[name] = b
	}
	return b
}

// IsOpen reports whether name's circuit is open. Unknown names are closed.
func (s *BreakerSet) IsOpen(name string) bool {
	s.mu.Lock()
	b, ok := s.breakers[name]
	s.mu.Unlock()
	return ok && b.IsOpen()
}

// Reset closes name's circuit if it exists.
func (s *BreakerSet) Reset(name string) {
	s.mu.Lock()
	b, ok := s.breakers[name]
	s.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// Remove forgets name's breaker. The next Get starts a closed one.
func (s *BreakerSet) Remove(name string) {
	s.mu.Lock()
	delete(s.breakers, name)
	s.mu.Unlock()
}

// States returns a snapshot of every breaker's state, keyed by agent name.
func (s *BreakerSet) States() map[string]gobreaker.State {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]gobreaker.State, len(names))
	for _, name := range names {
		out[name] = s.Get(name).State()
	}
	return out
}
