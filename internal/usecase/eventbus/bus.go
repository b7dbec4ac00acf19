package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

// wildcard keys subscribers that receive every event type.
const wildcard domain.EventType = "*"

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run asynchronously
// and never block the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool

	published atomic.Uint64
}

// New creates an event bus.
func New(log *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]subscription),
		logger: logger.Component(log, "eventbus"),
	}
}

// Publish fans out an event to matching typed subscribers and wildcard subscribers.
// Handlers receive a context detached from the publisher's cancellation so
// a cancelled request still reports its completion events.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[wildcard]...)
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"request_id", event.RequestID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(wildcard, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[key]
			for i, s := range subs {
				if s.id == id {
					b.subs[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}
}

// Published returns how many events were accepted since creation.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// LogEvents subscribes a debug-level logger for every event on bus.
func LogEvents(bus domain.EventBus, log *slog.Logger) func() {
	return bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		log.LogAttrs(ctx, slog.LevelDebug, "event",
			slog.String("type", string(e.Type)),
			slog.String("request_id", e.RequestID),
			slog.String("payload", string(e.Payload)),
		)
	})
}
