package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskEnqueued  EventType = "task.enqueued"
	EventTaskDequeued  EventType = "task.dequeued"
	EventTaskCompleted EventType = "task.completed"

	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"

	EventAgentRouted    EventType = "agent.routed"
	EventAgentError     EventType = "agent.error"
	EventAgentRecovered EventType = "agent.recovered"
	EventAgentUnhealthy EventType = "agent.unhealthy"
	EventAgentReset     EventType = "agent.reset"

	EventRequestCompleted EventType = "request.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// PublishEvent marshals payload and publishes it on bus. A nil bus is a no-op.
func PublishEvent(ctx context.Context, bus EventBus, eventType EventType, requestID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RequestID: requestID,
		Payload:   raw,
	})
}
