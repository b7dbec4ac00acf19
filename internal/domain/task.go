package domain

import (
	"context"
	"time"
)

// Task is an opaque record accepted by the task queue.
type Task struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskExecutor runs one dequeued task under its own cancellation scope.
type TaskExecutor func(ctx context.Context, task Task) error
