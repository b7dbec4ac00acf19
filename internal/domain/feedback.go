package domain

import (
	"context"
	"time"
)

// TrainingFeedback records the intent a user says a prompt should have had.
type TrainingFeedback struct {
	RequestID  string    `json:"request_id"`
	Prompt     string    `json:"prompt"`
	Intent     string    `json:"intent"`
	UserID     string    `json:"user_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FeedbackStore persists classifier training feedback.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, fb TrainingFeedback) error
	ListFeedback(ctx context.Context, limit int) ([]TrainingFeedback, error)
}
