package domain

import "time"

// FailureContext is a bookkeeping record of one reported agent failure.
type FailureContext struct {
	ID         string    `json:"id"`
	AgentName  string    `json:"agent_name"`
	Err        error     `json:"-"`
	Error      string    `json:"error"`
	Context    string    `json:"context,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}
