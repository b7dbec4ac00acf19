package domain

import (
	"maps"
	"time"
)

// Metadata keys the orchestrator attaches to results.
const (
	MetaAgentName        = "agent_name"
	MetaAgentType        = "agent_type"
	MetaElapsedMS        = "elapsed_ms"
	MetaAttempts         = "attempts"
	MetaIsRecoveryResult = "is_recovery_result"
	MetaOriginalError    = "original_error"
	MetaRecoveryAttempt  = "recovery_attempted"
	MetaRecoveryError    = "recovery_error"
	MetaOutcome          = "outcome"
	MetaWorkflowID       = "workflow_id"
	MetaErrorCode        = "error_code"
	MetaTargetAgent      = "target_agent"
	MetaRoutingReason    = "routing_reason"
	MetaConfidence       = "confidence"
)

// Request context keys understood by the orchestrator.
const (
	CtxUseWorkflow   = "UseWorkflow"
	CtxIsRecovery    = "IsRecovery"
	CtxOriginalAgent = "OriginalAgent"
)

// Outcome is the terminal state of one processed request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Request is an inbound unit of work. It is owned by the caller and never
// mutated by the core; variants are produced with WithContext.
type Request struct {
	ID                 string         `json:"id"`
	Prompt             string         `json:"prompt"`
	Content            string         `json:"content,omitempty"`
	FilePath           string         `json:"file_path,omitempty"`
	PreferredAgentType AgentType      `json:"preferred_agent_type,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// WithContext returns a copy of r whose context map also holds the given entries.
func (r *Request) WithContext(id string, extra map[string]any) *Request {
	cp := *r
	cp.ID = id
	cp.Context = make(map[string]any, len(r.Context)+len(extra))
	maps.Copy(cp.Context, r.Context)
	maps.Copy(cp.Context, extra)
	return &cp
}

// ContextFlag reports whether the context entry key is boolean true or the string "true".
func (r *Request) ContextFlag(key string) bool {
	if r == nil || r.Context == nil {
		return false
	}
	switch v := r.Context[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "True" || v == "1"
	default:
		return false
	}
}

// Result is produced by an agent and enriched by the orchestrator.
type Result struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message,omitempty"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ErrorDetail    string         `json:"error,omitempty"`
	Err            error          `json:"-"`
	ProcessingTime time.Duration  `json:"processing_time"`
	AgentName      string         `json:"agent_name,omitempty"`
}

// NewSuccessResult creates a successful result.
func NewSuccessResult(message, content string) *Result {
	return &Result{Success: true, Message: message, Content: content, Metadata: map[string]any{}}
}

// NewFailureResult creates a failed result carrying err.
func NewFailureResult(message string, err error) *Result {
	r := &Result{Message: message, Metadata: map[string]any{}}
	r.SetError(err)
	return r
}

// SetError attaches err and its code to the result.
func (r *Result) SetError(err error) {
	r.Err = err
	if err == nil {
		r.ErrorDetail = ""
		return
	}
	r.ErrorDetail = err.Error()
	r.SetMeta(MetaErrorCode, string(ErrorCodeOf(err)))
}

// SetMeta sets a metadata entry, allocating the map on first use.
func (r *Result) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// IsRecoveryResult reports whether the result came from a recovery dispatch.
func (r *Result) IsRecoveryResult() bool {
	if r == nil {
		return false
	}
	v, _ := r.Metadata[MetaIsRecoveryResult].(bool)
	return v
}
