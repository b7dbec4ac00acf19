package domain

import (
	"context"
	"time"
)

// WorkflowStep is one stage of a multi-step workflow.
type WorkflowStep interface {
	Name() string
	// Order positions the step; lower runs first.
	Order() int
	CanHandle(req *Request) bool
	Execute(ctx context.Context, wc *WorkflowContext) WorkflowStepResult
}

// WorkflowContext is threaded by reference through every step of one run.
// Steps run sequentially, so it needs no locking.
type WorkflowContext struct {
	Request         *Request
	PreviousResults []WorkflowStepResult
	ShouldContinue  bool
	StopReason      string
	Data            map[string]any
}

// NewWorkflowContext creates a context ready for the first step.
func NewWorkflowContext(req *Request) *WorkflowContext {
	return &WorkflowContext{
		Request:        req,
		ShouldContinue: true,
		Data:           make(map[string]any),
	}
}

// Stop halts the workflow after the current step without signaling failure.
func (wc *WorkflowContext) Stop(reason string) {
	wc.ShouldContinue = false
	wc.StopReason = reason
}

// LastResult returns the Result of the most recent step, or nil.
func (wc *WorkflowContext) LastResult() *Result {
	if len(wc.PreviousResults) == 0 {
		return nil
	}
	return wc.PreviousResults[len(wc.PreviousResults)-1].Result
}

// WorkflowStepResult records the outcome of one step.
type WorkflowStepResult struct {
	StepName string        `json:"step_name"`
	Success  bool          `json:"success"`
	Result   *Result       `json:"result,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// WorkflowResult is the overall outcome of one workflow run.
type WorkflowResult struct {
	ID         string               `json:"id"`
	Success    bool                 `json:"success"`
	Result     *Result              `json:"result,omitempty"`
	Steps      []WorkflowStepResult `json:"steps"`
	Elapsed    time.Duration        `json:"elapsed"`
	Stopped    bool                 `json:"stopped,omitempty"`
	StopReason string               `json:"stop_reason,omitempty"`
}
