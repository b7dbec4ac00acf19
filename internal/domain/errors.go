package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Orchestration error taxonomy.
var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = fmt.Errorf("validation failed")
	// ErrNoAgentsAvailable is the routing error: no capable or available agent.
	ErrNoAgentsAvailable = fmt.Errorf("no agents available")
	// ErrAgentExecution marks a failed agent invocation that may be retried.
	ErrAgentExecution = fmt.Errorf("agent execution failed")
	// ErrNonRetryable marks an agent failure that must not be retried.
	ErrNonRetryable = fmt.Errorf("non-retryable agent failure")
	// ErrInvalidOperation and ErrNotSupported are returned by agents for requests
	// they can never satisfy; both are classified as non-retryable.
	ErrInvalidOperation = fmt.Errorf("invalid operation")
	ErrNotSupported     = fmt.Errorf("not supported")
	// ErrCircuitOpen is returned when an agent is disabled after repeated failures.
	ErrCircuitOpen = fmt.Errorf("circuit open")
	// ErrCancelled is distinct from failure and never retried.
	ErrCancelled = fmt.Errorf("request cancelled")
	// ErrRecoveryExhausted means retries and the single recovery attempt both failed.
	ErrRecoveryExhausted = fmt.Errorf("recovery exhausted")

	ErrNoWorkflowSteps = fmt.Errorf("no applicable workflow steps found")
	ErrQueueClosed     = fmt.Errorf("task queue closed")
	ErrFeedbackStore   = fmt.Errorf("feedback store failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.ProcessRequest")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "agent"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsCancellation reports whether err represents caller cancellation rather than failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsNonRetryableError reports whether err is one of the classes that abort a retry loop.
func IsNonRetryableError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrNonRetryable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeRouting            ErrorCode = "ROUTING"
	CodeAgentExecution     ErrorCode = "AGENT_EXECUTION"
	CodeNonRetryable       ErrorCode = "NON_RETRYABLE"
	CodeInvalidOperation   ErrorCode = "INVALID_OPERATION"
	CodeNotSupported       ErrorCode = "NOT_SUPPORTED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeRecoveryExhausted  ErrorCode = "RECOVERY_EXHAUSTED"
	CodeNoWorkflowSteps    ErrorCode = "NO_WORKFLOW_STEPS"
	CodeQueueClosed        ErrorCode = "QUEUE_CLOSED"
	CodeFeedbackStore      ErrorCode = "FEEDBACK_STORE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_TIMEOUT"
	CodeWorkflowInvalid    ErrorCode = "WORKFLOW_INVALID_STEP"
	CodeRoutingRuleInvalid ErrorCode = "ROUTING_RULE_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrValidation:        CodeValidation,
	ErrNoAgentsAvailable: CodeRouting,
	ErrAgentExecution:    CodeAgentExecution,
	ErrNonRetryable:      CodeNonRetryable,
	ErrInvalidOperation:  CodeInvalidOperation,
	ErrNotSupported:      CodeNotSupported,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrCancelled:         CodeCancelled,
	ErrRecoveryExhausted: CodeRecoveryExhausted,
	ErrNoWorkflowSteps:   CodeNoWorkflowSteps,
	ErrQueueClosed:       CodeQueueClosed,
	ErrFeedbackStore:     CodeFeedbackStore,
	ErrConfigLoad:        CodeConfigLoad,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrTimeout: {
		"workflow": CodeWorkflowTimeout,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
		"routing":  CodeRoutingRuleInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Recovery and circuit errors wrap the primary failure, so check them first.
	for _, sentinel := range []error{ErrCancelled, ErrRecoveryExhausted, ErrCircuitOpen} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
