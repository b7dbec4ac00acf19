package resilience

import (
	"context"
	"errors"
	"strings"

	"a3sist/internal/domain"
)

// ErrorCategory indicates whether a failure is worth retrying.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota // treated as retryable
	ErrorCategoryRetryable                      // timeouts, transient I/O
	ErrorCategoryPermanent                      // validation, unsupported, auth
	ErrorCategoryCancelled                      // caller cancellation
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRetryable:
		return "retryable"
	case ErrorCategoryPermanent:
		return "permanent"
	case ErrorCategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original error
	Category ErrorCategory
	Sentinel error // mapped domain sentinel, or nil
}

// Retryable reports whether another attempt may succeed.
func (c ClassifiedError) Retryable() bool {
	return c.Category == ErrorCategoryRetryable || c.Category == ErrorCategoryUnknown
}

// permanentMarkers in a failure message mean the request can never succeed as sent.
var permanentMarkers = []string{"invalid", "not supported", "unauthorized", "forbidden"}

var transientMarkers = []string{
	"timeout", "timed out", "connection refused", "connection reset",
	"temporarily unavailable", "rate limit", "too many requests",
}

// ErrorClassifier sorts agent failures into retryable and permanent classes.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify inspects err, preferring wrapped domain sentinels over message text.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}
	return c.classifyByMessage(err, err.Error())
}

// ClassifyResult classifies an unsuccessful result that carried no error.
func (c *ErrorClassifier) ClassifyResult(res *domain.Result) ClassifiedError {
	if res == nil || res.Success {
		return ClassifiedError{}
	}
	if res.Err != nil {
		return c.Classify(res.Err)
	}
	return c.classifyByMessage(nil, res.Message+" "+res.ErrorDetail)
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case domain.IsCancellation(err):
		return ClassifiedError{Original: err, Category: ErrorCategoryCancelled, Sentinel: domain.ErrCancelled}
	case errors.Is(err, domain.ErrValidation):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrValidation}
	case errors.Is(err, domain.ErrInvalidOperation):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrInvalidOperation}
	case errors.Is(err, domain.ErrNotSupported):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrNotSupported}
	case domain.IsNonRetryableError(err):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrNonRetryable}
	case errors.Is(err, domain.ErrCircuitOpen):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrCircuitOpen}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrTimeout}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByMessage(err error, msg string) ClassifiedError {
	lower := strings.ToLower(msg)
	for _, p := range permanentMarkers {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrNonRetryable}
		}
	}
	for _, p := range transientMarkers {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
