package resilience

import (
	"context"
	"fmt"
	"time"

	"a3sist/internal/domain"
)

// Attempt performs one try. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) (*domain.Result, error)

// RetryPolicy retries failed attempts with a linearly growing delay
// (BaseDelay × attempt number).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	classifier *ErrorClassifier
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a policy. maxAttempts below 1 is treated as 1.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: max(1, maxAttempts),
		BaseDelay:   baseDelay,
		classifier:  NewErrorClassifier(),
		sleep:       sleepContext,
	}
}

// Delay returns the wait after the given failed attempt.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// Do runs fn until it succeeds, fails permanently, is cancelled or exhausts
// MaxAttempts. It returns the last result, the attempts made and a non-nil
// error whenever the final outcome is not a success.
func (p *RetryPolicy) Do(ctx context.Context, fn Attempt) (*domain.Result, int, error) {
	var (
		res *domain.Result
		err error
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, attempt - 1, fmt.Errorf("%w: %w", domain.ErrCancelled, ctxErr)
		}

		res, err = fn(ctx, attempt)
		if err == nil && res != nil && res.Success {
			return res, attempt, nil
		}

		err = failureError(res, err)
		class := p.classifier.Classify(err)
		if class.Category == ErrorCategoryCancelled {
			return res, attempt, err
		}
		if !class.Retryable() {
			return res, attempt, err
		}
		if attempt == p.MaxAttempts {
			return res, attempt, err
		}
		if sleepErr := p.sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return res, attempt, fmt.Errorf("%w: %w", domain.ErrCancelled, sleepErr)
		}
	}
	return res, p.MaxAttempts, err
}

// failureError returns the error describing a failed attempt. A failed result
// with no error is turned into ErrAgentExecution, or ErrNonRetryable when its
// message marks it permanent.
func failureError(res *domain.Result, err error) error {
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%w: agent returned no result", domain.ErrAgentExecution)
	}
	if res.Err != nil {
		return res.Err
	}
	msg := res.Message
	if msg == "" {
		msg = res.ErrorDetail
	}
	if NewErrorClassifier().ClassifyResult(res).Category == ErrorCategoryPermanent {
		return fmt.Errorf("%w: %s", domain.ErrNonRetryable, msg)
	}
	return fmt.Errorf("%w: %s", domain.ErrAgentExecution, msg)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
