// Package retry holds the single retry policy shared by the HTTP client and
// the command dispatcher: run an operation, and on a matching failure run a
// recovery step (re-authenticate, reconnect) before trying again.
package retry

import (
	"context"
	"fmt"
)

// Policy describes a bounded recover-and-retry strategy.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// ShouldRetry reports whether a failed attempt may be recovered from.
	// A nil ShouldRetry never retries.
	ShouldRetry func(error) bool
	// OnRetry, if set, is called before each recovery step.
	OnRetry func(attempt int, err error)
}

// Once returns a Policy that recovers at most one time from errors matching pred.
func Once(pred func(error) bool) Policy {
	return Policy{MaxRetries: 1, ShouldRetry: pred}
}

// RecoveryError is returned by Do when the recovery step itself failed.
// Trigger is the attempt error that caused the recovery.
type RecoveryError struct {
	Trigger error
	Err     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recover from %v: %v", e.Trigger, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Do runs op. While op fails with a retryable error and retries remain, it
// runs recoverFn and then op again. The last op error is returned unchanged;
// a failing recoverFn stops immediately with a *RecoveryError.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, recoverFn func(context.Context) error) error {
	err := op(ctx)
	for attempt := 1; err != nil && attempt <= p.MaxRetries; attempt++ {
		if p.ShouldRetry == nil || !p.ShouldRetry(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if rerr := recoverFn(ctx); rerr != nil {
			return &RecoveryError{Trigger: err, Err: rerr}
		}
		err = op(ctx)
	}
	return err
}
