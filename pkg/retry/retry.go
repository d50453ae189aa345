// Package retry implements C5: driving an attempt function at most
// limit+1 times, sleeping a backoff-computed delay between attempts, and
// stopping early on success, non-retryable failure, or cancellation.
// Grounded on piko/reconnect.go's Backoff/ReconnectStrategy shape, but
// Delay here is a pure function of the attempt number (no mutex or stored
// delay state), generalized from the teacher's
// jittered-exponential-only reconnect backoff to the three closed kinds
// §3 specifies, and made cancellation-aware (the teacher's executeStep
// retry loop calls the unconditional time.Sleep; §5 requires sleeps to be
// interruptible).
package retry

import (
	"context"
	"time"

	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// Delay computes the attempt-N delay for the given backoff kind, per §3's
// RetryConfig invariants: exponential = delay*2^(N-1), linear = delay*N,
// constant = delay. N is 1-indexed (the delay before the 2nd attempt is
// Delay(cfg, 1)).
func Delay(cfg wfconfig.RetryConfig, attemptIndex int) time.Duration {
	base := cfg.Delay.AsDuration()
	switch cfg.Backoff {
	case wfconfig.BackoffLinear:
		return base * time.Duration(attemptIndex)
	case wfconfig.BackoffExponential:
		return base * time.Duration(int64(1)<<uint(attemptIndex-1))
	default: // BackoffConstant
		return base
	}
}

// AttemptFunc performs one attempt and returns either a value or a
// classified error.
type AttemptFunc func(ctx context.Context, attempt int) (interface{}, *wfstate.EngineError)

// Result is the outcome of the full retry-driven sequence.
type Result struct {
	Value    interface{}
	Attempts int
	Err      *wfstate.EngineError
}

// Run drives fn at most cfg.Limit+1 times (§4.5, §8: attempts <= limit+1).
// It stops on success, on a non-retryable failure, or when ctx is
// cancelled, and never sleeps after the final attempt (§8).
func Run(ctx context.Context, cfg wfconfig.RetryConfig, fn AttemptFunc) Result {
	maxAttempts := cfg.Limit + 1
	var lastErr *wfstate.EngineError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			// §3: attempts is always >= 1 on a committed StepResult, even
			// when cancellation preempts the very first attempt.
			attemptsMade := attempt - 1
			if attemptsMade < 1 {
				attemptsMade = 1
			}
			return Result{Attempts: attemptsMade, Err: wfstate.NewEngineError(wfstate.KindCancelled, "cancelled before attempt %d", attempt)}
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return Result{Value: value, Attempts: attempt}
		}

		lastErr = err
		if !err.Retryable() {
			return Result{Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		delay := Delay(cfg, attempt)
		if !sleep(ctx, delay) {
			return Result{Attempts: attempt, Err: wfstate.NewEngineError(wfstate.KindCancelled, "cancelled during retry backoff")}
		}
	}

	return Result{Attempts: maxAttempts, Err: lastErr.WithAttempts(maxAttempts)}
}

// sleep waits for d or returns false early if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
