package pipeline

import (
	"context"
	"math"
	"time"
)

// RetryObserver is invoked before each retry sleep with the attempt number
// that just failed, the delay about to be applied, and the error. Observers
// are for logging only and never change control flow.
type RetryObserver func(stage string, attempt int, delay time.Duration, err error)

// DelayForAttempt computes the backoff delay between attempt n and n+1:
// min(baseDelay * 2^(n-1), maxDelay). Attempts are 1-indexed.
func DelayForAttempt(attempt int, policy RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if policy.BaseDelay <= 0 {
		return 0
	}
	d := float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if policy.MaxDelay > 0 {
		d = math.Min(d, float64(policy.MaxDelay))
	}
	return time.Duration(d)
}

// executeWithRetry wraps a single stage invocation with bounded exponential
// backoff. The unit of work runs up to policy.MaxRetries+1 times; only
// retryable and fallback severities consume retry budget, every other severity
// fails on the spot.
//
// The returned attempt count is the number of retries performed: 0 means the
// stage failed (or succeeded) on the first try with no retry applied. On
// exhaustion the last error is escalated to critical with its original
// severity preserved, so the skip/fail classifier can still see the root
// cause.
func executeWithRetry(
	ctx context.Context,
	stage string,
	policy RetryPolicy,
	observe RetryObserver,
	fn func(ctx context.Context, attempt int) (*StageOutput, error),
) (*StageOutput, int, error) {
	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *StageError
	retries := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retries = attempt - 1
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, retries, nil
		}
		lastErr = AsStageError(err)

		retryable := lastErr.Severity == SeverityRetryable || lastErr.Severity == SeverityFallback
		if !retryable || attempt == maxAttempts {
			break
		}

		delay := DelayForAttempt(attempt, policy)
		if observe != nil {
			observe(stage, attempt, delay, lastErr)
		}
		if !sleepWithContext(ctx, delay) {
			return nil, retries, lastErr
		}
		retries = attempt
	}

	exhausted := retries > 0 &&
		(lastErr.Severity == SeverityRetryable || lastErr.Severity == SeverityFallback)
	if exhausted {
		lastErr = escalateExhausted(lastErr)
	}
	return nil, retries, lastErr
}

// escalateExhausted promotes a retryable/fallback error to critical once the
// retry budget is gone, stashing the pre-escalation severity.
func escalateExhausted(err *StageError) *StageError {
	out := *err
	if out.OriginalSeverity == "" {
		out.OriginalSeverity = out.Severity
	}
	out.Severity = SeverityCritical
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	out.Context["retries_exhausted"] = true
	return &out
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
