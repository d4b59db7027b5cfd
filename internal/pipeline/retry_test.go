package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayForAttempt(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
		{0, time.Second},
	}
	for _, tc := range cases {
		if got := DelayForAttempt(tc.attempt, policy); got != tc.want {
			t.Errorf("DelayForAttempt(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := DelayForAttempt(3, RetryPolicy{}); got != 0 {
		t.Errorf("zero base delay: got %v, want 0", got)
	}
	if got := DelayForAttempt(10, RetryPolicy{BaseDelay: time.Second}); got != 512*time.Second {
		t.Errorf("uncapped: got %v, want 512s", got)
	}
}

func TestExecuteWithRetryFirstTrySuccess(t *testing.T) {
	calls := 0
	out, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 3}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			return &StageOutput{Cost: 1}, nil
		})
	if err != nil || retries != 0 || calls != 1 {
		t.Fatalf("err=%v retries=%d calls=%d, want nil/0/1", err, retries, calls)
	}
	if out == nil || out.Cost != 1 {
		t.Fatalf("out = %+v", out)
	}
}

func TestExecuteWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	var observed []int
	observe := func(stage string, attempt int, delay time.Duration, err error) {
		observed = append(observed, attempt)
	}
	out, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 3}, observe,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			if calls <= 2 {
				return nil, NewStageError("X_TIMEOUT", "slow", SeverityRetryable)
			}
			return &StageOutput{}, nil
		})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d, want 3/2", calls, retries)
	}
	if out == nil {
		t.Fatal("no output")
	}
	if len(observed) != 2 || observed[0] != 1 || observed[1] != 2 {
		t.Fatalf("observer attempts = %v, want [1 2]", observed)
	}
}

func TestExecuteWithRetryCriticalFailsImmediately(t *testing.T) {
	calls := 0
	_, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 5}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			return nil, NewStageError("BAD_CONFIG", "broken", SeverityCritical)
		})
	if calls != 1 || retries != 0 {
		t.Fatalf("calls=%d retries=%d, want 1/0", calls, retries)
	}
	serr := AsStageError(err)
	if serr.Severity != SeverityCritical || serr.OriginalSeverity != "" {
		t.Fatalf("error = %+v, must not be escalated", serr)
	}
}

func TestExecuteWithRetryExhaustionEscalates(t *testing.T) {
	calls := 0
	_, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 3}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			return nil, NewStageError("X_TIMEOUT", "slow", SeverityRetryable)
		})
	if calls != 4 || retries != 3 {
		t.Fatalf("calls=%d retries=%d, want 4/3", calls, retries)
	}
	serr := AsStageError(err)
	if serr.Severity != SeverityCritical {
		t.Fatalf("severity = %q, want escalated critical", serr.Severity)
	}
	if serr.OriginalSeverity != SeverityRetryable {
		t.Fatalf("original severity = %q, want retryable", serr.OriginalSeverity)
	}
	if serr.Context["retries_exhausted"] != true {
		t.Fatalf("context = %v", serr.Context)
	}
}

func TestExecuteWithRetryZeroBudgetNoEscalation(t *testing.T) {
	_, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 0}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			return nil, NewStageError("X_TIMEOUT", "slow", SeverityRetryable)
		})
	if retries != 0 {
		t.Fatalf("retries = %d, want 0", retries)
	}
	serr := AsStageError(err)
	if serr.Severity != SeverityRetryable || serr.OriginalSeverity != "" {
		t.Fatalf("error = %+v, must keep retryable severity with no budget", serr)
	}
}

func TestExecuteWithRetryStopsOnNonRetryableMidway(t *testing.T) {
	calls := 0
	_, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 5}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			if calls == 1 {
				return nil, NewStageError("X_TIMEOUT", "slow", SeverityRetryable)
			}
			return nil, NewStageError("BAD_INPUT", "broken", SeverityCritical)
		})
	if calls != 2 || retries != 1 {
		t.Fatalf("calls=%d retries=%d, want 2/1", calls, retries)
	}
	serr := AsStageError(err)
	if serr.Code != "BAD_INPUT" || serr.OriginalSeverity != "" {
		t.Fatalf("error = %+v, want unescalated BAD_INPUT", serr)
	}
}

func TestExecuteWithRetryFallbackSeverityConsumesBudget(t *testing.T) {
	calls := 0
	_, retries, err := executeWithRetry(context.Background(), "s", RetryPolicy{MaxRetries: 2}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			return nil, NewStageError("CHAIN_DOWN", "all providers down", SeverityFallback)
		})
	if calls != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d, want 3/2", calls, retries)
	}
	serr := AsStageError(err)
	if serr.Severity != SeverityCritical || serr.OriginalSeverity != SeverityFallback {
		t.Fatalf("error = %+v, want escalated with fallback original", serr)
	}
}

func TestExecuteWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, _, err := executeWithRetry(ctx, "s", RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute}, nil,
		func(ctx context.Context, attempt int) (*StageOutput, error) {
			calls++
			return nil, NewStageError("X_TIMEOUT", "slow", SeverityRetryable)
		})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancellation)", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSleepWithContext(t *testing.T) {
	if !sleepWithContext(context.Background(), 0) {
		t.Fatal("zero delay must return true")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepWithContext(ctx, time.Minute) {
		t.Fatal("cancelled context must return false")
	}
}

func TestEngineSentinelErrors(t *testing.T) {
	for _, sentinel := range []error{
		ErrRunLocked, ErrAlreadyRunning, ErrAlreadyCompleted,
		ErrNotResumable, ErrUnknownStage, ErrRunNotFound,
	} {
		wrapped := fmt.Errorf("%w: 2026-08-25", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Fatalf("errors.Is must match %v through wrapping", sentinel)
		}
	}
}
