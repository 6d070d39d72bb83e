package pwsh

import (
	"context"
	"testing"
	"time"

	"github.com/gopwsh/gopwsh/logger"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := testPolicy().Do(context.Background(), logger.Get(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return newError(KindProcess, "boom")
		}
		return nil
	}, StartupRetryable)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryReturnsOriginalError(t *testing.T) {
	attempts := 0
	err := testPolicy().Do(context.Background(), logger.Get(), func(ctx context.Context) error {
		attempts++
		return newError(KindProcess, "boom")
	}, StartupRetryable)
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	// Exhaustion surfaces the last attempt's error untouched, not a
	// retries-exhausted wrapper.
	if !IsProcess(err) {
		t.Fatalf("expected the original process error, got %v", err)
	}
	if e := err.(*Error); e.Message != "boom" {
		t.Errorf("expected original message, got %q", e.Message)
	}
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := testPolicy().Do(context.Background(), logger.Get(), func(ctx context.Context) error {
		attempts++
		return newError(KindConfiguration, "bad settings")
	}, StartupRetryable)
	if attempts != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
	if !IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRetryPredicates(t *testing.T) {
	timeout := newError(KindTimeout, "slow")
	execErr := newError(KindExecution, "child said no")
	procErr := newError(KindProcess, "died")

	if !StartupRetryable(timeout) {
		t.Error("startup timeouts should be retryable")
	}
	if ExecuteRetryable(timeout) {
		t.Error("execution timeouts must not be retried; the command may still be running")
	}
	if StartupRetryable(execErr) || ExecuteRetryable(execErr) {
		t.Error("child-reported errors are never retryable")
	}
	if !ExecuteRetryable(procErr) {
		t.Error("process death during a command should be retryable")
	}
}

func TestDelayBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}

	if got := p.Delay(1); got != 100*time.Millisecond {
		t.Errorf("attempt 1: expected 100ms, got %v", got)
	}
	if got := p.Delay(2); got != 200*time.Millisecond {
		t.Errorf("attempt 2: expected 200ms, got %v", got)
	}
	if got := p.Delay(3); got != 350*time.Millisecond {
		t.Errorf("attempt 3: expected cap at 350ms, got %v", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0.25}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside [75ms, 125ms]", d)
		}
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, logger.Get(), func(ctx context.Context) error {
			attempts++
			return newError(KindProcess, "boom")
		}, StartupRetryable)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !IsProcess(err) {
			t.Errorf("expected last process error after cancellation, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not abort on context cancellation")
	}
}
