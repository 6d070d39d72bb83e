package pwsh

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/gopwsh/gopwsh/config"
)

// RetryPolicy retries transient failures with exponential backoff and
// jitter. What counts as transient is the caller's decision, passed as a
// predicate: startup retries cover more ground than command retries.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// PolicyFromSettings builds a policy from the configured retry knobs.
func PolicyFromSettings(rs config.RetrySettings) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    rs.MaxAttempts,
		BaseDelay:      rs.BaseDelay.Std(),
		MaxDelay:       rs.MaxDelay.Std(),
		JitterFraction: rs.JitterFraction,
	}
}

// Delay returns the backoff before the given retry. Attempt 1 is the first
// retry: BaseDelay, then doubling, capped at MaxDelay, with symmetric
// jitter applied last.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && backoff > max {
		backoff = max
	}
	if p.JitterFraction > 0 {
		backoff += backoff * p.JitterFraction * (2*rand.Float64() - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// Do runs op up to MaxAttempts times, sleeping between attempts, as long as
// retryable approves the failure. The error returned is always the last
// attempt's original error, not a retry-exhausted wrapper, so callers keep
// branching on error kinds.
func (p RetryPolicy) Do(ctx context.Context, log *slog.Logger, op func(context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !retryable(lastErr) {
			return lastErr
		}

		delay := p.Delay(attempt)
		log.Warn("attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// StartupRetryable approves retrying a failed session start. Startup
// problems are usually environmental and transient, so process deaths,
// pipe failures, and handshake timeouts all qualify. Configuration errors
// never do.
func StartupRetryable(err error) bool {
	return IsProcess(err) || IsCommunication(err) || IsTimeout(err)
}

// ExecuteRetryable approves retrying a failed command. Only infrastructure
// failures qualify: a command the child rejected would be rejected again,
// and a timed-out command may still be running, so re-running it risks
// duplicated side effects.
func ExecuteRetryable(err error) bool {
	return IsProcess(err) || IsCommunication(err)
}
