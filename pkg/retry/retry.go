package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Attempt describes one retry decision, passed to the OnRetry callback
// before the backoff wait. The orchestrator uses it to emit error.retry.
type Attempt struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// OnRetry observes each retry decision. May be nil.
type OnRetry func(Attempt)

// Do runs op under the policy. The first attempt runs immediately; each
// subsequent attempt waits the computed backoff delay (or the error's
// retry-after hint when larger). Non-retryable failures and context
// cancellation return immediately. On exhaustion the last error is
// returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry OnRetry) error {
	bo := p.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		kind := Classify(lastErr)
		recoverable := true
		var re *Error
		if errors.As(lastErr, &re) {
			recoverable = re.Recoverable
		}
		if !p.shouldRetry(kind, recoverable) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		// A server-supplied retry-after overrides the computed delay only
		// when it is larger.
		if hint := RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}

		if onRetry != nil {
			onRetry(Attempt{
				Attempt:     attempt,
				MaxAttempts: p.MaxAttempts,
				Delay:       delay,
				Err:         lastErr,
			})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}
