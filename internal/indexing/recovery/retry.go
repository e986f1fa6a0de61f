package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted wraps the last error after the final attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryHook is called before each sleep with the failed attempt number
// (1-based), the delay about to be waited and the error.
type RetryHook func(attempt int, delay time.Duration, err error)

// Do runs fn until it succeeds, the strategy gives up, or ctx is done.
// Fatal errors are returned unwrapped on the first attempt.
func Do(ctx context.Context, strategy RetryStrategy, hook RetryHook, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !strategy.ShouldRetry(err, attempt+1) {
			if b, ok := strategy.(*ExponentialBackoff); ok && b.Classifier != nil &&
				b.Classifier(err) == CategoryFatal {
				return err
			}
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, lastErr)
		}

		delay := strategy.GetDelay(attempt)
		if hook != nil {
			hook(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
