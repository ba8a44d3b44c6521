// Package retry provides bounded exponential backoff for collaborator calls.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

type Config struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
	Jitter    time.Duration

	// Sleep overrides the delay between attempts. Tests inject this to avoid
	// real waits; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn up to config.Attempts times, backing off between failures.
// The final error is wrapped; a cancelled context aborts the wait immediately.
func Do(ctx context.Context, config Config, fn func() error) error {
	attempts := config.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	baseDelay := config.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	factor := config.Factor
	if factor < 1 {
		factor = 2
	}
	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	jitter := config.Jitter
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if attempt == attempts-1 {
				break
			}
			wait := delay
			if jitter > 0 {
				wait += time.Duration(rand.Int63n(int64(jitter)))
			}
			if wait > maxDelay {
				wait = maxDelay
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * factor)
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("retry failed after %d attempts: %w", attempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
