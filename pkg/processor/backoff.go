package processor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns how long to wait after the given number of failed attempts.
// Delays double from initial up to maxDelay, without jitter.
func retryDelay(clock Clock, initial, maxDelay time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clock),
	)

	delay := initial
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
