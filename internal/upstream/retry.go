package upstream

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxRetries bounds rate-limit retries per upstream call.
const DefaultMaxRetries = 3

// Backoff is the delay before retry number attempt (1-based): linear,
// attempt * 1s. Shared by the completion client and the research kickoff.
func Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}

// RetryOnRateLimit runs fn up to maxRetries times, sleeping backoff(attempt)
// between attempts. Only ErrRateLimited is retried; any other error, or a
// cancellation during the backoff sleep, returns immediately.
func RetryOnRateLimit(ctx context.Context, maxRetries int, backoff func(int) time.Duration, fn func() error) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff == nil {
		backoff = Backoff
	}

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ErrAborted
		}
	}
	return err
}
