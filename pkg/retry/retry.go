package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay scales the backoff. Wait = BaseDelay * attempt².
	BaseDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or cfg.MaxAttempts calls have been made.
// It returns the number of calls made and the last error (nil on success).
//
// A zero BaseDelay retries immediately, which is what in-process payloads
// usually want.
func Do(ctx context.Context, cfg Config, fn func() error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == cfg.MaxAttempts {
			return attempt, lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		delay := cfg.BaseDelay * time.Duration(attempt*attempt)
		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, err)
			}
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return cfg.MaxAttempts, lastErr
}
