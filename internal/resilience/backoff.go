package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackoffConfig describes an exponential backoff schedule for reconnect
// attempts against a streaming provider.
type BackoffConfig struct {
	// Base is the delay before the first retry. Default: 200ms.
	Base time.Duration

	// Factor multiplies the delay after each failed attempt. Default: 2.
	Factor float64

	// Cap bounds the per-attempt delay. Default: 5s.
	Cap time.Duration

	// MaxAttempts is the total number of attempts before giving up. Default: 5.
	MaxAttempts int
}

// withDefaults fills zero-value fields with the standard reconnect schedule:
// 200ms base, doubling per attempt, capped at 5s, five attempts total.
func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = 200 * time.Millisecond
	}
	if c.Factor <= 1 {
		c.Factor = 2
	}
	if c.Cap <= 0 {
		c.Cap = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Delay returns the backoff delay preceding the given attempt (1-based).
// Attempt 1 has no delay; attempt 2 waits Base; each further attempt doubles
// (by Factor) up to Cap.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return 0
	}
	d := c.Base
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Factor)
		if d >= c.Cap {
			return c.Cap
		}
	}
	return min(d, c.Cap)
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping the backoff delay
// between attempts. It returns nil as soon as fn succeeds. If every attempt
// fails or ctx is cancelled, the last error is returned (wrapped with the
// attempt count, or with the context error respectively).
//
// name is used only for log messages.
func Retry(ctx context.Context, name string, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if delay := cfg.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("resilience: %s retry cancelled: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("retry succeeded",
					"name", name,
					"attempt", attempt)
			}
			return nil
		}
		slog.Warn("attempt failed",
			"name", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"error", lastErr)
	}
	return fmt.Errorf("resilience: %s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}
