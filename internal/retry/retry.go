// Package retry wraps I/O-bearing operations with exponential backoff.
// Exhaustion surfaces as a typed error so callers can escalate (the
// supervisor turns it into a safe-hold) instead of treating it like a
// one-off failure.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config shapes the backoff schedule for one call site. MaxRetries counts
// retries after the first attempt, so MaxRetries=2 means three attempts.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// ExhaustedError reports that an operation failed on every attempt.
type ExhaustedError struct {
	Label    string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: exhausted %d attempts: %v", e.Label, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs op until it succeeds or the schedule is exhausted. The delay
// grows by Factor each failure, clamped to MaxDelay. Context cancellation
// aborts immediately with the context's error, not an ExhaustedError.
func Do(ctx context.Context, log zerolog.Logger, label string, cfg Config, op func(context.Context) error) error {
	attempts := cfg.MaxRetries + 1
	delay := cfg.BaseDelay

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			if attempt > 1 {
				log.Info().Str("op", label).Int("attempt", attempt).Msg("recovered after retry")
			}
			return nil
		}
		if attempt == attempts {
			break
		}

		sleep := delay
		if cfg.MaxDelay > 0 && sleep > cfg.MaxDelay {
			sleep = cfg.MaxDelay
		}
		log.Warn().
			Str("op", label).
			Int("attempt", attempt).
			Dur("backoff", sleep).
			Err(last).
			Msg("operation failed, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
	}

	return &ExhaustedError{Label: label, Attempts: attempts, Last: last}
}
