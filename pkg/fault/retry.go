package fault

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig defines retry behavior for transient faults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultRetryConfig retries three times starting at one second, doubling.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	Multiplier:  2,
	MaxDelay:    time.Minute,
}

// Backoff returns the delay before the given zero-based retry attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(multiplier, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. Only transient errors are retried.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(cfg.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
