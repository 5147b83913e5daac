package github

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prwarden/prwarden/internal/domain"
)

// RetryConfig configures backoff retry for hosting-API calls.
type RetryConfig struct {
	MaxRetries  int // 0 means do not retry
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryConfig returns backoff tuning suitable for transient hosting
// errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// retryWithBackoff runs fn with exponential backoff plus jitter, retrying
// only faults domain.Retryable accepts. Exhaustion wraps the last error as
// FaultExhausted. Rate-limit faults are not retried here; the limiter owns
// that wait.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !domain.Retryable(lastErr) {
			return result, lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		backoff := min(cfg.BaseBackoff<<attempt, cfg.MaxBackoff)
		if cfg.MaxJitter > 0 {
			backoff += rand.N(cfg.MaxJitter)
		}

		slog.Warn("github: transient error, retrying",
			"operation", op,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"backoff", backoff,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return result, domain.NewFault(domain.FaultExhausted, op,
		fmt.Errorf("after %d retries: %w", cfg.MaxRetries, lastErr))
}
