package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
)

type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	// JitterFraction of zero disables jitter; a negative value selects
	// the default.
	JitterFraction float64

	// Retryable classifies failures; a nil func retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts; nil uses a timer. Tests replace it to
	// observe delays without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Retry runs fn until it succeeds, the budget is spent, or fn returns an
// error the config does not consider retryable.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, name, cfg, fn)
	return err
}

// Do is Retry that also reports how many attempts were made.
func Do(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) (int, error) {
	defaults := defaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = defaults.JitterFraction
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return attempt, nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			logger.Error("operation failed with non-retryable error", "attempt", attempt, "error", lastErr)
			return attempt, fmt.Errorf("%w: %s: %w", apperrors.ErrPermanent, name, lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := ComputeDelay(attempt, cfg)
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", lastErr, "next_delay", delay)
		if err := cfg.Sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("retry aborted during backoff: %w", err)
		}
	}
	logger.Error("retry budget exhausted", "attempts", cfg.MaxAttempts, "error", lastErr)
	return cfg.MaxAttempts, fmt.Errorf("%w: all %d attempts failed for %s: %w",
		apperrors.ErrRetryExhausted, cfg.MaxAttempts, name, lastErr)
}

// ComputeDelay returns the wait after the given failed attempt: the base
// delay grown by Multiplier per attempt, capped at MaxDelay, plus up to
// JitterFraction of that value.
func ComputeDelay(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxDelay) {
		backoff = float64(cfg.MaxDelay)
	}
	backoff += backoff * cfg.JitterFraction * rand.Float64()
	return time.Duration(backoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
