package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig controls the backoff schedule for transient failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay is the ceiling for backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each retry.
	Multiplier float64
}

// DefaultRetryConfig returns the standard schedule: 2s, 4s, 8s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// retrier wraps a Completer with bounded exponential backoff. Only
// transient errors are retried; permanent failures surface immediately.
type retrier struct {
	inner  Completer
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry decorates a Completer with the given retry schedule.
func WithRetry(inner Completer, cfg RetryConfig, logger *slog.Logger) Completer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &retrier{inner: inner, cfg: cfg, logger: logger}
}

// Complete calls the wrapped adapter, retrying transient failures until
// the attempt budget is exhausted.
func (r *retrier) Complete(ctx context.Context, req *Request) (*Completion, error) {
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		comp, err := r.inner.Complete(ctx, req)
		if err == nil {
			if attempt > 1 && r.logger != nil {
				r.logger.Info("provider call succeeded after retry",
					"attempts", attempt,
					"last_error", lastErr,
				)
			}
			return comp, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == r.cfg.MaxAttempts {
			break
		}

		if r.logger != nil {
			r.logger.Warn("transient provider failure, backing off",
				"attempt", attempt,
				"max_attempts", r.cfg.MaxAttempts,
				"delay", delay,
				"error", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	return nil, &Error{
		Message:   fmt.Sprintf("unavailable after %d attempts", r.cfg.MaxAttempts),
		Transient: true,
		Err:       lastErr,
	}
}
