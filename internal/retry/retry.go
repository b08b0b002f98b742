package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/genba/internal/config"
)

// Config bounds one retried operation.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

func FromConfig(cfg config.RetryConfig) (Config, error) {
	delay, err := config.DurationOrDefault(cfg.InitialDelay, config.DefaultRetryInitialDelay)
	if err != nil {
		return Config{}, fmt.Errorf("parse retry initial delay: %w", err)
	}

	c := Config{
		MaxAttempts:       cfg.MaxAttempts,
		InitialDelay:      delay,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
	c.normalize()
	return c, nil
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = config.DefaultRetryMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = config.DefaultRetryBackoffMultiplier
	}
}

// Delay returns the sleep before retrying after attempt n (1-based):
// initial * multiplier^(n-1). Shared by both forms so their backoff
// math cannot drift apart.
func (c Config) Delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
	}
	return d
}

// Do runs op up to MaxAttempts times, waiting between attempts but
// honouring ctx cancellation during the wait. The last failure is
// returned unchanged so callers can dispatch on its category.
func Do(ctx context.Context, name string, cfg Config, op func(ctx context.Context) error) error {
	cfg.normalize()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		slog.Warn("Retrying operation",
			"op", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// DoBlocking is the plain-sleep form for callers without a context,
// such as synchronous I/O helpers. Same backoff math as Do.
func DoBlocking(name string, cfg Config, op func() error) error {
	cfg.normalize()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		slog.Warn("Retrying operation",
			"op", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", lastErr)
		time.Sleep(delay)
	}

	return lastErr
}
