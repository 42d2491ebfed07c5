// Package retry repeats operations that failed because a host was
// unreachable, with exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/facebookgo/clock"
	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/domain"
)

// Policy describes how often and how patiently to retry
type Policy struct {
	Attempts     int // total tries, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// FromConfig builds a policy from the sync.retry settings
func FromConfig(cfg config.RetryConfig, logger *slog.Logger) Policy {
	return Policy{
		Attempts:     cfg.Attempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Logger:       logger,
	}
}

// Retryable reports whether err is worth another attempt. Only unreachable
// hosts are; auth failures, conflicts and bad data will not fix themselves.
func Retryable(err error) bool {
	return errors.Is(err, domain.ErrHostUnavailable)
}

// Delay returns the wait before retry n (1-based): InitialDelay doubled per
// retry, capped at MaxDelay, with up to a quarter of jitter subtracted.
func (p Policy) Delay(n int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if jitter := int64(d / 4); jitter > 0 {
		d -= time.Duration(rand.Int64N(jitter))
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. The last error is returned.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			logger.Info("retrying", "op", name, "attempt", attempt, "of", attempts, "delay", delay)
			select {
			case <-clk.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = fn(ctx)
		if err == nil || !Retryable(err) || ctx.Err() != nil {
			return err
		}
		logger.Warn("host unavailable", "op", name, "attempt", attempt, "error", err)
	}
	return err
}
