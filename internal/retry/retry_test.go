package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/log"
)

func quick(attempts int) Policy {
	return Policy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Logger: log.NullLogger()}
}

func TestDoRetriesUnavailable(t *testing.T) {
	calls := 0
	err := quick(3).Do(context.Background(), "sync", func(context.Context) error {
		calls++
		if calls < 3 {
			return &domain.HostError{Host: "share", Op: "index", Err: domain.ErrHostUnavailable}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := quick(2).Do(context.Background(), "sync", func(context.Context) error {
		calls++
		return domain.ErrHostUnavailable
	})
	if !errors.Is(err, domain.ErrHostUnavailable) || calls != 2 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := quick(5).Do(context.Background(), "sync", func(context.Context) error {
		calls++
		return domain.ErrAuthFailed
	})
	if !errors.Is(err, domain.ErrAuthFailed) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 3, InitialDelay: time.Hour, Logger: log.NullLogger()}
	err := p.Do(ctx, "sync", func(context.Context) error {
		cancel()
		return domain.ErrHostUnavailable
	})
	if !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrHostUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		n        int
		min, max time.Duration
	}{
		{1, 75 * time.Millisecond, 100 * time.Millisecond},
		{2, 150 * time.Millisecond, 200 * time.Millisecond},
		{3, 300 * time.Millisecond, 400 * time.Millisecond},
		{10, 750 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if d := p.Delay(tt.n); d < tt.min || d > tt.max {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", tt.n, d, tt.min, tt.max)
		}
	}
	if d := (Policy{}).Delay(3); d != 0 {
		t.Errorf("zero policy delay = %v", d)
	}
}
