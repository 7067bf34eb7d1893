package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardendns/wardendns/pkg/logging"
)

func TestSchedulerFiresHooksAtBoundary(t *testing.T) {
	s := New(logging.NewDefault())
	s.nextBoundary = func(now time.Time) time.Time { return now.Add(20 * time.Millisecond) }

	var fired atomic.Bool
	s.Register(Hook{Name: "noop", Run: func(ctx context.Context) error {
		fired.Store(true)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	if !fired.Load() {
		t.Error("expected hook to fire by the scheduled boundary")
	}
}

func TestSchedulerContinuesAfterHookError(t *testing.T) {
	s := New(logging.NewDefault())
	s.nextBoundary = func(now time.Time) time.Time { return now.Add(10 * time.Millisecond) }

	var secondRan atomic.Bool
	s.Register(Hook{Name: "fails", Run: func(ctx context.Context) error {
		return errors.New("boom")
	}})
	s.Register(Hook{Name: "second", Run: func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	if !secondRan.Load() {
		t.Error("expected a failing hook not to block subsequent hooks")
	}
}

func TestDefaultNextBoundaryRollsToNextDay(t *testing.T) {
	now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	boundary := defaultNextBoundary(now)
	if boundary.Day() != 2 || boundary.Hour() != 2 {
		t.Errorf("expected boundary to roll to next day at 02:00, got %v", boundary)
	}
}

func TestDefaultNextBoundarySameDay(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	boundary := defaultNextBoundary(now)
	if boundary.Day() != 1 || boundary.Hour() != 2 {
		t.Errorf("expected boundary later today at 02:00, got %v", boundary)
	}
}
