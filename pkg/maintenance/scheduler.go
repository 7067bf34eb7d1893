// Package maintenance implements the MaintenanceScheduler from spec
// section 4.8: it computes the next 02:00 local boundary, sleeps until
// then, fires its registered hooks, and reschedules. Minute-granularity
// drift is acceptable.
package maintenance

import (
	"context"
	"time"

	"github.com/wardendns/wardendns/pkg/logging"
)

// Hook is run once per maintenance boundary. Hooks run sequentially in
// registration order; a hook's error is logged but never stops the rest.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// NextBoundary computes the next maintenance boundary after now.
type NextBoundary func(now time.Time) time.Time

// Scheduler fires its hooks at every 02:00 local boundary.
type Scheduler struct {
	hooks        []Hook
	logger       *logging.Logger
	nextBoundary NextBoundary
}

// New builds a Scheduler with the default 02:00 local boundary function.
func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger,
		nextBoundary: defaultNextBoundary,
	}
}

func defaultNextBoundary(now time.Time) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
	if !boundary.After(now) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}

// Register adds a hook to be fired at every maintenance boundary.
func (s *Scheduler) Register(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Run blocks, firing the registered hooks at every 02:00 local boundary,
// until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := time.Now()
		boundary := s.nextBoundary(now)
		wait := boundary.Sub(now)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.logger.Info("maintenance boundary reached", "hooks", len(s.hooks))
	for _, h := range s.hooks {
		if err := h.Run(ctx); err != nil {
			s.logger.Error("maintenance hook failed", "hook", h.Name, "error", err)
		}
	}
}
