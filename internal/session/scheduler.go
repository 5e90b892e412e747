package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Boundary yields the next session boundary after t.
type Boundary interface {
	Next(t time.Time) time.Time
}

// RollScheduler runs a function at every session boundary.
type RollScheduler struct {
	boundary Boundary
	logger   *zap.Logger
	now      func() time.Time
}

func NewRollScheduler(b Boundary, logger *zap.Logger) *RollScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollScheduler{boundary: b, logger: logger, now: time.Now}
}

// Start calls roll with the new session's start time at each boundary until ctx ends.
func (s *RollScheduler) Start(ctx context.Context, roll func(sessionStart time.Time)) {
	go func() {
		for {
			next := s.boundary.Next(s.now())
			wait := time.Until(next)
			s.logger.Debug("next session roll", zap.Time("at", next), zap.Duration("in", wait))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.logger.Info("session rolled", zap.Time("start", next))
			roll(next)
		}
	}()
}
