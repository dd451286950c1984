package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the scheduled sweep on a fixed interval
type Scheduler struct {
	run      func(ctx context.Context) *RunSummary
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler driving m
func NewScheduler(m *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{run: m.RunScheduled, interval: interval, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
// A run still in progress when the ticker fires delays the next one.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		return
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	s.run(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}
