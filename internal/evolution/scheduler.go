package evolution

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs cycles on an interval and on demand.
type Scheduler struct {
	controller *Controller
	interval   time.Duration
	trigger    chan struct{}
	onResult   func(*CycleResult)
	logger     *zap.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables periodic
// cycles; Trigger still works.
func NewScheduler(c *Controller, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		controller: c,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
		logger:     logger,
	}
}

// OnResult registers a callback invoked after every scheduled cycle.
func (s *Scheduler) OnResult(fn func(*CycleResult)) {
	s.onResult = fn
}

// Trigger requests a cycle without blocking. It returns false when a request
// is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-tick:
			s.runOnce(ctx, "interval")
		case <-s.trigger:
			s.runOnce(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	s.logger.Debug("Scheduled cycle", zap.String("reason", reason))
	res := s.controller.RunCycle(ctx)
	if s.onResult != nil {
		s.onResult(res)
	}
}
