package telemetry

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Sampler periodically records uptime and Go runtime figures into a Status and
// a bounded history ring. It runs independently of the evolution cycle.
type Sampler struct {
	status   *Status
	history  *Ring[RuntimeSample]
	interval time.Duration
	logger   *zap.Logger
}

// NewSampler creates a sampler. historySize bounds the retained samples.
func NewSampler(status *Status, interval time.Duration, historySize int, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		status:   status,
		history:  NewRing[RuntimeSample](historySize),
		interval: interval,
		logger:   logger,
	}
}

// History returns the retained samples ring.
func (s *Sampler) History() *Ring[RuntimeSample] {
	return s.history
}

// Sample takes one reading immediately.
func (s *Sampler) Sample() RuntimeSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := RuntimeSample{
		At:         time.Now(),
		Uptime:     s.status.Uptime(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
	}
	s.status.SetRuntime(sample)
	s.history.Push(sample)
	return sample
}

// Run samples until ctx is cancelled. It always returns nil so it can sit in an
// errgroup next to the scheduler without tearing it down.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sampler started", zap.Duration("interval", s.interval))
	s.Sample()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sampler stopped")
			return nil
		case <-ticker.C:
			s.Sample()
		}
	}
}
