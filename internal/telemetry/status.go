package telemetry

import (
	"sync"
	"time"

	"ouroboros/internal/sandbox"
)

// CycleSummary is the observer view of the most recent evolution cycle.
type CycleSummary struct {
	ID          string    `json:"id"`
	FinalState  string    `json:"final_state"`
	Message     string    `json:"message"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Fallback    bool      `json:"fallback"`
	RolledBack  bool      `json:"rolled_back"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RuntimeSample is one reading taken by the Sampler.
type RuntimeSample struct {
	At         time.Time     `json:"at"`
	Uptime     time.Duration `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	HeapAlloc  uint64        `json:"heap_alloc"`
}

// Snapshot is an immutable copy of Status taken at one instant.
type Snapshot struct {
	CurrentVersion   int             `json:"current_version"`
	State            string          `json:"state"`
	LastModification time.Time       `json:"last_modification,omitempty"`
	LastExecution    *sandbox.Result `json:"last_execution_result,omitempty"`
	LastCycle        *CycleSummary   `json:"last_cycle,omitempty"`
	Healthy          bool            `json:"is_healthy"`
	HealthError      string          `json:"health_error,omitempty"`
	Uptime           time.Duration   `json:"uptime"`
	Runtime          RuntimeSample   `json:"runtime"`
	CyclesRun        int             `json:"cycles_run"`
}

// Status is the explicitly owned, thread-safe status object shared by the
// evolution controller and telemetry producers. Observers only ever see
// Snapshot copies.
type Status struct {
	mu      sync.RWMutex
	started time.Time
	now     func() time.Time

	version          int
	state            string
	lastModification time.Time
	lastExecution    *sandbox.Result
	lastCycle        *CycleSummary
	healthy          bool
	healthErr        string
	runtime          RuntimeSample
	cycles           int
}

// NewStatus creates a status object reporting version 1, idle and healthy.
func NewStatus() *Status {
	return &Status{
		started: time.Now(),
		now:     time.Now,
		version: 1,
		state:   "idle",
		healthy: true,
	}
}

// SetVersion records the live program version.
func (s *Status) SetVersion(v int) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// SetState records the controller state machine position.
func (s *Status) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// MarkModified stamps the time of the last live-program overwrite.
func (s *Status) MarkModified(at time.Time) {
	s.mu.Lock()
	s.lastModification = at
	s.mu.Unlock()
}

// SetExecution stores the most recent execution result. The result is copied.
func (s *Status) SetExecution(r *sandbox.Result) {
	var cp *sandbox.Result
	if r != nil {
		cp = r.Clone()
	}
	s.mu.Lock()
	s.lastExecution = cp
	s.mu.Unlock()
}

// RecordCycle stores the summary of a finished cycle.
func (s *Status) RecordCycle(c CycleSummary) {
	s.mu.Lock()
	s.lastCycle = &c
	s.cycles++
	s.mu.Unlock()
}

// SetHealth records the outcome of the latest live-program health check.
func (s *Status) SetHealth(err error) {
	s.mu.Lock()
	s.healthy = err == nil
	if err != nil {
		s.healthErr = err.Error()
	} else {
		s.healthErr = ""
	}
	s.mu.Unlock()
}

// SetRuntime stores the latest sampler reading.
func (s *Status) SetRuntime(r RuntimeSample) {
	s.mu.Lock()
	s.runtime = r
	s.mu.Unlock()
}

// Uptime returns the time since the status object was created.
func (s *Status) Uptime() time.Duration {
	return s.now().Sub(s.started)
}

// Snapshot returns a consistent copy of the status.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		CurrentVersion:   s.version,
		State:            s.state,
		LastModification: s.lastModification,
		Healthy:          s.healthy,
		HealthError:      s.healthErr,
		Uptime:           s.now().Sub(s.started),
		Runtime:          s.runtime,
		CyclesRun:        s.cycles,
	}
	if s.lastExecution != nil {
		snap.LastExecution = s.lastExecution.Clone()
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		snap.LastCycle = &c
	}
	return snap
}
