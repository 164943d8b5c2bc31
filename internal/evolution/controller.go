// Package evolution drives the self-modification cycle: back up the live
// program, ask the model for a candidate, validate it, apply it, execute it,
// and roll back when execution fails. One cycle runs at a time.
package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ouroboros/internal/diff"
	"ouroboros/internal/lang"
	"ouroboros/internal/model"
	"ouroboros/internal/plugins"
	"ouroboros/internal/sandbox"
	"ouroboros/internal/telemetry"
	"ouroboros/internal/validator"
	"ouroboros/internal/versions"
)

var (
	// ErrValidation marks a rejected candidate, including one identical to the live program.
	ErrValidation = errors.New("candidate rejected")
	// ErrExecution marks a candidate that was applied but failed to run.
	ErrExecution = errors.New("execution failed")
	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrCanceled marks a cycle abandoned because its context ended before apply.
	ErrCanceled = errors.New("cycle canceled")
	// ErrIntercepted marks a cycle whose request was stopped by a capability.
	ErrIntercepted = errors.New("request intercepted")
)

// Cycle messages.
const (
	msgNoChanges       = "No changes detected"
	msgInvalid         = "Generated code failed validation"
	msgTimedOut        = "Execution timed out"
	msgExecFailed      = "Execution failed"
	msgBackupFailed    = "Failed to create backup"
	msgApplyFailed     = "Failed to apply candidate"
	msgCycleInProgress = "Cycle already in progress"
	msgCanceled        = "Cycle canceled"
)

// Generator proposes a new version of the program. It never fails; see model.Invoker.
type Generator interface {
	Generate(ctx context.Context, current string) model.Generation
}

// Prompter is implemented by generators that can show the request they send.
type Prompter interface {
	Prompt(current string) string
}

// Screen inspects a generation request before it reaches the model.
type Screen interface {
	Intercept(ctx context.Context, prompt string) (plugins.Detection, string)
}

// Runner executes the live program.
type Runner interface {
	Run(ctx context.Context, programPath string) *sandbox.Result
}

// Recorder persists finished cycles.
type Recorder interface {
	Record(ctx context.Context, r *CycleResult) error
}

// Program describes the live managed program.
type Program struct {
	Path       string    `json:"path"`
	Language   string    `json:"language"`
	Version    int       `json:"version"`
	Hash       string    `json:"hash"`
	Size       int       `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// CycleResult describes one RunCycle call.
type CycleResult struct {
	ID             string          `json:"id"`
	FromVersion    int             `json:"from_version"`
	ToVersion      int             `json:"to_version"`
	Trace          []State         `json:"trace"`
	Final          State           `json:"final_state"`
	Message        string          `json:"message"`
	Fallback       bool            `json:"fallback"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	InterceptedBy  string          `json:"intercepted_by,omitempty"`
	LinesAdded     int             `json:"lines_added,omitempty"`
	LinesRemoved   int             `json:"lines_removed,omitempty"`
	Execution      *sandbox.Result `json:"execution,omitempty"`
	RollbackTarget int             `json:"rollback_target,omitempty"`
	RolledBack     bool            `json:"rolled_back"`
	Error          string          `json:"error,omitempty"`
	Err            error           `json:"-"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
}

// Applied reports whether the candidate replaced the live program.
func (r *CycleResult) Applied() bool {
	for _, s := range r.Trace {
		if s == StateApplied {
			return true
		}
	}
	return false
}

// Config wires a Controller.
type Config struct {
	Store        *versions.Store
	Generator    Generator
	Validator    validator.Validator
	Runner       Runner
	Language     lang.Language
	Status       *telemetry.Status
	Recorder     Recorder // optional
	Screen       Screen   // optional
	AutoRollback bool
	Logger       *zap.Logger
}

// Controller owns the managed program and runs cycles against it.
type Controller struct {
	cycleMu sync.Mutex

	mu      sync.RWMutex
	version int

	store        *versions.Store
	gen          Generator
	validator    validator.Validator
	runner       Runner
	lang         lang.Language
	status       *telemetry.Status
	recorder     Recorder
	screen       Screen
	autoRollback bool
	logger       *zap.Logger
}

// NewController wires the collaborators and scaffolds the program when it
// does not exist yet. The current version is recovered from the snapshots.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Generator == nil || cfg.Validator == nil || cfg.Runner == nil {
		return nil, errors.New("evolution: store, generator, validator and runner are required")
	}
	if cfg.Status == nil {
		cfg.Status = telemetry.NewStatus()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Controller{
		store:        cfg.Store,
		gen:          cfg.Generator,
		validator:    cfg.Validator,
		runner:       cfg.Runner,
		lang:         cfg.Language,
		status:       cfg.Status,
		recorder:     cfg.Recorder,
		screen:       cfg.Screen,
		autoRollback: cfg.AutoRollback,
		logger:       cfg.Logger,
	}

	if !c.store.Exists() {
		if c.lang.Initial == "" {
			return nil, fmt.Errorf("%w: %s", versions.ErrProgramMissing, c.store.ProgramPath())
		}
		if err := c.store.Write(c.lang.Initial); err != nil {
			return nil, fmt.Errorf("scaffold program: %w", err)
		}
		c.logger.Info("Created initial program", zap.String("path", c.store.ProgramPath()), zap.String("language", c.lang.Name))
	}

	c.version = c.store.CurrentVersion()
	c.status.SetVersion(c.version)
	c.status.SetState(StateIdle.String())
	_ = c.Health()
	return c, nil
}

// Version returns the current version counter.
func (c *Controller) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Status returns the shared status object.
func (c *Controller) Status() *telemetry.Status {
	return c.status
}

// Store returns the version store.
func (c *Controller) Store() *versions.Store {
	return c.store
}

// Program describes the live program.
func (c *Controller) Program() (Program, error) {
	src, err := c.store.Read()
	if err != nil {
		return Program{}, err
	}
	p := Program{
		Path:     c.store.ProgramPath(),
		Language: c.lang.Name,
		Version:  c.Version(),
		Hash:     hash(src),
		Size:     len(src),
	}
	p.ModifiedAt = c.status.Snapshot().LastModification
	if p.ModifiedAt.IsZero() {
		if mod, err := c.store.ModTime(); err == nil {
			p.ModifiedAt = mod
		}
	}
	return p, nil
}

// Health validates the live program so truncated or corrupt content is
// detectable, and records the outcome in the status.
func (c *Controller) Health() error {
	src, err := c.store.Read()
	if err == nil {
		err = c.validator.Validate(src)
	}
	c.status.SetHealth(err)
	return err
}

// RunCycle performs one full self-modification cycle. Failures are reported
// inside the result, never as panics.
func (c *Controller) RunCycle(ctx context.Context) *CycleResult {
	if !c.cycleMu.TryLock() {
		c.logger.Warn("Cycle requested while another is running")
		return &CycleResult{
			ID:        uuid.NewString(),
			Final:     StateIdle,
			Message:   msgCycleInProgress,
			Error:     ErrCycleInProgress.Error(),
			Err:       ErrCycleInProgress,
			StartedAt: time.Now(),
		}
	}
	defer c.cycleMu.Unlock()

	res := &CycleResult{ID: uuid.NewString(), StartedAt: time.Now()}
	res.FromVersion = c.Version()
	res.ToVersion = res.FromVersion
	log := c.logger.With(zap.String("cycle", res.ID), zap.Int("version", res.FromVersion))
	log.Info("Cycle started")

	defer func() {
		c.enter(res, StateIdle)
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		c.finish(ctx, res)
		log.Info("Cycle finished",
			zap.String("final_state", res.Final.String()),
			zap.String("message", res.Message),
			zap.Int("to_version", res.ToVersion),
			zap.Duration("duration", res.Duration))
	}()

	// Backup.
	c.enter(res, StateBackingUp)
	current, err := c.store.Read()
	if err == nil {
		_, err = c.store.Backup(res.FromVersion)
	}
	if err != nil {
		log.Error("Backup failed", zap.Error(err))
		res.Final = StateIdle
		res.Message = msgBackupFailed
		res.Err = err
		return res
	}

	// Generate.
	c.enter(res, StateGenerating)
	if c.screen != nil {
		prompt := current
		if p, ok := c.gen.(Prompter); ok {
			prompt = p.Prompt(current)
		}
		if det, capability := c.screen.Intercept(ctx, prompt); det.Detected {
			res.InterceptedBy = capability
			c.reject(res, fmt.Sprintf("Request intercepted by %s: %s", capability, det.Message), ErrIntercepted)
			log.Warn("Generation request intercepted", zap.String("capability", capability))
			return res
		}
	}
	gen := c.gen.Generate(ctx, current)
	res.Fallback = gen.Fallback
	res.FallbackReason = gen.Reason
	if c.canceled(ctx, res, log) {
		return res
	}
	if gen.Fallback {
		log.Warn("Using fallback modification", zap.String("reason", gen.Reason))
	}

	// Validate.
	c.enter(res, StateValidating)
	if hash(gen.Source) == hash(current) {
		c.reject(res, msgNoChanges, fmt.Errorf("%w: no changes", ErrValidation))
		log.Info("Candidate identical to live program")
		return res
	}
	if err := c.validator.Validate(gen.Source); err != nil {
		c.reject(res, msgInvalid, fmt.Errorf("%w: %w", ErrValidation, err))
		log.Warn("Candidate failed validation", zap.Error(err))
		return res
	}

	// Apply.
	if c.canceled(ctx, res, log) {
		return res
	}
	if err := c.store.Write(gen.Source); err != nil {
		c.reject(res, msgApplyFailed, err)
		log.Error("Failed to write candidate", zap.Error(err))
		return res
	}
	c.enter(res, StateApplied)
	c.mu.Lock()
	c.version++
	res.ToVersion = c.version
	c.mu.Unlock()
	c.status.SetVersion(res.ToVersion)
	c.status.MarkModified(time.Now())
	res.Message = fmt.Sprintf("Modified to version %d", res.ToVersion)
	change := diff.Compute("", "", current, gen.Source)
	res.LinesAdded, res.LinesRemoved = change.Added, change.Removed
	log.Info("Candidate applied",
		zap.Int("to_version", res.ToVersion),
		zap.Bool("fallback", res.Fallback),
		zap.Int("lines_added", change.Added),
		zap.Int("lines_removed", change.Removed))

	// Execute.
	c.enter(res, StateExecuting)
	run := c.runner.Run(ctx, c.store.ProgramPath())
	res.Execution = run
	c.status.SetExecution(run)
	if run.Success {
		c.enter(res, StateSucceeded)
		res.Final = StateSucceeded
		return res
	}

	c.enter(res, StateFailed)
	res.Final = StateFailed
	failMsg := msgExecFailed
	if run.TimedOut() {
		failMsg = msgTimedOut
	}
	res.Err = fmt.Errorf("%w: %s", ErrExecution, run.Error)
	messages := []string{res.Message, failMsg}

	// Roll back, once.
	if c.autoRollback && res.ToVersion > 1 {
		c.enter(res, StateRollingBack)
		res.RollbackTarget = res.ToVersion - 1
		if err := c.store.Rollback(res.RollbackTarget); err != nil {
			log.Error("Rollback failed", zap.Int("target", res.RollbackTarget), zap.Error(err))
			messages = append(messages, fmt.Sprintf("Rollback to version %d failed", res.RollbackTarget))
			res.Err = errors.Join(res.Err, err)
		} else {
			res.RolledBack = true
			c.status.MarkModified(time.Now())
			messages = append(messages, fmt.Sprintf("Rolled back to version %d", res.RollbackTarget))
			log.Info("Rolled back after failed execution", zap.Int("target", res.RollbackTarget))
		}
	}
	res.Message = strings.Join(messages, "; ")
	return res
}

// Rollback restores a stored version over the live program. The version
// counter keeps counting attempts and does not move backwards.
func (c *Controller) Rollback(ctx context.Context, version int) error {
	if !c.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()

	c.status.SetState(StateRollingBack.String())
	defer c.status.SetState(StateIdle.String())

	if err := c.store.Rollback(version); err != nil {
		c.logger.Error("Manual rollback failed", zap.Int("target", version), zap.Error(err))
		return err
	}
	c.status.MarkModified(time.Now())
	c.logger.Info("Manual rollback", zap.Int("target", version))
	_ = c.Health()
	return nil
}

// Execute runs the live program outside of a cycle.
func (c *Controller) Execute(ctx context.Context) (*sandbox.Result, error) {
	if !c.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()

	c.status.SetState(StateExecuting.String())
	defer c.status.SetState(StateIdle.String())

	res := c.runner.Run(ctx, c.store.ProgramPath())
	c.status.SetExecution(res)
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrExecution, res.Error)
	}
	return res, nil
}

func (c *Controller) enter(res *CycleResult, s State) {
	res.Trace = append(res.Trace, s)
	c.status.SetState(s.String())
}

func (c *Controller) reject(res *CycleResult, msg string, err error) {
	c.enter(res, StateRejected)
	res.Final = StateRejected
	res.Message = msg
	res.Err = err
}

// canceled rejects the cycle when ctx has ended. Nothing has been written yet.
func (c *Controller) canceled(ctx context.Context, res *CycleResult, log *zap.Logger) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	c.reject(res, msgCanceled, fmt.Errorf("%w: %w", ErrCanceled, err))
	log.Warn("Cycle canceled before apply", zap.Error(err))
	return true
}

func (c *Controller) finish(ctx context.Context, res *CycleResult) {
	c.status.RecordCycle(telemetry.CycleSummary{
		ID:          res.ID,
		FinalState:  res.Final.String(),
		Message:     res.Message,
		FromVersion: res.FromVersion,
		ToVersion:   res.ToVersion,
		Fallback:    res.Fallback,
		RolledBack:  res.RolledBack,
		FinishedAt:  res.StartedAt.Add(res.Duration),
	})
	_ = c.Health()
	if c.recorder == nil {
		return
	}
	// Recording must survive a canceled cycle context.
	if err := c.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
		c.logger.Warn("Failed to record cycle", zap.String("cycle", res.ID), zap.Error(err))
	}
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
