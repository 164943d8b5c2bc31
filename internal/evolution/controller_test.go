package evolution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/lang"
	"ouroboros/internal/model"
	"ouroboros/internal/plugins"
	"ouroboros/internal/sandbox"
	"ouroboros/internal/telemetry"
	"ouroboros/internal/validator"
	"ouroboros/internal/versions"
)

const (
	p1 = "true\n"
	p2 = "print('v2')\n"
	p3 = "print('v3')\n"
)

type fakeGenerator struct {
	mu      sync.Mutex
	outputs []model.Generation
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, current string) model.Generation {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.outputs[min(g.calls, len(g.outputs)-1)]
	g.calls++
	return out
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeRunner struct {
	mu      sync.Mutex
	results []*sandbox.Result
	calls   int
	seen    []string
}

func (r *fakeRunner) Run(ctx context.Context, path string) *sandbox.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, _ := os.ReadFile(path)
	r.seen = append(r.seen, string(data))
	res := r.results[min(r.calls, len(r.results)-1)]
	r.calls++
	return res
}

type memRecorder struct {
	mu      sync.Mutex
	results []*CycleResult
}

func (m *memRecorder) Record(ctx context.Context, r *CycleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

var (
	okRun   = &sandbox.Result{Success: true, Stdout: "ok\n"}
	failRun = &sandbox.Result{Success: false, Kind: sandbox.FailureExit, ExitCode: 1, Error: "Traceback: boom"}
)

type fixture struct {
	c        *Controller
	store    *versions.Store
	gen      *fakeGenerator
	runner   *fakeRunner
	recorder *memRecorder
	status   *telemetry.Status
	program  string
}

func newFixture(t *testing.T, gens []model.Generation, runs []*sandbox.Result, autoRollback bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	program := filepath.Join(dir, "ai_core.py")
	require.NoError(t, os.WriteFile(program, []byte(p1), 0644))

	store, err := versions.NewStore(program, filepath.Join(dir, "backups"), 5, nil)
	require.NoError(t, err)
	python, err := lang.Lookup("python")
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		gen:      &fakeGenerator{outputs: gens},
		runner:   &fakeRunner{results: runs},
		recorder: &memRecorder{},
		status:   telemetry.NewStatus(),
		program:  program,
	}
	f.c, err = NewController(Config{
		Store:        store,
		Generator:    f.gen,
		Validator:    validator.NewPythonValidator(),
		Runner:       f.runner,
		Language:     python,
		Status:       f.status,
		Recorder:     f.recorder,
		AutoRollback: autoRollback,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) live(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.program)
	require.NoError(t, err)
	return string(data)
}

func TestRunCycle_AppliesAndExecutes(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	require.Equal(t, 1, f.c.Version())

	res := f.c.RunCycle(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StateSucceeded, res.Final)
	assert.Equal(t, "Modified to version 2", res.Message)
	assert.Equal(t, 1, res.FromVersion)
	assert.Equal(t, 2, res.ToVersion)
	assert.True(t, res.Applied())
	assert.Equal(t, 1, res.LinesAdded)
	assert.Equal(t, 1, res.LinesRemoved)
	want := []State{StateBackingUp, StateGenerating, StateValidating, StateApplied, StateExecuting, StateSucceeded, StateIdle}
	if diff := cmp.Diff(want, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, p2, f.live(t))
	assert.Equal(t, []string{p2}, f.runner.seen)
	snap, err := f.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, p1, snap.Source)

	st := f.status.Snapshot()
	assert.Equal(t, 2, st.CurrentVersion)
	assert.Equal(t, "idle", st.State)
	assert.True(t, st.Healthy)
	require.NotNil(t, st.LastExecution)
	assert.True(t, st.LastExecution.Success)
	assert.False(t, st.LastModification.IsZero())
	require.Len(t, f.recorder.results, 1)
	assert.Equal(t, res.ID, f.recorder.results[0].ID)
}

func TestRunCycle_FailedExecutionRollsBackContentNotVersion(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{failRun}, true)

	res := f.c.RunCycle(context.Background())

	assert.Equal(t, StateFailed, res.Final)
	assert.True(t, errors.Is(res.Err, ErrExecution))
	assert.True(t, res.RolledBack)
	assert.Equal(t, 1, res.RollbackTarget)
	assert.Equal(t, "Modified to version 2; Execution failed; Rolled back to version 1", res.Message)
	assert.Equal(t, StateRollingBack, res.Trace[len(res.Trace)-2])

	assert.Equal(t, p1, f.live(t))
	assert.Equal(t, 2, f.c.Version())
	assert.Equal(t, 2, f.status.Snapshot().CurrentVersion)
}

func TestRunCycle_TimeoutMessage(t *testing.T) {
	timeout := &sandbox.Result{Kind: sandbox.FailureTimeout, Error: "Execution timed out"}
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{timeout}, true)

	res := f.c.RunCycle(context.Background())
	assert.Equal(t, StateFailed, res.Final)
	assert.Contains(t, res.Message, "Execution timed out")
}

func TestRunCycle_NoAutoRollback(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{failRun}, false)

	res := f.c.RunCycle(context.Background())
	assert.Equal(t, StateFailed, res.Final)
	assert.False(t, res.RolledBack)
	assert.NotContains(t, res.Trace, StateRollingBack)
	assert.Equal(t, p2, f.live(t))
}

func TestRunCycle_IdenticalCandidateIsIdempotent(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)

	first := f.c.RunCycle(context.Background())
	require.Equal(t, StateSucceeded, first.Final)

	second := f.c.RunCycle(context.Background())
	assert.Equal(t, StateRejected, second.Final)
	assert.Equal(t, "No changes detected", second.Message)
	assert.True(t, errors.Is(second.Err, ErrValidation))
	assert.Equal(t, 2, second.ToVersion)
	assert.Equal(t, 2, f.c.Version())
	assert.Equal(t, 1, f.runner.calls)
}

func TestRunCycle_SyntaxErrorLeavesProgramUntouched(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: "def broken(:\n    pass\n"}}, []*sandbox.Result{okRun}, true)
	before := f.live(t)

	res := f.c.RunCycle(context.Background())

	assert.Equal(t, StateRejected, res.Final)
	assert.Equal(t, "Generated code failed validation", res.Message)
	assert.True(t, errors.Is(res.Err, ErrValidation))
	var syn *validator.SyntaxError
	assert.True(t, errors.As(res.Err, &syn))
	assert.Equal(t, before, f.live(t))
	assert.Equal(t, 1, f.c.Version())
	assert.Zero(t, f.runner.calls)
}

func TestRunCycle_BackupFailureAborts(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	require.NoError(t, os.Remove(f.program))

	res := f.c.RunCycle(context.Background())

	assert.Equal(t, StateIdle, res.Final)
	assert.Equal(t, "Failed to create backup", res.Message)
	assert.True(t, errors.Is(res.Err, versions.ErrProgramMissing))
	assert.Zero(t, f.gen.Calls())
	assert.Equal(t, 1, f.c.Version())
	assert.False(t, f.status.Snapshot().Healthy)
}

func TestRunCycle_FallbackIsRecorded(t *testing.T) {
	python, _ := lang.Lookup("python")
	fallback := python.Fallback(p1, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	f := newFixture(t, []model.Generation{{Source: fallback, Fallback: true, Reason: "backend down"}}, []*sandbox.Result{okRun}, true)

	res := f.c.RunCycle(context.Background())
	assert.Equal(t, StateSucceeded, res.Final)
	assert.True(t, res.Fallback)
	assert.Equal(t, "backend down", res.FallbackReason)
	assert.Equal(t, fallback, f.live(t))
}

func TestRunCycle_ConcurrentTriggerIsRefused(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	f.gen.entered = make(chan struct{})
	f.gen.release = make(chan struct{})

	done := make(chan *CycleResult)
	go func() { done <- f.c.RunCycle(context.Background()) }()
	<-f.gen.entered

	second := f.c.RunCycle(context.Background())
	assert.True(t, errors.Is(second.Err, ErrCycleInProgress))
	assert.Equal(t, "Cycle already in progress", second.Message)
	assert.Equal(t, StateIdle, second.Final)

	_, err := f.c.Execute(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.ErrorIs(t, f.c.Rollback(context.Background(), 1), ErrCycleInProgress)

	close(f.gen.release)
	first := <-done
	assert.Equal(t, StateSucceeded, first.Final)
	assert.Equal(t, 2, f.c.Version())
}

func TestController_ManualRollback(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}, {Source: p3}}, []*sandbox.Result{okRun}, true)
	require.Equal(t, StateSucceeded, f.c.RunCycle(context.Background()).Final)
	require.Equal(t, StateSucceeded, f.c.RunCycle(context.Background()).Final)
	require.Equal(t, p3, f.live(t))

	require.NoError(t, f.c.Rollback(context.Background(), 1))
	assert.Equal(t, p1, f.live(t))
	assert.Equal(t, 3, f.c.Version())

	err := f.c.Rollback(context.Background(), 42)
	assert.ErrorIs(t, err, versions.ErrVersionNotFound)
	assert.Equal(t, p1, f.live(t))
}

func TestController_ScaffoldsMissingProgram(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "agent.py")
	store, err := versions.NewStore(program, filepath.Join(dir, "b"), 3, nil)
	require.NoError(t, err)
	python, _ := lang.Lookup("python")

	c, err := NewController(Config{
		Store:     store,
		Generator: &fakeGenerator{outputs: []model.Generation{{Source: p2}}},
		Validator: validator.NewPythonValidator(),
		Runner:    &fakeRunner{results: []*sandbox.Result{okRun}},
		Language:  python,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(program)
	require.NoError(t, err)
	assert.Equal(t, python.Initial, string(data))
	assert.NoError(t, c.Health())
	assert.Equal(t, 1, c.Version())
}

func TestController_VersionRecoveredFromSnapshots(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	require.Equal(t, StateSucceeded, f.c.RunCycle(context.Background()).Final)

	again, err := NewController(Config{
		Store:     f.store,
		Generator: f.gen,
		Validator: validator.NewPythonValidator(),
		Runner:    f.runner,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version())
}

func TestController_HealthDetectsCorruption(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	require.NoError(t, f.c.Health())

	require.NoError(t, os.WriteFile(f.program, []byte("def half(:\n"), 0644))
	assert.Error(t, f.c.Health())
	st := f.status.Snapshot()
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.HealthError)
}

func TestController_ExecuteAndProgram(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun, failRun}, true)

	res, err := f.c.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = f.c.Execute(context.Background())
	assert.ErrorIs(t, err, ErrExecution)
	assert.False(t, f.status.Snapshot().LastExecution.Success)

	p, err := f.c.Program()
	require.NoError(t, err)
	assert.Equal(t, f.program, p.Path)
	assert.Equal(t, "python", p.Language)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, len(p1), p.Size)
	assert.Len(t, p.Hash, 64)

	// No modification in this process: the file's mtime is reported.
	info, err := os.Stat(f.program)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(p.ModifiedAt), "modified at %s", p.ModifiedAt)
}

// cancelingGenerator ends the cycle context mid-generation and then returns
// the fallback, as the model invoker does when its backend is killed.
type cancelingGenerator struct {
	cancel context.CancelFunc
}

func (g *cancelingGenerator) Generate(ctx context.Context, current string) model.Generation {
	g.cancel()
	<-ctx.Done()
	python, _ := lang.Lookup("python")
	return model.Generation{Source: python.Fallback(current, time.Now()), Fallback: true, Reason: "process canceled"}
}

func TestRunCycle_CanceledDuringGeneration(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.c.gen = &cancelingGenerator{cancel: cancel}

	res := f.c.RunCycle(ctx)

	assert.Equal(t, []State{StateBackingUp, StateGenerating, StateRejected, StateIdle}, res.Trace)
	assert.Equal(t, StateRejected, res.Final)
	assert.Equal(t, "Cycle canceled", res.Message)
	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.Applied())
	assert.Equal(t, p1, f.live(t))
	assert.Equal(t, 1, f.c.Version())
	assert.Equal(t, 1, res.ToVersion)
	assert.Zero(t, f.runner.calls)

	require.Len(t, f.recorder.results, 1)
	assert.Equal(t, StateRejected, f.recorder.results[0].Final)
}

func TestRunCycle_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.c.RunCycle(ctx)
	assert.Equal(t, StateRejected, res.Final)
	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.Equal(t, p1, f.live(t))
	assert.Zero(t, f.runner.calls)
}

type promptGenerator struct {
	*fakeGenerator
}

func (g promptGenerator) Prompt(current string) string {
	return "improve: " + current
}

func TestRunCycle_ScreenInterceptsRequest(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	r := plugins.NewRegistry(time.Second, nil)
	var seen string
	require.NoError(t, r.Register("deny_improve", func(in string) (string, bool) {
		seen = in
		return "improvement requests are paused", strings.HasPrefix(in, "improve:")
	}))
	f.c.screen = r
	f.c.gen = promptGenerator{f.gen}

	res := f.c.RunCycle(context.Background())

	assert.Equal(t, []State{StateBackingUp, StateGenerating, StateRejected, StateIdle}, res.Trace)
	assert.Equal(t, "deny_improve", res.InterceptedBy)
	assert.Equal(t, "Request intercepted by deny_improve: improvement requests are paused", res.Message)
	assert.ErrorIs(t, res.Err, ErrIntercepted)
	assert.Equal(t, "improve: "+p1, seen)
	assert.Zero(t, f.gen.Calls())
	assert.Equal(t, p1, f.live(t))
	assert.Equal(t, 1, f.c.Version())
}

func TestRunCycle_ScreenWithoutFindingProceeds(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	f.c.screen = plugins.NewRegistry(time.Second, nil)

	res := f.c.RunCycle(context.Background())
	assert.Equal(t, StateSucceeded, res.Final)
	assert.Empty(t, res.InterceptedBy)
	assert.Equal(t, 1, f.gen.Calls())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "rolling_back", StateRollingBack.String())
	assert.Equal(t, "unknown", State(99).String())
	b, err := StateApplied.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "applied", string(b))
}
