package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/evolution"
	"ouroboros/internal/sandbox"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndGet(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 17, 8, 0, 0, 123000000, time.UTC)

	res := &evolution.CycleResult{
		ID:             "c-1",
		FromVersion:    1,
		ToVersion:      2,
		Trace:          []evolution.State{evolution.StateBackingUp, evolution.StateApplied, evolution.StateFailed, evolution.StateRollingBack, evolution.StateIdle},
		Final:          evolution.StateFailed,
		Message:        "Modified to version 2; Execution failed; Rolled back to version 1",
		Fallback:       true,
		FallbackReason: "backend down",
		LinesAdded:     4,
		LinesRemoved:   1,
		Execution:      &sandbox.Result{Success: false, Kind: sandbox.FailureExit, ExitCode: 3},
		RollbackTarget: 1,
		RolledBack:     true,
		Error:          "execution failed: boom",
		StartedAt:      started,
		Duration:       1500 * time.Millisecond,
	}
	require.NoError(t, j.Record(ctx, res))

	got, err := j.Get(ctx, "c-1")
	require.NoError(t, err)

	want := Entry{
		ID:             "c-1",
		StartedAt:      started,
		Duration:       1500 * time.Millisecond,
		FromVersion:    1,
		ToVersion:      2,
		FinalState:     "failed",
		Message:        res.Message,
		Trace:          []string{"backing_up", "applied", "failed", "rolling_back", "idle"},
		Fallback:       true,
		FallbackReason: "backend down",
		LinesAdded:     4,
		LinesRemoved:   1,
		RolledBack:     true,
		RollbackTarget: 1,
		Executed:       true,
		ExecSuccess:    false,
		ExecKind:       "exit",
		ExitCode:       3,
		Error:          "execution failed: boom",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestJournal_RecentNewestFirst(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.Record(ctx, &evolution.CycleResult{
			ID:        id,
			Final:     evolution.StateRejected,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
	assert.False(t, recent[0].Executed)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJournal_RecentOrdersWithinSecond(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

	for _, r := range []struct {
		id     string
		offset time.Duration
	}{
		{"whole", 0},
		{"half", 500 * time.Millisecond},
		{"tiny", 7 * time.Nanosecond},
	} {
		require.NoError(t, j.Record(ctx, &evolution.CycleResult{ID: r.id, Final: evolution.StateRejected, StartedAt: base.Add(r.offset)}))
	}

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, len(recent))
	for i, e := range recent {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"half", "tiny", "whole"}, ids)
	assert.True(t, recent[1].StartedAt.Equal(base.Add(7*time.Nanosecond)))
}

func TestJournal_RecordReplacesSameID(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	r := &evolution.CycleResult{ID: "x", Final: evolution.StateIdle, Message: "first", StartedAt: time.Now()}
	require.NoError(t, j.Record(ctx, r))
	r.Message = "second"
	require.NoError(t, j.Record(ctx, r))

	got, err := j.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Message)
	n, _ := j.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestJournal_GetUnknown(t *testing.T) {
	j := openTemp(t)
	_, err := j.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJournal_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.db")
	j, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), &evolution.CycleResult{ID: "keep", Final: evolution.StateSucceeded, StartedAt: time.Now()}))
	require.NoError(t, j.Close())

	again, err := Open(path, nil)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Get(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.FinalState)
}
