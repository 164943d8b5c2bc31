package evolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/model"
	"ouroboros/internal/sandbox"
)

func TestScheduler_TriggerRunsCycle(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	s := NewScheduler(f.c, 0, nil)

	results := make(chan *CycleResult, 4)
	s.OnResult(func(r *CycleResult) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	assert.True(t, s.Trigger())
	select {
	case r := <-results:
		assert.Equal(t, StateSucceeded, r.Final)
	case <-time.After(5 * time.Second):
		t.Fatal("triggered cycle did not run")
	}

	cancel()
	require.NoError(t, <-errCh)
}

func TestScheduler_Interval(t *testing.T) {
	f := newFixture(t, []model.Generation{{Source: p2}}, []*sandbox.Result{okRun}, true)
	s := NewScheduler(f.c, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return f.gen.Calls() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	s := NewScheduler(nil, 0, nil)
	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger())
}
