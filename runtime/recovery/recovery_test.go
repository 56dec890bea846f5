package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/subagent"
	"sunwell.dev/sunwell/runtime/tools"
)

func TestClassifyStructural(t *testing.T) {
	errs := []error{
		&graph.DuplicateArtifactError{ID: "a"},
		&graph.CycleError{Path: []string{"a", "b", "a"}},
		&graph.DanglingDependencyError{ArtifactID: "a", Requirement: "ghost"},
		&graph.FileConflictError{ArtifactA: "a", ArtifactB: "b", Path: "src/main.go"},
	}
	for _, err := range errs {
		require.Equal(t, CategoryStructural, Classify(err), "error: %v", err)
	}
}

func TestClassifyLimit(t *testing.T) {
	require.Equal(t, CategoryLimit, Classify(&subagent.SpawnDepthError{Depth: 2, Limit: 2}))
	require.Equal(t, CategoryLimit, Classify(&subagent.ConcurrencyLimitError{Active: 8, Requested: 1, Limit: 8}))
}

func TestClassifyWrappedErrors(t *testing.T) {
	err := fmt.Errorf("spawning wave 2: %w", &subagent.SpawnDepthError{Depth: 3, Limit: 3})
	require.Equal(t, CategoryLimit, Classify(err))
	require.Equal(t, "spawn_depth_exceeded", Kind(err))
}

func TestClassifyCancellation(t *testing.T) {
	require.Equal(t, CategoryCancellation, Classify(context.Canceled))
	require.Equal(t, CategoryCancellation, Classify(fmt.Errorf("task stopped: %w", context.Canceled)))
	// Deadlines are execution failures (model timeout), not cooperative
	// cancellation.
	require.Equal(t, CategoryExecution, Classify(context.DeadlineExceeded))
}

func TestClassifyExecutionDefault(t *testing.T) {
	require.Equal(t, CategoryExecution, Classify(errors.New("model returned garbage")))
	require.Equal(t, CategoryExecution, Classify(&tools.TrustDeniedError{ID: "shell.run"}))
}

func TestKindWithoutTypedError(t *testing.T) {
	require.Empty(t, Kind(errors.New("plain")))
	require.Empty(t, Kind(nil))
}

func TestDefaultStrategy(t *testing.T) {
	require.Equal(t, StrategyAbort, DefaultStrategy(CategoryStructural))
	require.Equal(t, StrategyAbort, DefaultStrategy(CategoryCancellation))
	require.Equal(t, StrategyEscalate, DefaultStrategy(CategoryLimit))
	require.Equal(t, StrategyEscalate, DefaultStrategy(CategoryData))
	require.Equal(t, StrategyRetry, DefaultStrategy(CategoryExecution))
}

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{StrategyRetry, StrategyRetryDifferent, StrategyEscalate, StrategyAbort} {
		require.True(t, s.Valid())
	}
	require.False(t, Strategy("panic").Valid())
}

func TestBackoffCeilingGrowth(t *testing.T) {
	// A rigged source that always draws the maximum exposes the ceiling.
	b := Backoff{
		Base:       100 * time.Millisecond,
		Cap:        time.Second,
		Multiplier: 2,
		rng:        func(n int64) int64 { return n - 1 },
	}
	d0 := b.Delay(0)
	d1 := b.Delay(1)
	d2 := b.Delay(2)
	require.InDelta(t, float64(100*time.Millisecond), float64(d0), float64(time.Millisecond))
	require.InDelta(t, float64(200*time.Millisecond), float64(d1), float64(time.Millisecond))
	require.InDelta(t, float64(400*time.Millisecond), float64(d2), float64(time.Millisecond))

	// Far attempts clamp at the cap.
	d10 := b.Delay(10)
	require.LessOrEqual(t, d10, time.Second)
	require.InDelta(t, float64(time.Second), float64(d10), float64(time.Millisecond))
}

func TestBackoffFullJitterRange(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.Less(t, d, 30*time.Second)
		}
	}
}

func TestBackoffSleepHonorsCancellation(t *testing.T) {
	b := Backoff{Base: time.Minute, Cap: time.Minute, Multiplier: 2,
		rng: func(n int64) int64 { return n - 1 }}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Sleep(ctx, 0) }()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after cancellation")
	}
}
