package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwell.dev/sunwell/runtime/cache"
	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/recovery"
	"sunwell.dev/sunwell/runtime/subagent"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []hooks.Event
}

func recordBusEvents(t *testing.T, bus hooks.Bus) *eventLog {
	t.Helper()
	log := &eventLog{}
	sub, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		log.mu.Lock()
		log.events = append(log.events, evt)
		log.mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return log
}

func (l *eventLog) ofType(et hooks.EventType) []hooks.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []hooks.Event
	for _, evt := range l.events {
		if evt.Type() == et {
			out = append(out, evt)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...cache.StoreOption) *cache.Store {
	t.Helper()
	store, err := cache.Open(context.Background(), cache.DefaultPath(t.TempDir()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fanOutGraph is api-types feeding a service and a CLI: two waves, the
// second one parallel.
func fanOutGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{
		ID: "api-types", Description: "define the API types", Produces: []string{"types"},
	}))
	require.NoError(t, g.Add(&graph.Artifact{
		ID: "service", Description: "implement the service", Requires: []string{"types"},
	}))
	require.NoError(t, g.Add(&graph.Artifact{
		ID: "cli", Description: "implement the CLI", Requires: []string{"types"},
	}))
	return g
}

// chainGraph is a three-artifact chain a -> b -> c.
func chainGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "a", Description: "build a", Produces: []string{"out-a"}}))
	require.NoError(t, g.Add(&graph.Artifact{ID: "b", Description: "build b", Produces: []string{"out-b"}, Requires: []string{"out-a"}}))
	require.NoError(t, g.Add(&graph.Artifact{ID: "c", Description: "build c", Requires: []string{"out-b"}}))
	return g
}

// countingCreate returns deterministic content per artifact and counts
// invocations.
func countingCreate(calls *atomic.Int64) CreateArtifactFn {
	return func(_ context.Context, art *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return &Result{Content: []byte("content of " + art.ID), ModelID: "test-model"}, nil
	}
}

func TestFirstRunBuildsEverything(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	exec := New(store, countingCreate(&calls), WithBus(bus))

	res, err := exec.Execute(ctx, "sess-1", "build the api", fanOutGraph(t))
	require.NoError(t, err)
	require.Equal(t, 3, res.Completed)
	require.Equal(t, 0, res.Skipped)
	require.Equal(t, 0, res.Failed)
	require.Equal(t, -1, res.FirstFailedWave)
	require.EqualValues(t, 3, calls.Load())
	require.Len(t, res.Outputs, 3)
	require.NotEmpty(t, res.Outputs["api-types"])

	plans := log.ofType(hooks.ExecutionPlanComputed)
	require.Len(t, plans, 1)
	plan := plans[0].(*hooks.ExecutionPlanComputedEvent)
	require.Equal(t, 3, plan.TotalArtifacts)
	require.Equal(t, 3, plan.ToExecute)
	require.Equal(t, 0, plan.ToSkip)
	require.Equal(t, 2, plan.Waves)

	require.Len(t, log.ofType(hooks.ArtifactCacheMiss), 3)
	require.Len(t, log.ofType(hooks.TaskComplete), 3)
	require.Len(t, log.ofType(hooks.ArtifactHashComputed), 3)

	completes := log.ofType(hooks.Complete)
	require.Len(t, completes, 1)
	require.Equal(t, "success", completes[0].(*hooks.CompleteEvent).Status)
}

func TestSecondRunSkipsEverything(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	exec := New(store, countingCreate(&calls), WithBus(bus))
	g := fanOutGraph(t)

	_, err := exec.Execute(ctx, "sess-1", "build the api", g)
	require.NoError(t, err)
	log.reset()

	res, err := exec.Execute(ctx, "sess-1", "build the api", g)
	require.NoError(t, err)
	require.Equal(t, 0, res.Completed)
	require.Equal(t, 3, res.Skipped)
	require.Equal(t, 0, res.Failed)
	require.EqualValues(t, 3, calls.Load(), "cache hits must not re-invoke the create function")
	require.Len(t, res.Outputs, 3, "cached output hashes are still surfaced")

	plans := log.ofType(hooks.ExecutionPlanComputed)
	require.Len(t, plans, 1)
	plan := plans[0].(*hooks.ExecutionPlanComputedEvent)
	require.Equal(t, 0, plan.ToExecute)
	require.Equal(t, 3, plan.ToSkip)
	require.InDelta(t, 100.0, plan.SkipPercent, 0.001)

	require.Len(t, log.ofType(hooks.ArtifactCacheHit), 3)
	skips := log.ofType(hooks.ArtifactSkipped)
	require.Len(t, skips, 3)
	for _, evt := range skips {
		require.Equal(t, string(ReasonUnchanged), evt.(*hooks.ArtifactSkippedEvent).Reason)
	}
	require.Empty(t, log.ofType(hooks.TaskStart))
}

func TestFailurePropagationSkipsDependents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	create := func(_ context.Context, art *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return nil, fmt.Errorf("compile failed for %s", art.ID)
	}
	exec := New(store, create, WithBus(bus), WithMaxAttempts(1))

	res, err := exec.Execute(ctx, "sess-1", "build the chain", chainGraph(t))
	require.NoError(t, err)
	require.Equal(t, 0, res.Completed)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 0, res.FirstFailedWave)
	require.EqualValues(t, 1, calls.Load(), "dependents of a failed artifact never execute")

	skips := log.ofType(hooks.ArtifactSkipped)
	require.Len(t, skips, 2)
	for _, evt := range skips {
		se := evt.(*hooks.ArtifactSkippedEvent)
		require.Equal(t, string(ReasonUpstreamFailed), se.Reason)
		require.Contains(t, []string{"b", "c"}, se.ArtifactID)
	}

	errsEvts := log.ofType(hooks.Error)
	require.Len(t, errsEvts, 1)
	ee := errsEvts[0].(*hooks.ErrorEvent)
	require.Equal(t, "a", ee.ArtifactID)
	require.Contains(t, ee.Message, "compile failed")

	completes := log.ofType(hooks.Complete)
	require.Len(t, completes, 1)
	require.Equal(t, "failed", completes[0].(*hooks.CompleteEvent).Status)
}

func TestPartialStatusWhenSomeArtifactsSucceed(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	create := func(_ context.Context, art *graph.Artifact) (*Result, error) {
		if art.ID == "cli" {
			return nil, errors.New("cli build failed")
		}
		return &Result{Content: []byte("content of " + art.ID)}, nil
	}
	exec := New(store, create, WithBus(bus), WithMaxAttempts(1))

	res, err := exec.Execute(ctx, "sess-1", "build the api", fanOutGraph(t))
	require.NoError(t, err)
	require.Equal(t, 2, res.Completed)
	require.Equal(t, 1, res.Failed)

	completes := log.ofType(hooks.Complete)
	require.Len(t, completes, 1)
	require.Equal(t, "partial", completes[0].(*hooks.CompleteEvent).Status)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	create := func(_ context.Context, art *graph.Artifact) (*Result, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient tool failure")
		}
		return &Result{Content: []byte("content of " + art.ID)}, nil
	}
	fast := recovery.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}
	exec := New(store, create, WithBus(bus), WithMaxAttempts(3), WithBackoff(fast))

	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "flaky", Description: "build flaky"}))

	res, err := exec.Execute(ctx, "sess-1", "build flaky", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 0, res.Failed)
	require.EqualValues(t, 2, calls.Load())

	require.Len(t, log.ofType(hooks.TaskStart), 2)
	require.Len(t, log.ofType(hooks.TaskError), 1)
	require.Empty(t, log.ofType(hooks.Error), "recovered failures surface no error event")
}

type scriptedAdvisor struct {
	strategy recovery.Strategy
	calls    atomic.Int64
}

func (a *scriptedAdvisor) RecoveryStrategy(context.Context, string, error) (recovery.Strategy, error) {
	a.calls.Add(1)
	return a.strategy, nil
}

func TestAdvisorEscalationStopsRetries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	create := func(context.Context, *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return nil, errors.New("needs a human")
	}
	advisor := &scriptedAdvisor{strategy: recovery.StrategyEscalate}
	exec := New(store, create, WithBus(bus), WithMaxAttempts(3), WithAdvisor(advisor))

	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "gnarly", Description: "build gnarly"}))

	res, err := exec.Execute(ctx, "sess-1", "build gnarly", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.EqualValues(t, 1, calls.Load(), "escalate means no further attempts")
	require.EqualValues(t, 1, advisor.calls.Load())

	errsEvts := log.ofType(hooks.Error)
	require.Len(t, errsEvts, 1)
	require.Equal(t, string(recovery.StrategyEscalate), errsEvts[0].(*hooks.ErrorEvent).SuggestedAction)
}

func TestLimitErrorsBypassAdvisor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	create := func(context.Context, *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return nil, &subagent.ConcurrencyLimitError{Active: 8, Requested: 1, Limit: 8}
	}
	advisor := &scriptedAdvisor{strategy: recovery.StrategyRetry}
	exec := New(store, create, WithBus(bus), WithMaxAttempts(3), WithAdvisor(advisor))

	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "spawny", Description: "build spawny"}))

	res, err := exec.Execute(ctx, "sess-1", "build spawny", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.EqualValues(t, 1, calls.Load(), "limit errors never retry")
	require.EqualValues(t, 0, advisor.calls.Load(), "only execution errors consult the advisor")

	errsEvts := log.ofType(hooks.Error)
	require.Len(t, errsEvts, 1)
	ee := errsEvts[0].(*hooks.ErrorEvent)
	require.Equal(t, "concurrency_limit_exceeded", ee.Kind)
	require.Equal(t, string(recovery.StrategyEscalate), ee.SuggestedAction)
}

func TestForcedRebuildBypassesCache(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := openTestStore(t, cache.WithClock(clk.Now))
	var calls atomic.Int64
	warm := New(store, countingCreate(&calls), WithClock(clk.Now))
	g := fanOutGraph(t)

	_, err := warm.Execute(ctx, "sess-1", "build the api", g)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())

	// Same content on rebuild: dependents settle to identical input hashes
	// and are satisfied at execution time.
	exec := New(store, countingCreate(&calls), WithClock(clk.Now), WithForceRebuild("api-types"))
	res, err := exec.Execute(ctx, "sess-1", "build the api", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 2, res.Skipped)
	require.EqualValues(t, 4, calls.Load(), "only the forced artifact re-executes")
}

func TestChangedUpstreamContentRebuildsDependents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	var calls atomic.Int64
	warm := New(store, countingCreate(&calls))
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "a", Description: "build a", Produces: []string{"out-a"}}))
	require.NoError(t, g.Add(&graph.Artifact{ID: "b", Description: "build b", Requires: []string{"out-a"}}))

	_, err := warm.Execute(ctx, "sess-1", "build it", g)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())

	// New content for a changes its output hash, which changes b's input
	// hash, so b must rebuild too.
	create := func(_ context.Context, art *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return &Result{Content: []byte("revised content of " + art.ID)}, nil
	}
	exec := New(store, create, WithForceRebuild("a"))
	res, err := exec.Execute(ctx, "sess-1", "build it", g)
	require.NoError(t, err)
	require.Equal(t, 2, res.Completed)
	require.Equal(t, 0, res.Skipped)
	require.EqualValues(t, 4, calls.Load())
}

func TestDisabledArtifactBlocksDependents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	var calls atomic.Int64
	exec := New(store, countingCreate(&calls), WithBus(bus), WithDisabled("a"))

	res, err := exec.Execute(ctx, "sess-1", "build the chain", chainGraph(t))
	require.NoError(t, err)
	require.Equal(t, 0, res.Completed)
	require.Equal(t, 3, res.Skipped)
	require.EqualValues(t, 0, calls.Load())

	skips := log.ofType(hooks.ArtifactSkipped)
	require.Len(t, skips, 3)
	reasons := make(map[string]string)
	for _, evt := range skips {
		se := evt.(*hooks.ArtifactSkippedEvent)
		reasons[se.ArtifactID] = se.Reason
	}
	require.Equal(t, string(ReasonDisabled), reasons["a"])
	require.Equal(t, string(ReasonUpstreamFailed), reasons["b"])
	require.Equal(t, string(ReasonUpstreamFailed), reasons["c"])
}

func TestPriorFailureCooldown(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := openTestStore(t, cache.WithClock(clk.Now))
	var calls atomic.Int64
	create := func(context.Context, *graph.Artifact) (*Result, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	}
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "broken", Description: "build broken"}))

	first := New(store, create, WithMaxAttempts(1), WithClock(clk.Now))
	res, err := first.Execute(ctx, "sess-1", "build broken", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.EqualValues(t, 1, calls.Load())

	// Within the cooldown window the failure is not retried.
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	second := New(store, create, WithMaxAttempts(1), WithClock(clk.Now), WithBus(bus))
	res, err = second.Execute(ctx, "sess-1", "build broken", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, res.Failed)
	require.EqualValues(t, 1, calls.Load())
	skips := log.ofType(hooks.ArtifactSkipped)
	require.Len(t, skips, 1)
	require.Equal(t, string(ReasonPriorFailureCooldown), skips[0].(*hooks.ArtifactSkippedEvent).Reason)

	// Once the window elapses the artifact is eligible again.
	clk.Advance(2 * time.Hour)
	third := New(store, create, WithMaxAttempts(1), WithClock(clk.Now))
	res, err = third.Execute(ctx, "sess-1", "build broken", g)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.EqualValues(t, 2, calls.Load())
}

func TestConcurrentRunsShareInFlightBuild(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	create := func(_ context.Context, art *graph.Artifact) (*Result, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &Result{Content: []byte("content of " + art.ID)}, nil
	}
	exec := New(store, create)
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "shared", Description: "build shared"}))

	type runResult struct {
		res *RunResult
		err error
	}
	results := make(chan runResult, 2)
	for range 2 {
		go func() {
			res, err := exec.Execute(ctx, "sess-1", "build shared", g)
			results <- runResult{res, err}
		}()
	}

	<-started
	// Give the second run time to reach the in-flight wait. Even if it has
	// not, the cache guarantees the single-build assertion below.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, 1, r.res.Completed+r.res.Skipped)
		require.Equal(t, 0, r.res.Failed)
	}
	require.EqualValues(t, 1, calls.Load(), "identical input hashes build at most once")
}

func TestCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := openTestStore(t)
	bus := hooks.NewBus()
	log := recordBusEvents(t, bus)
	create := func(ctx context.Context, _ *graph.Artifact) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec := New(store, create, WithBus(bus))

	done := make(chan error, 1)
	var res *RunResult
	go func() {
		var err error
		res, err = exec.Execute(ctx, "sess-1", "build the chain", chainGraph(t))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, res.Completed)
	require.Equal(t, 0, res.Failed, "cancellation is not a failure")

	completes := log.ofType(hooks.Complete)
	require.Len(t, completes, 1)
	require.Equal(t, "cancelled", completes[0].(*hooks.CompleteEvent).Status)
}

func TestPlanDecisionDetails(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	var calls atomic.Int64
	warm := New(store, countingCreate(&calls))
	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "a", Description: "build a", Produces: []string{"out-a"}}))
	require.NoError(t, g.Add(&graph.Artifact{ID: "b", Description: "build b", Requires: []string{"out-a"}}))
	_, err := warm.Execute(ctx, "sess-1", "build it", g)
	require.NoError(t, err)

	// Warm cache: everything skips.
	plan, err := warm.Plan(ctx, "sess-1", g)
	require.NoError(t, err)
	require.Equal(t, 0, plan.ToExecute)
	require.Equal(t, 2, plan.ToSkip)
	require.Equal(t, ReasonUnchanged, plan.Decisions["a"].Reason)
	require.NotEmpty(t, plan.Decisions["a"].CachedOutputHash)
	require.Equal(t, 0, plan.Decisions["a"].Wave)
	require.Equal(t, 1, plan.Decisions["b"].Wave)

	// Forcing a rebuilds a; b's dependency hash is unknown at plan time so
	// b is planned for execution too.
	forced := New(store, countingCreate(&calls), WithForceRebuild("a"))
	plan, err = forced.Plan(ctx, "sess-1", g)
	require.NoError(t, err)
	require.Equal(t, 2, plan.ToExecute)
	require.True(t, plan.Decisions["a"].Execute)
	require.Equal(t, ReasonForcedRebuild, plan.Decisions["a"].Reason)
	require.True(t, plan.Decisions["b"].Execute)

	// Disabling b skips only b; a still hits the cache.
	disabled := New(store, countingCreate(&calls), WithDisabled("b"))
	plan, err = disabled.Plan(ctx, "sess-1", g)
	require.NoError(t, err)
	require.Equal(t, 0, plan.ToExecute)
	require.False(t, plan.Decisions["b"].Execute)
	require.Equal(t, ReasonDisabled, plan.Decisions["b"].Reason)
	require.Equal(t, ReasonUnchanged, plan.Decisions["a"].Reason)
}

func TestInvalidGraphFailsPlan(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	exec := New(store, countingCreate(&atomic.Int64{}))

	g := graph.New()
	require.NoError(t, g.Add(&graph.Artifact{ID: "a", Description: "build a", Produces: []string{"out-a"}, Requires: []string{"out-b"}}))
	require.NoError(t, g.Add(&graph.Artifact{ID: "b", Description: "build b", Produces: []string{"out-b"}, Requires: []string{"out-a"}}))

	_, err := exec.Plan(ctx, "sess-1", g)
	var cycleErr *graph.CycleError
	require.ErrorAs(t, err, &cycleErr)

	_, err = exec.Execute(ctx, "sess-1", "build it", g)
	require.ErrorAs(t, err, &cycleErr)
}

func TestGoalExecutionRecorded(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	var calls atomic.Int64
	exec := New(store, countingCreate(&calls))

	_, err := exec.Execute(ctx, "sess-1", "Build the API", fanOutGraph(t))
	require.NoError(t, err)

	ids, err := store.ArtifactsForGoal(ctx, GoalHash("build   the api"))
	require.NoError(t, err)
	require.Equal(t, []string{"api-types", "cli", "service"}, ids,
		"goal hashing normalizes case and whitespace")
}
