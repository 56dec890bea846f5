// Package executor drives incremental, wave-ordered artifact builds. Planning
// computes a content-addressed input hash per artifact and consults the
// execution cache for explicit skip decisions; execution dispatches each wave
// concurrently, bounded by the subagent registry, with in-flight deduplication
// so one build serves every requester of the same input hash.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sunwell.dev/sunwell/runtime/cache"
	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/recovery"
	"sunwell.dev/sunwell/runtime/subagent"
	"sunwell.dev/sunwell/runtime/telemetry"
)

// DefaultRetryCooldown is how long a failed cache entry suppresses
// re-execution of the same input hash.
const DefaultRetryCooldown = time.Hour

// Reason is the explicit code attached to every non-default decision. Skip
// decisions always carry one; ReasonForcedRebuild annotates an execute
// decision that bypassed the cache.
type Reason string

const (
	// ReasonUnchanged marks an artifact satisfied by a cached success with a
	// matching input hash.
	ReasonUnchanged Reason = "unchanged"

	// ReasonUpstreamFailed marks an artifact skipped because a dependency
	// failed or was itself skipped without producing output.
	ReasonUpstreamFailed Reason = "upstream_failed"

	// ReasonPriorFailureCooldown marks an artifact skipped because its input
	// hash failed recently and the retry window has not elapsed.
	ReasonPriorFailureCooldown Reason = "prior_failure_cooldown"

	// ReasonForcedRebuild marks an artifact rebuilt regardless of cache
	// state.
	ReasonForcedRebuild Reason = "forced_rebuild"

	// ReasonDisabled marks an artifact excluded from this run.
	ReasonDisabled Reason = "disabled"
)

type (
	// Result is what a CreateArtifactFn returns for a built artifact.
	Result struct {
		// Content is the produced artifact material; hashed when OutputHash
		// is not supplied.
		Content []byte
		// OutputHash optionally carries a precomputed content hash.
		OutputHash string
		// RunID identifies the subagent run that did the work, if any.
		RunID string
		// ModelID identifies the model that performed the work, if any.
		ModelID string
	}

	// CreateArtifactFn performs the actual work for one artifact, typically
	// by delegating to a subagent.
	CreateArtifactFn func(ctx context.Context, art *graph.Artifact) (*Result, error)

	// Advisor supplies recovery strategies for execution failures. The
	// reasoner implements this contract; without one the rule table in
	// runtime/recovery applies.
	Advisor interface {
		RecoveryStrategy(ctx context.Context, artifactID string, cause error) (recovery.Strategy, error)
	}

	// Decision is the planned treatment of one artifact.
	Decision struct {
		// ArtifactID identifies the artifact.
		ArtifactID string
		// Execute is true when the artifact will be built.
		Execute bool
		// Reason explains a skip, or flags a forced rebuild.
		Reason Reason
		// InputHash is the planning-time content identity. Recomputed at
		// execution time once rebuilt dependencies have settled.
		InputHash string
		// CachedOutputHash carries the reusable output for unchanged skips.
		CachedOutputHash string
		// Wave is the artifact's execution wave index.
		Wave int
	}

	// Plan is the full set of decisions for a run.
	Plan struct {
		Decisions map[string]*Decision
		Waves     [][]string
		ToExecute int
		ToSkip    int
	}

	// RunResult summarizes one Execute call.
	RunResult struct {
		Completed int
		Skipped   int
		Failed    int
		// FirstFailedWave is the index of the first wave containing a
		// failure, -1 when everything succeeded.
		FirstFailedWave int
		Duration        time.Duration
		// Outputs maps every artifact with a known output to its content
		// hash, whether built this run or reused from cache.
		Outputs map[string]string
	}

	// Executor plans and runs incremental builds against a cache.
	Executor struct {
		cache    *cache.Store
		create   CreateArtifactFn
		registry *subagent.Registry
		advisor  Advisor
		bus      hooks.Bus
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		toolStamp   string
		cooldown    time.Duration
		maxAttempts int
		backoff     recovery.Backoff
		forced      map[string]bool
		disabled    map[string]bool

		mu       sync.Mutex
		inflight map[string]*flight
	}

	// Option customizes executor construction.
	Option func(*Executor)

	// flight is one in-progress build, shared by every requester of its
	// input hash.
	flight struct {
		done chan struct{}
		hash string
		err  error
	}

	// buildOutcome is the per-artifact result of a wave dispatch.
	buildOutcome struct {
		id         string
		outputHash string
		reason     Reason
		skipped    bool
		err        error
	}
)

// WithBus sets the event bus.
func WithBus(b hooks.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRegistry bounds wave dispatch by the registry's concurrency limit.
func WithRegistry(r *subagent.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithAdvisor sets the recovery strategy source for execution failures.
func WithAdvisor(a Advisor) Option {
	return func(e *Executor) { e.advisor = a }
}

// WithRetryCooldown sets how long a failed entry suppresses re-execution.
func WithRetryCooldown(d time.Duration) Option {
	return func(e *Executor) { e.cooldown = d }
}

// WithToolStamp sets the tool-version stamp folded into input hashes.
func WithToolStamp(stamp string) Option {
	return func(e *Executor) { e.toolStamp = stamp }
}

// WithForceRebuild bypasses the cache for the given artifacts.
func WithForceRebuild(ids ...string) Option {
	return func(e *Executor) {
		for _, id := range ids {
			e.forced[id] = true
		}
	}
}

// WithDisabled excludes the given artifacts from execution.
func WithDisabled(ids ...string) Option {
	return func(e *Executor) {
		for _, id := range ids {
			e.disabled[id] = true
		}
	}
}

// WithMaxAttempts caps build attempts per artifact, counting the first.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay curve.
func WithBackoff(b recovery.Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New constructs an executor. The cache store and create function are
// required; New panics without them.
func New(store *cache.Store, create CreateArtifactFn, opts ...Option) *Executor {
	if store == nil {
		panic("executor: cache store is required")
	}
	if create == nil {
		panic("executor: create function is required")
	}
	e := &Executor{
		cache:       store,
		create:      create,
		bus:         hooks.NewBus(),
		log:         telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
		toolStamp:   DefaultToolStamp,
		cooldown:    DefaultRetryCooldown,
		maxAttempts: recovery.DefaultMaxFixAttempts,
		backoff:     recovery.DefaultBackoff(),
		forced:      make(map[string]bool),
		disabled:    make(map[string]bool),
		inflight:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan validates the graph, computes input hashes wave by wave and decides
// per artifact whether to execute or skip. Cached successes with matching
// hashes become unchanged skips and publish artifact_cache_hit; recent
// failures inside the retry cooldown become prior_failure_cooldown skips.
// Artifacts whose dependencies will be rebuilt always execute: their real
// identity is unknowable until the dependency settles.
func (e *Executor) Plan(ctx context.Context, sessionID string, g *graph.Graph) (*Plan, error) {
	waves, err := g.ExecutionWaves()
	if err != nil {
		return nil, err
	}
	p := &Plan{Decisions: make(map[string]*Decision, g.Len()), Waves: waves}
	hashes := make(map[string]string)
	for wi, wave := range waves {
		for _, id := range wave {
			art, _ := g.Artifact(id)
			d := &Decision{ArtifactID: id, Wave: wi, Execute: true}
			p.Decisions[id] = d

			deps := g.DependenciesOf(id)
			depHashes := make([]string, 0, len(deps))
			ready := true
			for _, dep := range deps {
				h, ok := hashes[dep]
				if !ok {
					ready = false
					h = "pending:" + dep
				}
				depHashes = append(depHashes, h)
			}
			ih, err := InputHash(art, depHashes, e.toolStamp)
			if err != nil {
				return nil, err
			}
			d.InputHash = ih

			switch {
			case e.disabled[id]:
				d.Execute = false
				d.Reason = ReasonDisabled
			case e.forced[id]:
				d.Reason = ReasonForcedRebuild
			case ready:
				entry, ok, lerr := e.cache.Lookup(ctx, id, ih)
				switch {
				case lerr != nil:
					e.log.Warn(ctx, "cache lookup failed, treating as miss",
						"artifact_id", id, "err", lerr.Error())
				case ok && entry.Status == cache.StatusSuccess:
					d.Execute = false
					d.Reason = ReasonUnchanged
					d.CachedOutputHash = entry.OutputHash
					hashes[id] = entry.OutputHash
					e.bus.Publish(ctx, hooks.NewArtifactCacheHitEvent(sessionID, id, ih, entry.OutputHash))
				case ok && e.now().Sub(entry.Timestamp) < e.cooldown:
					d.Execute = false
					d.Reason = ReasonPriorFailureCooldown
				}
			}
			if d.Execute {
				p.ToExecute++
			} else {
				p.ToSkip++
			}
		}
	}
	e.bus.Publish(ctx, hooks.NewExecutionPlanComputedEvent(sessionID, g.Len(), p.ToExecute, p.ToSkip, len(waves)))
	e.metrics.RecordGauge("executor_skip_percent", p.SkipPercent())
	return p, nil
}

// SkipPercent reports the fraction of artifacts satisfied without
// execution, in percent.
func (p *Plan) SkipPercent() float64 {
	total := p.ToExecute + p.ToSkip
	if total == 0 {
		return 0
	}
	return float64(p.ToSkip) / float64(total) * 100
}

// Execute plans and runs the graph wave by wave. Within a wave, execute
// decisions dispatch concurrently up to the registry's concurrency limit.
// Dependents of failed (or output-less skipped) artifacts never execute;
// the first wave containing a failure is surfaced in the result. Guarantees
// at-most-once execution per input hash within the run.
func (e *Executor) Execute(ctx context.Context, sessionID, goal string, g *graph.Graph) (*RunResult, error) {
	start := e.now()
	plan, err := e.Plan(ctx, sessionID, g)
	if err != nil {
		return nil, err
	}
	goalHash := GoalHash(goal)
	res := &RunResult{FirstFailedWave: -1, Outputs: make(map[string]string)}
	hashes := make(map[string]string)
	blocked := make(map[string]bool)

	for wi, wave := range plan.Waves {
		if ctx.Err() != nil {
			break
		}
		runnable := make([]*graph.Artifact, 0, len(wave))
		for _, id := range wave {
			d := plan.Decisions[id]
			if e.dependencyBlocked(g, id, blocked) {
				blocked[id] = true
				res.Skipped++
				e.bus.Publish(ctx, hooks.NewArtifactSkippedEvent(sessionID, id, string(ReasonUpstreamFailed)))
				continue
			}
			if !d.Execute {
				res.Skipped++
				e.bus.Publish(ctx, hooks.NewArtifactSkippedEvent(sessionID, id, string(d.Reason)))
				if d.Reason == ReasonUnchanged {
					hashes[id] = d.CachedOutputHash
					res.Outputs[id] = d.CachedOutputHash
				} else {
					// No output produced: dependents cannot build.
					blocked[id] = true
				}
				continue
			}
			art, _ := g.Artifact(id)
			runnable = append(runnable, art)
		}
		if len(runnable) == 0 {
			continue
		}

		limit := len(runnable)
		if max := e.maxConcurrent(); max < limit {
			limit = max
		}
		outs := make([]buildOutcome, len(runnable))
		eg := &errgroup.Group{}
		eg.SetLimit(limit)
		for i, art := range runnable {
			eg.Go(func() error {
				depHashes := e.settledDepHashes(g, art.ID, hashes)
				outs[i] = e.buildOne(ctx, sessionID, goalHash, art, wi, depHashes)
				return nil
			})
		}
		_ = eg.Wait()

		waveFailed := false
		for _, out := range outs {
			switch {
			case out.err != nil && errors.Is(out.err, context.Canceled):
				// Counted neither as completed nor failed; surfaced below.
			case out.err != nil:
				res.Failed++
				blocked[out.id] = true
				waveFailed = true
			case out.skipped:
				res.Skipped++
				if out.reason == ReasonUnchanged {
					hashes[out.id] = out.outputHash
					res.Outputs[out.id] = out.outputHash
				} else {
					blocked[out.id] = true
				}
			default:
				res.Completed++
				hashes[out.id] = out.outputHash
				res.Outputs[out.id] = out.outputHash
			}
		}
		if waveFailed && res.FirstFailedWave < 0 {
			res.FirstFailedWave = wi
		}
	}

	res.Duration = e.now().Sub(start)
	status := "success"
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
	case res.Failed > 0 && res.Completed > 0:
		status = "partial"
	case res.Failed > 0:
		status = "failed"
	}
	if err := e.cache.RecordGoalExecution(ctx, goalHash, g.IDs()); err != nil {
		e.log.Warn(ctx, "recording goal execution failed", "err", err.Error())
	}
	e.metrics.RecordTimer("executor_run_duration", res.Duration)
	e.bus.Publish(ctx, hooks.NewCompleteEvent(sessionID, status, res.Completed, res.Skipped, res.Failed, res.Duration))
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// buildOne resolves one execute decision: a final cache check against the
// settled input hash, in-flight deduplication, then the build itself.
func (e *Executor) buildOne(ctx context.Context, sessionID, goalHash string, art *graph.Artifact, wave int, depHashes []string) buildOutcome {
	out := buildOutcome{id: art.ID}
	ih, err := InputHash(art, depHashes, e.toolStamp)
	if err != nil {
		out.err = err
		return out
	}

	// Dependencies may have rebuilt to identical outputs, so the settled
	// hash gets one more cache consultation unless the rebuild is forced.
	if !e.forced[art.ID] {
		entry, ok, lerr := e.cache.Lookup(ctx, art.ID, ih)
		switch {
		case lerr != nil:
			e.log.Warn(ctx, "cache lookup failed, treating as miss",
				"artifact_id", art.ID, "err", lerr.Error())
		case ok && entry.Status == cache.StatusSuccess:
			e.bus.Publish(ctx, hooks.NewArtifactCacheHitEvent(sessionID, art.ID, ih, entry.OutputHash))
			e.bus.Publish(ctx, hooks.NewArtifactSkippedEvent(sessionID, art.ID, string(ReasonUnchanged)))
			out.skipped = true
			out.reason = ReasonUnchanged
			out.outputHash = entry.OutputHash
			return out
		case ok && e.now().Sub(entry.Timestamp) < e.cooldown:
			e.bus.Publish(ctx, hooks.NewArtifactSkippedEvent(sessionID, art.ID, string(ReasonPriorFailureCooldown)))
			out.skipped = true
			out.reason = ReasonPriorFailureCooldown
			return out
		}
	}

	e.mu.Lock()
	if f, ok := e.inflight[ih]; ok {
		e.mu.Unlock()
		select {
		case <-f.done:
			out.outputHash, out.err = f.hash, f.err
			e.log.Debug(ctx, "shared in-flight build result",
				"artifact_id", art.ID, "input_hash", ih)
		case <-ctx.Done():
			out.err = ctx.Err()
		}
		return out
	}
	f := &flight{done: make(chan struct{})}
	e.inflight[ih] = f
	e.mu.Unlock()

	f.hash, f.err = e.invoke(ctx, sessionID, goalHash, art, wave, ih)
	close(f.done)
	e.mu.Lock()
	delete(e.inflight, ih)
	e.mu.Unlock()

	out.outputHash, out.err = f.hash, f.err
	return out
}

// invoke runs the create function with the bounded recovery loop and owns
// all task events and cache recording for the build.
func (e *Executor) invoke(ctx context.Context, sessionID, goalHash string, art *graph.Artifact, wave int, ih string) (string, error) {
	e.bus.Publish(ctx, hooks.NewArtifactCacheMissEvent(sessionID, art.ID, ih))
	start := e.now()
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff.Sleep(ctx, attempt-1); err != nil {
				return "", err
			}
		}
		e.bus.Publish(ctx, hooks.NewTaskStartEvent(sessionID, art.ID, art.Description, wave, ""))
		result, err := e.create(ctx, art)
		if err == nil {
			outHash := result.OutputHash
			if outHash == "" {
				outHash = OutputHash(result.Content)
			}
			duration := e.now().Sub(start)
			entry := cache.Entry{
				ArtifactID: art.ID,
				InputHash:  ih,
				OutputHash: outHash,
				Status:     cache.StatusSuccess,
				GoalHash:   goalHash,
				RunID:      result.RunID,
				Duration:   duration,
				ModelID:    result.ModelID,
			}
			if rerr := e.cache.Record(ctx, entry); rerr != nil {
				e.log.Warn(ctx, "recording cache entry failed",
					"artifact_id", art.ID, "err", rerr.Error())
			}
			e.bus.Publish(ctx, hooks.NewArtifactHashComputedEvent(sessionID, art.ID, ih, outHash))
			e.bus.Publish(ctx, hooks.NewTaskCompleteEvent(sessionID, art.ID, result.RunID, duration, outHash))
			e.metrics.RecordTimer("executor_task_duration", duration, "artifact_id", art.ID)
			return outHash, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		kind := recovery.Kind(err)
		e.bus.Publish(ctx, hooks.NewTaskErrorEvent(sessionID, art.ID, "", err, kind))
		strategy := e.adviseStrategy(ctx, art.ID, err)
		if strategy != recovery.StrategyRetry && strategy != recovery.StrategyRetryDifferent {
			e.failArtifact(ctx, sessionID, goalHash, art.ID, ih, err, strategy)
			return "", err
		}
	}
	e.failArtifact(ctx, sessionID, goalHash, art.ID, ih, lastErr, recovery.StrategyAbort)
	return "", lastErr
}

// failArtifact records the failed entry and emits the single error event
// for the build.
func (e *Executor) failArtifact(ctx context.Context, sessionID, goalHash, artifactID, ih string, cause error, strategy recovery.Strategy) {
	entry := cache.Entry{
		ArtifactID: artifactID,
		InputHash:  ih,
		Status:     cache.StatusFailed,
		GoalHash:   goalHash,
	}
	if rerr := e.cache.Record(ctx, entry); rerr != nil {
		e.log.Warn(ctx, "recording failed cache entry failed",
			"artifact_id", artifactID, "err", rerr.Error())
	}
	kind := recovery.Kind(cause)
	if kind == "" {
		kind = string(recovery.Classify(cause))
	}
	e.bus.Publish(ctx, hooks.NewErrorEvent(sessionID, kind, cause.Error(), artifactID, "", string(strategy)))
	e.metrics.IncCounter("executor_failures", 1, "artifact_id", artifactID)
}

// adviseStrategy asks the advisor for execution failures, falling back to
// the rule table for everything else or when no advisor is configured.
func (e *Executor) adviseStrategy(ctx context.Context, artifactID string, cause error) recovery.Strategy {
	cat := recovery.Classify(cause)
	if cat != recovery.CategoryExecution {
		return recovery.DefaultStrategy(cat)
	}
	if e.advisor != nil {
		s, err := e.advisor.RecoveryStrategy(ctx, artifactID, cause)
		if err == nil && s.Valid() {
			return s
		}
		if err != nil {
			e.log.Warn(ctx, "recovery advisor failed, using rule fallback",
				"artifact_id", artifactID, "err", err.Error())
		}
	}
	return recovery.DefaultStrategy(cat)
}

func (e *Executor) settledDepHashes(g *graph.Graph, id string, hashes map[string]string) []string {
	deps := g.DependenciesOf(id)
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		out = append(out, hashes[dep])
	}
	return out
}

func (e *Executor) dependencyBlocked(g *graph.Graph, id string, blocked map[string]bool) bool {
	for _, dep := range g.DependenciesOf(id) {
		if blocked[dep] {
			return true
		}
	}
	return false
}

func (e *Executor) maxConcurrent() int {
	if e.registry != nil {
		return e.registry.MaxConcurrent()
	}
	return subagent.DefaultMaxConcurrent
}
