package subagent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/telemetry"
)

const (
	// DefaultMaxConcurrent bounds live (pending or running) subagents
	// across the whole registry.
	DefaultMaxConcurrent = 8

	// DefaultMaxDepth bounds subagent recursion: a parent at this depth may
	// not spawn.
	DefaultMaxDepth = 3

	// DefaultPollInterval is the AwaitAll polling cadence when none is
	// given.
	DefaultPollInterval = 100 * time.Millisecond

	// StaleCancelReason is the error message recorded when stale detection
	// cancels a run.
	StaleCancelReason = "No heartbeat received"
)

// ChangeKind labels a registry lifecycle notification.
type ChangeKind string

const (
	ChangeRegister  ChangeKind = "register"
	ChangeStart     ChangeKind = "start"
	ChangeHeartbeat ChangeKind = "heartbeat"
	ChangeComplete  ChangeKind = "complete"
)

type (
	// Listener observes record lifecycle changes. Listeners receive a copy
	// of the record and are always invoked outside the registry lock, so
	// they may call back into the registry.
	Listener func(rec Record, kind ChangeKind)

	// SpawnTask describes one subagent in a SpawnParallel batch.
	SpawnTask struct {
		// Task is the natural-language task statement.
		Task string
		// Label optionally names the subagent for display.
		Label string
		// ChildSessionID is the session the subagent executes in; generated
		// when empty.
		ChildSessionID string
		// Cleanup defaults to CleanupDelete.
		Cleanup CleanupPolicy
		// HeartbeatInterval defaults to the registry interval.
		HeartbeatInterval time.Duration
	}

	// Registry is the owning authority for subagent run state. All state
	// lives behind one mutex; listener callbacks, bus publishes and bound
	// cancellation handles fire outside the critical section.
	Registry struct {
		log            telemetry.Logger
		bus            hooks.Bus
		store          Store
		now            func() time.Time
		maxConcurrent  int
		maxDepth       int
		heartbeatEvery time.Duration

		mu        sync.Mutex
		records   map[string]*Record
		order     []string
		listeners []Listener
		cancels   map[string]context.CancelFunc
	}

	// RegistryOption customizes registry construction.
	RegistryOption func(*Registry)

	// notice is a pending notification collected under the lock and
	// dispatched after release.
	notice struct {
		rec  Record
		kind ChangeKind
	}
)

// WithMaxConcurrent sets the global live-subagent limit.
func WithMaxConcurrent(n int) RegistryOption {
	return func(r *Registry) { r.maxConcurrent = n }
}

// WithMaxDepth sets the spawn recursion limit.
func WithMaxDepth(n int) RegistryOption {
	return func(r *Registry) { r.maxDepth = n }
}

// WithHeartbeatInterval sets the default expected heartbeat gap for new
// records.
func WithHeartbeatInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.heartbeatEvery = d }
}

// WithStore enables snapshot persistence on every state change.
func WithStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// WithBus sets the event bus lifecycle events are published to.
func WithBus(b hooks.Bus) RegistryOption {
	return func(r *Registry) { r.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. Call Restore to re-hydrate from a
// configured store.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:            telemetry.NewNoopLogger(),
		bus:            hooks.NewBus(),
		now:            time.Now,
		maxConcurrent:  DefaultMaxConcurrent,
		maxDepth:       DefaultMaxDepth,
		heartbeatEvery: DefaultHeartbeatInterval,
		records:        make(map[string]*Record),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a record for one subagent run in the PENDING state. The
// concurrency limit applies; the depth limit is enforced on the batch spawn
// path.
func (r *Registry) Register(childSessionID, parentSessionID, task string, cleanup CleanupPolicy, label string) (*Record, error) {
	if cleanup == "" {
		cleanup = CleanupDelete
	}
	if cleanup != CleanupDelete && cleanup != CleanupKeep {
		return nil, fmt.Errorf("subagent: invalid cleanup policy %q", cleanup)
	}
	r.mu.Lock()
	if live := r.liveCountLocked(); live+1 > r.maxConcurrent {
		r.mu.Unlock()
		return nil, &ConcurrencyLimitError{Active: live, Requested: 1, Limit: r.maxConcurrent}
	}
	if childSessionID == "" {
		childSessionID = uuid.NewString()
	}
	depth := r.depthLocked(parentSessionID) + 1
	rec := r.registerLocked(childSessionID, parentSessionID, task, cleanup, label, depth, r.heartbeatEvery)
	out := rec.clone()
	r.persistLocked()
	r.mu.Unlock()
	r.notifyAll([]notice{{rec: *out, kind: ChangeRegister}})
	return out, nil
}

// SpawnParallel registers one record per task in a single atomic step.
// Enforces the depth limit (parent already at the limit fails) and the
// concurrency limit (live + batch size must fit); on either violation no
// records are created and the caller fails fast.
func (r *Registry) SpawnParallel(parentSessionID string, tasks []SpawnTask) ([]*Record, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	for _, t := range tasks {
		if t.Cleanup != "" && t.Cleanup != CleanupDelete && t.Cleanup != CleanupKeep {
			return nil, fmt.Errorf("subagent: invalid cleanup policy %q", t.Cleanup)
		}
	}
	r.mu.Lock()
	if depth := r.depthLocked(parentSessionID); depth >= r.maxDepth {
		r.mu.Unlock()
		return nil, &SpawnDepthError{ParentSessionID: parentSessionID, Depth: depth, Limit: r.maxDepth}
	}
	live := r.liveCountLocked()
	if live+len(tasks) > r.maxConcurrent {
		r.mu.Unlock()
		return nil, &ConcurrencyLimitError{Active: live, Requested: len(tasks), Limit: r.maxConcurrent}
	}
	depth := r.depthLocked(parentSessionID) + 1
	out := make([]*Record, 0, len(tasks))
	notices := make([]notice, 0, len(tasks))
	for _, t := range tasks {
		child := t.ChildSessionID
		if child == "" {
			child = uuid.NewString()
		}
		cleanup := t.Cleanup
		if cleanup == "" {
			cleanup = CleanupDelete
		}
		hb := t.HeartbeatInterval
		if hb <= 0 {
			hb = r.heartbeatEvery
		}
		rec := r.registerLocked(child, parentSessionID, t.Task, cleanup, t.Label, depth, hb)
		c := rec.clone()
		out = append(out, c)
		notices = append(notices, notice{rec: *c, kind: ChangeRegister})
	}
	r.persistLocked()
	r.mu.Unlock()
	r.notifyAll(notices)
	return out, nil
}

// MarkStarted transitions a pending record to RUNNING and seeds its
// heartbeat. Idempotent for already-running records.
func (r *Registry) MarkStarted(runID string) error {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{RunID: runID}
	}
	if rec.IsComplete() {
		r.mu.Unlock()
		return fmt.Errorf("subagent: run %q already complete", runID)
	}
	if rec.IsRunning() {
		r.mu.Unlock()
		return nil
	}
	started := r.now()
	heartbeat := started
	rec.StartedAt = &started
	rec.LastHeartbeat = &heartbeat
	snap := *rec.clone()
	r.persistLocked()
	r.mu.Unlock()
	r.notifyAll([]notice{{rec: snap, kind: ChangeStart}})
	return nil
}

// MarkComplete transitions a record to its terminal outcome and fires any
// bound cancellation handle. The first terminal transition wins: calling
// MarkComplete on an already-complete record is a no-op, which keeps await
// deadlines and real completions race-safe.
func (r *Registry) MarkComplete(runID string, outcome Outcome, errorMessage string) error {
	if !outcome.Valid() {
		return fmt.Errorf("subagent: invalid outcome %q", outcome)
	}
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{RunID: runID}
	}
	if rec.IsComplete() {
		r.mu.Unlock()
		return nil
	}
	r.completeLocked(rec, outcome, errorMessage)
	snap := *rec.clone()
	cancel := r.cancels[runID]
	delete(r.cancels, runID)
	r.persistLocked()
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.notifyAll([]notice{{rec: snap, kind: ChangeComplete}})
	return nil
}

// Heartbeat records a liveness report for a running subagent. Fails
// silently when the run is unknown or not running. Negative progress leaves
// the previous value; progress is clamped to [0,1]; an empty status keeps
// the previous message.
func (r *Registry) Heartbeat(runID string, progress float64, statusMessage string) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || !rec.IsRunning() {
		r.mu.Unlock()
		return
	}
	beat := r.now()
	rec.LastHeartbeat = &beat
	if progress >= 0 {
		if progress > 1 {
			progress = 1
		}
		rec.Progress = progress
	}
	if statusMessage != "" {
		rec.StatusMessage = statusMessage
	}
	snap := *rec.clone()
	r.persistLocked()
	r.mu.Unlock()
	r.notifyAll([]notice{{rec: snap, kind: ChangeHeartbeat}})
}

// Bind attaches a cancellation handle invoked when the run reaches a
// terminal state. Binding to an already-complete run invokes the handle
// immediately.
func (r *Registry) Bind(runID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{RunID: runID}
	}
	if rec.IsComplete() {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.cancels[runID] = cancel
	r.mu.Unlock()
	return nil
}

// AwaitAll polls until every listed run is terminal, then returns the
// outcome per run ID. At the timeout (or on context cancellation) remaining
// incomplete runs are marked timeout (respectively cancelled) and included
// in the result. A timeout of zero waits indefinitely; pollInterval
// defaults to DefaultPollInterval.
func (r *Registry) AwaitAll(ctx context.Context, runIDs []string, timeout, pollInterval time.Duration) map[string]Outcome {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if out, done := r.outcomes(runIDs); done {
			return out
		}
		select {
		case <-ctx.Done():
			return r.abandon(runIDs, OutcomeCancelled, "await cancelled")
		case <-deadline:
			return r.abandon(runIDs, OutcomeTimeout, "await deadline exceeded")
		case <-ticker.C:
		}
	}
}

// Stale lists running records whose liveness signal is older than the
// threshold. A zero threshold applies each record's own limit of twice its
// heartbeat interval.
func (r *Registry) Stale(threshold time.Duration) []*Record {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, id := range r.order {
		if rec := r.records[id]; staleAt(rec, now, threshold) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// CancelStale marks every stale running record cancelled and returns how
// many were cancelled. An empty reason records StaleCancelReason. External
// processes are not killed; bound cancellation handles fire so in-flight
// tasks stop at their next checkpoint.
func (r *Registry) CancelStale(threshold time.Duration, reason string) int {
	if reason == "" {
		reason = StaleCancelReason
	}
	now := r.now()
	r.mu.Lock()
	var (
		notices []notice
		cancels []context.CancelFunc
	)
	for _, id := range r.order {
		rec := r.records[id]
		if !staleAt(rec, now, threshold) {
			continue
		}
		r.completeLocked(rec, OutcomeCancelled, reason)
		notices = append(notices, notice{rec: *rec.clone(), kind: ChangeComplete})
		if c := r.cancels[id]; c != nil {
			cancels = append(cancels, c)
			delete(r.cancels, id)
		}
	}
	if len(notices) > 0 {
		r.persistLocked()
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	r.notifyAll(notices)
	return len(notices)
}

// CancelTree cancels every non-terminal descendant of the given session,
// cascading through child sessions. Returns the number of runs cancelled.
func (r *Registry) CancelTree(sessionID, reason string) int {
	if reason == "" {
		reason = "parent cancelled"
	}
	r.mu.Lock()
	var (
		notices []notice
		cancels []context.CancelFunc
	)
	queue := []string{sessionID}
	seen := map[string]bool{sessionID: true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, id := range r.order {
			rec := r.records[id]
			if rec.ParentSessionID != parent {
				continue
			}
			if !seen[rec.ChildSessionID] {
				seen[rec.ChildSessionID] = true
				queue = append(queue, rec.ChildSessionID)
			}
			if rec.IsComplete() {
				continue
			}
			r.completeLocked(rec, OutcomeCancelled, reason)
			notices = append(notices, notice{rec: *rec.clone(), kind: ChangeComplete})
			if c := r.cancels[id]; c != nil {
				cancels = append(cancels, c)
				delete(r.cancels, id)
			}
		}
	}
	if len(notices) > 0 {
		r.persistLocked()
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	r.notifyAll(notices)
	return len(notices)
}

// Get returns a copy of the record for the run ID.
func (r *Registry) Get(runID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[runID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// ListForParent returns copies of all records spawned by the given parent
// session, in registration order.
func (r *Registry) ListForParent(parentSessionID string) []*Record {
	return r.list(func(rec *Record) bool { return rec.ParentSessionID == parentSessionID })
}

// Active returns copies of all running records in registration order.
func (r *Registry) Active() []*Record {
	return r.list((*Record).IsRunning)
}

// Pending returns copies of all registered-but-unstarted records in
// registration order.
func (r *Registry) Pending() []*Record {
	return r.list((*Record).IsPending)
}

// Len returns the number of records, in any state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// MaxConcurrent returns the global live-subagent limit. The executor sizes
// wave dispatch with it.
func (r *Registry) MaxConcurrent() int { return r.maxConcurrent }

// CleanupCompleted removes terminal records older than maxAge whose cleanup
// policy allows deletion. Returns the number removed.
func (r *Registry) CleanupCompleted(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	count := 0
	keep := r.order[:0]
	for _, id := range r.order {
		rec := r.records[id]
		if rec.IsComplete() && rec.Cleanup == CleanupDelete && rec.EndedAt != nil && rec.EndedAt.Before(cutoff) {
			delete(r.records, id)
			delete(r.cancels, id)
			count++
			continue
		}
		keep = append(keep, id)
	}
	r.order = keep
	if count > 0 {
		r.persistLocked()
	}
	r.mu.Unlock()
	return count
}

// AddListener registers a lifecycle observer.
func (r *Registry) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Restore re-hydrates records from the configured store. Snapshots written
// with an unknown version are skipped with a warning; records that were
// running when the snapshot was taken come back running and are subject to
// stale detection.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	snap, ok, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if snap.Version != SnapshotVersion {
		r.log.Warn(ctx, "skipping subagent snapshot with unknown version",
			"version", snap.Version, "want", SnapshotVersion)
		return nil
	}
	r.mu.Lock()
	r.records = make(map[string]*Record, len(snap.Runs))
	r.order = r.order[:0]
	for id, rec := range snap.Runs {
		if rec == nil || rec.RunID == "" {
			continue
		}
		r.records[id] = rec.clone()
		r.order = append(r.order, id)
	}
	sort.Slice(r.order, func(i, j int) bool {
		a, b := r.records[r.order[i]], r.records[r.order[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return r.order[i] < r.order[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	r.mu.Unlock()
	return nil
}

func (r *Registry) registerLocked(child, parent, task string, cleanup CleanupPolicy, label string, depth int, hb time.Duration) *Record {
	rec := &Record{
		RunID:                    uuid.NewString(),
		ChildSessionID:           child,
		ParentSessionID:          parent,
		Task:                     task,
		Cleanup:                  cleanup,
		Label:                    label,
		SpawnDepth:               depth,
		CreatedAt:                r.now(),
		HeartbeatIntervalSeconds: hb.Seconds(),
	}
	r.records[rec.RunID] = rec
	r.order = append(r.order, rec.RunID)
	return rec
}

func (r *Registry) completeLocked(rec *Record, outcome Outcome, errMsg string) {
	ended := r.now()
	rec.EndedAt = &ended
	rec.Outcome = outcome
	rec.ErrorMessage = errMsg
}

// liveCountLocked counts records that may still do work: pending plus
// running.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, rec := range r.records {
		if !rec.IsComplete() {
			n++
		}
	}
	return n
}

// depthLocked returns the spawn depth of a session: its own record's depth,
// or zero for root sessions with no record.
func (r *Registry) depthLocked(sessionID string) int {
	for _, rec := range r.records {
		if rec.ChildSessionID == sessionID {
			return rec.SpawnDepth
		}
	}
	return 0
}

func (r *Registry) list(keep func(*Record) bool) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, id := range r.order {
		if rec := r.records[id]; keep(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (r *Registry) outcomes(runIDs []string) (map[string]Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Outcome, len(runIDs))
	done := true
	for _, id := range runIDs {
		rec, ok := r.records[id]
		if !ok {
			out[id] = OutcomeError
			continue
		}
		if rec.IsComplete() {
			out[id] = rec.Outcome
		} else {
			done = false
		}
	}
	return out, done
}

// abandon terminally marks any still-incomplete runs; runs that completed
// concurrently keep their real outcome.
func (r *Registry) abandon(runIDs []string, outcome Outcome, reason string) map[string]Outcome {
	for _, id := range runIDs {
		_ = r.MarkComplete(id, outcome, reason)
	}
	out, _ := r.outcomes(runIDs)
	return out
}

// persistLocked snapshots the record map to the store. Persistence errors
// are logged and swallowed so disk trouble never wedges run tracking.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	snap := Snapshot{Version: SnapshotVersion, Runs: make(map[string]*Record, len(r.records))}
	for id, rec := range r.records {
		snap.Runs[id] = rec.clone()
	}
	if err := r.store.Save(context.Background(), snap); err != nil {
		r.log.Warn(context.Background(), "subagent snapshot save failed", "err", err)
	}
}

func (r *Registry) notifyAll(notices []notice) {
	if len(notices) == 0 {
		return
	}
	r.mu.Lock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.mu.Unlock()
	ctx := context.Background()
	for _, n := range notices {
		r.log.Debug(ctx, "subagent "+string(n.kind), "run_id", n.rec.RunID, "parent", n.rec.ParentSessionID)
		r.publish(ctx, n.rec, n.kind)
		for _, l := range ls {
			l(n.rec, n.kind)
		}
	}
}

func (r *Registry) publish(ctx context.Context, rec Record, kind ChangeKind) {
	switch kind {
	case ChangeRegister:
		r.bus.Publish(ctx, hooks.NewSubagentSpawnEvent(rec.ParentSessionID, rec.RunID, rec.ChildSessionID, rec.Task, rec.Label))
	case ChangeStart:
		r.bus.Publish(ctx, hooks.NewSubagentStartEvent(rec.ParentSessionID, rec.RunID))
	case ChangeHeartbeat:
		r.bus.Publish(ctx, hooks.NewSubagentHeartbeatEvent(rec.ParentSessionID, rec.RunID, rec.Progress, rec.StatusMessage))
	case ChangeComplete:
		r.bus.Publish(ctx, hooks.NewSubagentCompleteEvent(rec.ParentSessionID, rec.RunID, string(rec.Outcome), rec.ErrorMessage, rec.Duration()))
	}
}

// staleAt applies an explicit threshold when given, otherwise the record's
// own two-interval limit.
func staleAt(rec *Record, now time.Time, threshold time.Duration) bool {
	if !rec.IsRunning() {
		return false
	}
	if threshold > 0 {
		return rec.SecondsSinceHeartbeat(now) > threshold.Seconds()
	}
	return rec.IsStale(now)
}
