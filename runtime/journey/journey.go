// Package journey records the agent event stream into per-turn snapshots
// and exposes the behavioral assertions journey tests build on. The
// recorder is an ordinary bus subscriber: as events arrive it maintains
// derived views of the current turn (tool calls, file changes, outputs,
// signals, gate results, reliability issues, plan winners, model calls),
// and NewTurn archives those views as an immutable TurnSnapshot. A journey
// is the sequence of snapshots plus the turn in progress.
package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/telemetry"
)

// IssueHallucination is the reliability issue kind recorded for
// hallucination events; warnings keep their event kind.
const IssueHallucination = "hallucination"

type (
	// ToolCall is one observed tool invocation, assembled from the start,
	// complete and error events sharing a call ID. A denied or unknown tool
	// produces an entry with only the error filled in.
	ToolCall struct {
		// Name is the tool identifier as published.
		Name string
		// CallID correlates the call's events.
		CallID string
		// Args is the call payload viewed as a JSON object, nil when the
		// payload has no object form.
		Args map[string]any
		// Output is the tool result, when the call completed.
		Output any
		// Err is the failure message, when the call errored.
		Err string
		// DurationMS is the call wall-clock time in milliseconds.
		DurationMS int64
		// Completed reports whether a tool_complete arrived for the call.
		Completed bool
	}

	// FileChange is a file mutation derived from a completed call to a
	// mutating tool.
	FileChange struct {
		// Path is the changed file as reported in the call arguments.
		Path string
		// Tool is the tool that made the change.
		Tool string
		// CallID correlates with the originating ToolCall.
		CallID string
	}

	// Signal pairs a raised signal with the handler it was routed to.
	Signal struct {
		// Name is the signal name.
		Name string
		// Payload carries the signal data, if any.
		Payload any
		// Target is the routed handler, empty while unrouted.
		Target string
	}

	// GateResult is one validation gate outcome.
	GateResult struct {
		// Gate names the validation gate.
		Gate string
		// ArtifactID identifies the validated artifact, if any.
		ArtifactID string
		// Passed reports whether the gate accepted.
		Passed bool
		// Detail describes a failure.
		Detail string
	}

	// ReliabilityIssue is a reliability warning or hallucination
	// observation.
	ReliabilityIssue struct {
		// Kind classifies the issue (warning kind, or IssueHallucination).
		Kind string
		// Detail describes the observation.
		Detail string
		// ToolName identifies the tool involved, if any.
		ToolName string
	}

	// PlanSnapshot is a plan selection observed during the turn.
	PlanSnapshot struct {
		// CandidateID identifies the winning candidate.
		CandidateID string
		// Score is the winner's final score.
		Score float64
		// Metrics is the winner's scoring breakdown.
		Metrics map[string]float64
		// Reason is the selection explanation.
		Reason string
	}

	// ModelCall is one model completion observed during the turn.
	ModelCall struct {
		// Model is the provider-specific model identifier.
		Model string
		// InputTokens counts prompt tokens when reported.
		InputTokens int
		// OutputTokens counts completion tokens when reported.
		OutputTokens int
		// DurationMS is the call wall-clock time in milliseconds.
		DurationMS int64
		// StopReason is the provider's termination reason.
		StopReason string
	}

	// TurnSnapshot is the archive of one turn: the raw events in publish
	// order plus the derived views. Snapshots are immutable once archived.
	TurnSnapshot struct {
		// Index is the turn's position in the journey, starting at zero.
		Index int
		// Events holds every event observed during the turn.
		Events []hooks.Event
		// ToolCalls holds the turn's tool invocations.
		ToolCalls []ToolCall
		// FileChanges holds the turn's derived file mutations.
		FileChanges []FileChange
		// Outputs holds the turn's tool outputs rendered as text.
		Outputs []string
		// Signals holds the turn's raised signals with routing.
		Signals []Signal
		// Gates holds the turn's validation gate results.
		Gates []GateResult
		// Reliability holds the turn's reliability issues.
		Reliability []ReliabilityIssue
		// Plans holds the turn's plan selections.
		Plans []PlanSnapshot
		// ModelCalls holds the turn's model completions.
		ModelCalls []ModelCall
		// ClosedAt is when the turn was archived; zero for the turn in
		// progress.
		ClosedAt time.Time
	}

	// Recorder captures the event stream into turn snapshots. Safe for
	// concurrent use; the bus may deliver from any goroutine.
	Recorder struct {
		log telemetry.Logger
		now func() time.Time

		mu    sync.Mutex
		sub   hooks.Subscription
		turns []TurnSnapshot
		cur   TurnSnapshot
		calls map[string]int // call ID -> index into cur.ToolCalls
	}

	// Option customizes recorder construction.
	Option func(*Recorder)
)

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New returns an unattached recorder. Feed it events directly through
// HandleEvent, or use Record to subscribe it to a bus.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		log:   telemetry.NewNoopLogger(),
		now:   time.Now,
		calls: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record creates a recorder and subscribes it to the bus. Close the
// recorder to stop capturing; recorded turns stay readable after Close.
func Record(bus hooks.Bus, opts ...Option) (*Recorder, error) {
	r := New(opts...)
	sub, err := bus.Register(r)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Close detaches the recorder from its bus. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// HandleEvent implements hooks.Subscriber: every event is appended to the
// current turn and folded into the derived views it contributes to.
func (r *Recorder) HandleEvent(_ context.Context, event hooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur.Events = append(r.cur.Events, event)

	switch evt := event.(type) {
	case *hooks.ToolStartEvent:
		r.calls[evt.CallID] = len(r.cur.ToolCalls)
		r.cur.ToolCalls = append(r.cur.ToolCalls, ToolCall{
			Name:   evt.ToolName,
			CallID: evt.CallID,
			Args:   asArgs(evt.Payload),
		})

	case *hooks.ToolCompleteEvent:
		call := r.callFor(evt.ToolName, evt.CallID)
		call.Output = evt.Output
		call.DurationMS = evt.DurationMS
		call.Completed = true
		if out := asOutput(evt.Output); out != "" {
			r.cur.Outputs = append(r.cur.Outputs, out)
		}
		if path := changedPath(call.Name, call.Args); path != "" {
			r.cur.FileChanges = append(r.cur.FileChanges, FileChange{
				Path: path, Tool: call.Name, CallID: call.CallID,
			})
		}

	case *hooks.ToolErrorEvent:
		call := r.callFor(evt.ToolName, evt.CallID)
		call.Err = evt.Error

	case *hooks.GatePassEvent:
		r.cur.Gates = append(r.cur.Gates, GateResult{
			Gate: evt.Gate, ArtifactID: evt.ArtifactID, Passed: true,
		})

	case *hooks.GateFailEvent:
		r.cur.Gates = append(r.cur.Gates, GateResult{
			Gate: evt.Gate, ArtifactID: evt.ArtifactID, Detail: evt.Detail,
		})

	case *hooks.ReliabilityWarningEvent:
		r.cur.Reliability = append(r.cur.Reliability, ReliabilityIssue{
			Kind: evt.Kind, Detail: evt.Detail, ToolName: evt.ToolName,
		})

	case *hooks.ReliabilityHallucinationEvent:
		detail := evt.Claim
		if evt.Evidence != "" {
			detail = fmt.Sprintf("%s (contradicted by %s)", evt.Claim, evt.Evidence)
		}
		r.cur.Reliability = append(r.cur.Reliability, ReliabilityIssue{
			Kind: IssueHallucination, Detail: detail,
		})

	case *hooks.SignalEvent:
		r.cur.Signals = append(r.cur.Signals, Signal{Name: evt.Name, Payload: evt.Payload})

	case *hooks.SignalRouteEvent:
		// Attach to the most recent unrouted raise of the same signal; a
		// route with no matching raise stands alone.
		for i := len(r.cur.Signals) - 1; i >= 0; i-- {
			if r.cur.Signals[i].Name == evt.Name && r.cur.Signals[i].Target == "" {
				r.cur.Signals[i].Target = evt.Target
				return nil
			}
		}
		r.cur.Signals = append(r.cur.Signals, Signal{Name: evt.Name, Target: evt.Target})

	case *hooks.PlanWinnerEvent:
		metrics := make(map[string]float64, len(evt.Metrics))
		for k, v := range evt.Metrics {
			metrics[k] = v
		}
		r.cur.Plans = append(r.cur.Plans, PlanSnapshot{
			CandidateID: evt.SelectedCandidateID,
			Score:       evt.Score,
			Metrics:     metrics,
			Reason:      evt.Reason,
		})

	case *hooks.ModelCompleteEvent:
		r.cur.ModelCalls = append(r.cur.ModelCalls, ModelCall{
			Model:        evt.Model,
			InputTokens:  evt.InputTokens,
			OutputTokens: evt.OutputTokens,
			DurationMS:   evt.DurationMS,
			StopReason:   evt.StopReason,
		})
	}
	return nil
}

// callFor returns the current turn's entry for a call ID, creating one for
// completions and errors whose start was never seen (denied calls, or
// starts archived in a previous turn). Caller holds the lock.
func (r *Recorder) callFor(name, callID string) *ToolCall {
	if idx, ok := r.calls[callID]; ok {
		return &r.cur.ToolCalls[idx]
	}
	r.calls[callID] = len(r.cur.ToolCalls)
	r.cur.ToolCalls = append(r.cur.ToolCalls, ToolCall{Name: name, CallID: callID})
	return &r.cur.ToolCalls[len(r.cur.ToolCalls)-1]
}

// NewTurn archives the collections accumulated since the last turn as an
// immutable TurnSnapshot, resets for a fresh turn, and returns the
// archived snapshot.
func (r *Recorder) NewTurn() TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.cur
	snap.Index = len(r.turns)
	snap.ClosedAt = r.now()
	r.turns = append(r.turns, snap)
	r.cur = TurnSnapshot{}
	r.calls = make(map[string]int)
	return snap
}

// Current returns a copy of the in-progress turn without archiving it.
func (r *Recorder) Current() TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// currentLocked copies the live turn. Tool calls and signals are cloned
// because later events revise their entries in place.
func (r *Recorder) currentLocked() TurnSnapshot {
	snap := r.cur
	snap.Index = len(r.turns)
	snap.ToolCalls = slices.Clone(snap.ToolCalls)
	snap.Signals = slices.Clone(snap.Signals)
	return snap
}

// Turns returns the archived snapshots, oldest first.
func (r *Recorder) Turns() []TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.turns)
}

// Turn returns the archived snapshot at index.
func (r *Recorder) Turn(i int) (TurnSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.turns) {
		return TurnSnapshot{}, false
	}
	return r.turns[i], true
}

// Len returns the number of archived turns.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// snapshots returns the archived turns plus the turn in progress, for
// journey-wide assertions.
func (r *Recorder) snapshots() []TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(slices.Clone(r.turns), r.currentLocked())
}

// asArgs views a tool payload as a JSON object: maps pass through, structs
// round-trip through JSON, anything else has no object form.
func asArgs(payload any) map[string]any {
	if payload == nil {
		return nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// asOutput renders a tool output as text for OutputContains: strings
// verbatim, everything else as compact JSON.
func asOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// mutatingVerbs marks tool name segments that imply a file mutation.
var mutatingVerbs = []string{
	"write", "edit", "create", "delete", "remove", "move",
	"rename", "append", "patch", "copy", "mkdir", "touch",
}

// pathKeys are the payload keys checked for the mutated path, in order.
var pathKeys = []string{"path", "file", "file_path", "filename", "target", "dest", "destination"}

// changedPath derives the mutated file from a completed call: the tool's
// final name segment must carry a mutating verb and the arguments must
// name a path under one of the conventional keys.
func changedPath(tool string, args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	name := strings.ToLower(tool)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	mutating := false
	for _, verb := range mutatingVerbs {
		if strings.Contains(name, verb) {
			mutating = true
			break
		}
	}
	if !mutating {
		return ""
	}
	for _, key := range pathKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
