// Package hooks publishes the totally-ordered stream of agent events the
// execution core emits for observability, replay, and test assertion. The Bus
// fans events out to registered subscribers; the journey recorder, stream
// sinks, and test harnesses all consume the same feed.
package hooks

import (
	"time"
)

// EventType enumerates the closed set of event kinds broadcast on the bus.
// The set is part of the external NDJSON contract; new kinds are additive and
// consumers must ignore types they do not recognize.
type EventType string

const (
	// PlanCandidateStart fires once when the harmonic planner begins
	// generating candidates for a goal.
	PlanCandidateStart EventType = "plan_candidate_start"

	// PlanCandidateGenerated fires per candidate, carrying the stable
	// candidate id and structural metrics (or the generation error).
	PlanCandidateGenerated EventType = "plan_candidate_generated"

	// PlanCandidatesComplete fires when all candidate generations have
	// settled, with success/failure counts.
	PlanCandidatesComplete EventType = "plan_candidates_complete"

	// PlanWinner fires when a candidate is selected, with full metrics and
	// the selection reason.
	PlanWinner EventType = "plan_winner"

	// ExecutionPlanComputed fires after the executor plans a run: how many
	// artifacts will execute, how many are skipped, and the skip percentage.
	ExecutionPlanComputed EventType = "execution_plan_computed"

	// ArtifactCacheHit fires when a planned artifact is satisfied by a prior
	// successful execution with a matching input hash.
	ArtifactCacheHit EventType = "artifact_cache_hit"

	// ArtifactCacheMiss fires when an artifact must be built because no
	// matching cache entry exists.
	ArtifactCacheMiss EventType = "artifact_cache_miss"

	// ArtifactHashComputed fires after a successful build, carrying the
	// computed output hash recorded in the cache.
	ArtifactHashComputed EventType = "artifact_hash_computed"

	// ArtifactSkipped fires when an artifact is not executed, with one of
	// the fixed skip reason codes.
	ArtifactSkipped EventType = "artifact_skipped"

	// TaskStart fires when work on an artifact begins.
	TaskStart EventType = "task_start"

	// TaskComplete fires when work on an artifact finishes successfully.
	TaskComplete EventType = "task_complete"

	// TaskError fires when work on an artifact fails.
	TaskError EventType = "task_error"

	// ToolStart fires when the tool executor dispatches a tool call.
	ToolStart EventType = "tool_start"

	// ToolComplete fires when a tool call returns successfully.
	ToolComplete EventType = "tool_complete"

	// ToolError fires when a tool call fails or is denied by policy.
	ToolError EventType = "tool_error"

	// SubagentSpawn fires when a subagent record is registered.
	SubagentSpawn EventType = "subagent_spawn"

	// SubagentStart fires when a registered subagent transitions to running.
	SubagentStart EventType = "subagent_start"

	// SubagentHeartbeat fires on each liveness report from a running
	// subagent.
	SubagentHeartbeat EventType = "subagent_heartbeat"

	// SubagentComplete fires when a subagent reaches a terminal outcome.
	SubagentComplete EventType = "subagent_complete"

	// ModelComplete fires after each model invocation with token usage and
	// latency.
	ModelComplete EventType = "model_complete"

	// GatePass fires when a validation gate accepts an artifact.
	GatePass EventType = "gate_pass"

	// GateFail fires when a validation gate rejects an artifact.
	GateFail EventType = "gate_fail"

	// Signal fires when a named signal is raised by a component.
	Signal EventType = "signal"

	// SignalRoute fires when a raised signal is routed to a handler.
	SignalRoute EventType = "signal_route"

	// ReliabilityWarning fires when the core detects suspicious behavior
	// worth surfacing, such as a denied tool call or a malformed model
	// response.
	ReliabilityWarning EventType = "reliability_warning"

	// ReliabilityHallucination fires when a model claim contradicts observed
	// state.
	ReliabilityHallucination EventType = "reliability_hallucination"

	// Error fires once per surfaced error with its taxonomy kind.
	Error EventType = "error"

	// Complete fires when a run finishes, with final counts.
	Complete EventType = "complete"
)

type (
	// Event is the interface all agent events implement. The core publishes
	// events through the Bus, and subscribers receive them via HandleEvent.
	// Concrete event types carry typed payloads for each lifecycle phase.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.TaskStartEvent:
	//	        log.Printf("artifact %s started", e.ArtifactID)
	//	    case *hooks.ToolCompleteEvent:
	//	        log.Printf("tool %s took %dms", e.ToolName, e.DurationMS)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the specific event type constant. Subscribers use
		// this to filter events without type assertions.
		Type() EventType
		// SessionID returns the logical session that produced this event.
		// All events for a given session share the same session ID,
		// providing a stable join key across processes and transports.
		SessionID() string
		// Seq returns the per-session monotonic sequence number assigned
		// when the event was published. Zero until published.
		Seq() uint64
		// Timestamp returns the wall-clock time the event was created.
		// Events are timestamped at creation, not at delivery, so consumers
		// can compute durations between related events.
		Timestamp() time.Time
	}

	// baseEvent carries the fields shared by every event. Concrete events
	// embed it and the constructors populate it.
	baseEvent struct {
		sessionID string
		seq       uint64
		timestamp time.Time
	}

	// PlanCandidateStartEvent fires when candidate generation begins.
	PlanCandidateStartEvent struct {
		baseEvent
		// Goal is the top-level goal string being planned.
		Goal string `json:"goal"`
		// TotalCandidates is the number of candidates that will be generated.
		TotalCandidates int `json:"total_candidates"`
		// VarianceStrategy names the candidate variance mechanism:
		// "prompting", "temperature", or "template".
		VarianceStrategy string `json:"variance_strategy"`
	}

	// PlanCandidateGeneratedEvent fires for each settled candidate.
	PlanCandidateGeneratedEvent struct {
		baseEvent
		// CandidateID is the stable identifier "candidate-{i}".
		CandidateID string `json:"candidate_id"`
		// ArtifactCount is the number of artifacts in the candidate plan.
		// Zero when generation failed.
		ArtifactCount int `json:"artifact_count"`
		// Depth is the maximum dependency depth of the candidate plan.
		Depth int `json:"depth"`
		// Score is the candidate's score under the configured metrics.
		Score float64 `json:"score"`
		// Error holds the generation or parse failure, empty on success.
		Error string `json:"error,omitempty"`
	}

	// PlanCandidatesCompleteEvent fires when every candidate has settled.
	PlanCandidatesCompleteEvent struct {
		baseEvent
		// Succeeded counts candidates that parsed into valid graphs.
		Succeeded int `json:"succeeded"`
		// Failed counts candidates discarded for errors, cycles, or size.
		Failed int `json:"failed"`
	}

	// PlanWinnerEvent fires when a candidate is selected.
	PlanWinnerEvent struct {
		baseEvent
		// SelectedCandidateID identifies the winning candidate.
		SelectedCandidateID string `json:"selected_candidate_id"`
		// Score is the winner's final score.
		Score float64 `json:"score"`
		// Metrics carries the full scoring breakdown for the winner.
		Metrics map[string]float64 `json:"metrics,omitempty"`
		// Reason is a human-readable selection explanation.
		Reason string `json:"reason"`
	}

	// ExecutionPlanComputedEvent fires after the executor plans a run.
	ExecutionPlanComputedEvent struct {
		baseEvent
		// TotalArtifacts is the number of artifacts in the graph.
		TotalArtifacts int `json:"total_artifacts"`
		// ToExecute counts artifacts that will be built.
		ToExecute int `json:"to_execute"`
		// ToSkip counts artifacts satisfied by cache or blocked upstream.
		ToSkip int `json:"to_skip"`
		// SkipPercent is ToSkip/TotalArtifacts*100, 0 for an empty graph.
		SkipPercent float64 `json:"skip_percent"`
		// Waves is the number of execution waves in the plan.
		Waves int `json:"waves"`
	}

	// ArtifactCacheHitEvent fires when a cache entry satisfies an artifact.
	ArtifactCacheHitEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// InputHash is the content-addressed input hash that matched.
		InputHash string `json:"input_hash"`
		// OutputHash is the cached output hash.
		OutputHash string `json:"output_hash"`
	}

	// ArtifactCacheMissEvent fires when an artifact must be built.
	ArtifactCacheMissEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// InputHash is the computed input hash with no matching entry.
		InputHash string `json:"input_hash"`
	}

	// ArtifactHashComputedEvent fires after a successful build.
	ArtifactHashComputedEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// InputHash is the input hash the entry is keyed by.
		InputHash string `json:"input_hash"`
		// OutputHash is the SHA-256 over the produced contents.
		OutputHash string `json:"output_hash"`
	}

	// ArtifactSkippedEvent fires when an artifact is not executed.
	ArtifactSkippedEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// Reason is one of the fixed skip reason codes: "unchanged",
		// "upstream_failed", "prior_failure_cooldown", "forced_rebuild",
		// or "disabled".
		Reason string `json:"reason"`
	}

	// TaskStartEvent fires when work on an artifact begins.
	TaskStartEvent struct {
		baseEvent
		// ArtifactID identifies the artifact being built.
		ArtifactID string `json:"artifact_id"`
		// Description is the artifact's task statement.
		Description string `json:"description,omitempty"`
		// Wave is the zero-based execution wave index.
		Wave int `json:"wave"`
		// RunID identifies the subagent run building the artifact, empty
		// when the executor runs the work in-process.
		RunID string `json:"run_id,omitempty"`
	}

	// TaskCompleteEvent fires when work on an artifact succeeds.
	TaskCompleteEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// RunID identifies the subagent run, if any.
		RunID string `json:"run_id,omitempty"`
		// DurationMS is the build wall-clock time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
		// OutputHash is the content hash of the produced artifact.
		OutputHash string `json:"output_hash,omitempty"`
	}

	// TaskErrorEvent fires when work on an artifact fails.
	TaskErrorEvent struct {
		baseEvent
		// ArtifactID identifies the artifact.
		ArtifactID string `json:"artifact_id"`
		// RunID identifies the subagent run, if any.
		RunID string `json:"run_id,omitempty"`
		// Error is the failure message.
		Error string `json:"error"`
		// Kind is the error taxonomy kind when classified.
		Kind string `json:"kind,omitempty"`
	}

	// ToolStartEvent fires when the tool executor dispatches a call.
	ToolStartEvent struct {
		baseEvent
		// ToolName identifies the tool.
		ToolName string `json:"tool_name"`
		// CallID correlates start/complete/error events for one call.
		CallID string `json:"call_id"`
		// Payload carries the call arguments.
		Payload any `json:"payload,omitempty"`
	}

	// ToolCompleteEvent fires when a tool call returns.
	ToolCompleteEvent struct {
		baseEvent
		// ToolName identifies the tool.
		ToolName string `json:"tool_name"`
		// CallID correlates with the matching ToolStartEvent.
		CallID string `json:"call_id"`
		// DurationMS is the call wall-clock time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
		// Output is the tool result when JSON-serializable.
		Output any `json:"output,omitempty"`
	}

	// ToolErrorEvent fires when a tool call fails or is denied.
	ToolErrorEvent struct {
		baseEvent
		// ToolName identifies the tool.
		ToolName string `json:"tool_name"`
		// CallID correlates with the matching ToolStartEvent.
		CallID string `json:"call_id"`
		// Error is the failure message.
		Error string `json:"error"`
	}

	// SubagentSpawnEvent fires when a subagent record is registered.
	SubagentSpawnEvent struct {
		baseEvent
		// RunID is the new subagent's unique run identifier.
		RunID string `json:"run_id"`
		// ChildSessionID is the session the subagent will execute in.
		ChildSessionID string `json:"child_session_id"`
		// Task is the natural-language task statement.
		Task string `json:"task"`
		// Label optionally names the subagent for display.
		Label string `json:"label,omitempty"`
	}

	// SubagentStartEvent fires when a subagent transitions to running.
	SubagentStartEvent struct {
		baseEvent
		// RunID identifies the subagent run.
		RunID string `json:"run_id"`
	}

	// SubagentHeartbeatEvent fires on each subagent liveness report.
	SubagentHeartbeatEvent struct {
		baseEvent
		// RunID identifies the subagent run.
		RunID string `json:"run_id"`
		// Progress is the reported completion fraction in [0,1].
		Progress float64 `json:"progress"`
		// StatusMessage is the optional human-readable status.
		StatusMessage string `json:"status_message,omitempty"`
	}

	// SubagentCompleteEvent fires when a subagent reaches a terminal state.
	SubagentCompleteEvent struct {
		baseEvent
		// RunID identifies the subagent run.
		RunID string `json:"run_id"`
		// Outcome is "ok", "error", "timeout", or "cancelled".
		Outcome string `json:"outcome"`
		// Error is the failure message for non-ok outcomes.
		Error string `json:"error,omitempty"`
		// DurationMS is the run wall-clock time in milliseconds, zero if
		// the run never started.
		DurationMS int64 `json:"duration_ms"`
	}

	// ModelCompleteEvent fires after each model invocation.
	ModelCompleteEvent struct {
		baseEvent
		// Model is the provider-specific model identifier.
		Model string `json:"model"`
		// InputTokens counts prompt tokens when reported.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts completion tokens when reported.
		OutputTokens int `json:"output_tokens"`
		// DurationMS is the call wall-clock time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
		// StopReason is the provider's termination reason.
		StopReason string `json:"stop_reason,omitempty"`
	}

	// GatePassEvent fires when a validation gate accepts an artifact.
	GatePassEvent struct {
		baseEvent
		// Gate names the validation gate (e.g. "schema", "tests").
		Gate string `json:"gate"`
		// ArtifactID identifies the validated artifact.
		ArtifactID string `json:"artifact_id,omitempty"`
	}

	// GateFailEvent fires when a validation gate rejects an artifact.
	GateFailEvent struct {
		baseEvent
		// Gate names the validation gate.
		Gate string `json:"gate"`
		// ArtifactID identifies the rejected artifact.
		ArtifactID string `json:"artifact_id,omitempty"`
		// Detail describes the failure.
		Detail string `json:"detail,omitempty"`
	}

	// SignalEvent fires when a named signal is raised.
	SignalEvent struct {
		baseEvent
		// Name is the signal name.
		Name string `json:"name"`
		// Payload carries optional signal data.
		Payload any `json:"payload,omitempty"`
	}

	// SignalRouteEvent fires when a signal is routed to a handler.
	SignalRouteEvent struct {
		baseEvent
		// Name is the signal name.
		Name string `json:"name"`
		// Target identifies the handler the signal was routed to.
		Target string `json:"target"`
	}

	// ReliabilityWarningEvent fires on suspicious but recoverable behavior.
	ReliabilityWarningEvent struct {
		baseEvent
		// Kind classifies the warning (e.g. "trust_denied",
		// "malformed_response").
		Kind string `json:"kind"`
		// Detail describes the observation.
		Detail string `json:"detail"`
		// ToolName identifies the tool involved, if any.
		ToolName string `json:"tool_name,omitempty"`
	}

	// ReliabilityHallucinationEvent fires when a model claim contradicts
	// observed state.
	ReliabilityHallucinationEvent struct {
		baseEvent
		// Claim is the model's assertion.
		Claim string `json:"claim"`
		// Evidence describes the contradicting observation.
		Evidence string `json:"evidence,omitempty"`
	}

	// ErrorEvent fires once per surfaced error.
	ErrorEvent struct {
		baseEvent
		// Kind is the error taxonomy kind (e.g. "cycle_detected",
		// "spawn_depth_exceeded").
		Kind string `json:"kind"`
		// Message is the error message.
		Message string `json:"message"`
		// ArtifactID identifies the related artifact, if any.
		ArtifactID string `json:"artifact_id,omitempty"`
		// RunID identifies the related subagent run, if any.
		RunID string `json:"run_id,omitempty"`
		// SuggestedAction optionally advises the caller.
		SuggestedAction string `json:"suggested_action,omitempty"`
	}

	// CompleteEvent fires when a run finishes.
	CompleteEvent struct {
		baseEvent
		// Status is the final run status: "success", "partial", "failed",
		// or "cancelled".
		Status string `json:"status"`
		// Completed counts artifacts built successfully.
		Completed int `json:"completed"`
		// Skipped counts artifacts not executed.
		Skipped int `json:"skipped"`
		// Failed counts artifacts that failed.
		Failed int `json:"failed"`
		// DurationMS is the run wall-clock time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
	}
)

func newBaseEvent(sessionID string) baseEvent {
	return baseEvent{
		sessionID: sessionID,
		timestamp: time.Now(),
	}
}

// SessionID returns the session the event belongs to.
func (e baseEvent) SessionID() string { return e.sessionID }

// Seq returns the per-session sequence assigned at publish time.
func (e baseEvent) Seq() uint64 { return e.seq }

// Timestamp returns the event creation time.
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// setSeq is called by the bus when the event is published. Pointer receiver
// so the assignment is visible through the Event interface value.
func (e *baseEvent) setSeq(n uint64) { e.seq = n }

// restore rehydrates the base fields from a decoded wire envelope.
func (e *baseEvent) restore(sessionID string, seq uint64, ts time.Time) {
	e.sessionID = sessionID
	e.seq = seq
	e.timestamp = ts
}

// NewPlanCandidateStartEvent constructs a PlanCandidateStartEvent.
func NewPlanCandidateStartEvent(sessionID, goal string, total int, strategy string) *PlanCandidateStartEvent {
	return &PlanCandidateStartEvent{
		baseEvent:        newBaseEvent(sessionID),
		Goal:             goal,
		TotalCandidates:  total,
		VarianceStrategy: strategy,
	}
}

// NewPlanCandidateGeneratedEvent constructs a PlanCandidateGeneratedEvent.
// err may be nil for successful candidates.
func NewPlanCandidateGeneratedEvent(sessionID, candidateID string, artifacts, depth int, score float64, err error) *PlanCandidateGeneratedEvent {
	ev := &PlanCandidateGeneratedEvent{
		baseEvent:     newBaseEvent(sessionID),
		CandidateID:   candidateID,
		ArtifactCount: artifacts,
		Depth:         depth,
		Score:         score,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// NewPlanCandidatesCompleteEvent constructs a PlanCandidatesCompleteEvent.
func NewPlanCandidatesCompleteEvent(sessionID string, succeeded, failed int) *PlanCandidatesCompleteEvent {
	return &PlanCandidatesCompleteEvent{
		baseEvent: newBaseEvent(sessionID),
		Succeeded: succeeded,
		Failed:    failed,
	}
}

// NewPlanWinnerEvent constructs a PlanWinnerEvent.
func NewPlanWinnerEvent(sessionID, candidateID string, score float64, metrics map[string]float64, reason string) *PlanWinnerEvent {
	return &PlanWinnerEvent{
		baseEvent:           newBaseEvent(sessionID),
		SelectedCandidateID: candidateID,
		Score:               score,
		Metrics:             metrics,
		Reason:              reason,
	}
}

// NewExecutionPlanComputedEvent constructs an ExecutionPlanComputedEvent.
// SkipPercent is derived from the counts.
func NewExecutionPlanComputedEvent(sessionID string, total, toExecute, toSkip, waves int) *ExecutionPlanComputedEvent {
	var pct float64
	if total > 0 {
		pct = float64(toSkip) / float64(total) * 100
	}
	return &ExecutionPlanComputedEvent{
		baseEvent:      newBaseEvent(sessionID),
		TotalArtifacts: total,
		ToExecute:      toExecute,
		ToSkip:         toSkip,
		SkipPercent:    pct,
		Waves:          waves,
	}
}

// NewArtifactCacheHitEvent constructs an ArtifactCacheHitEvent.
func NewArtifactCacheHitEvent(sessionID, artifactID, inputHash, outputHash string) *ArtifactCacheHitEvent {
	return &ArtifactCacheHitEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		InputHash:  inputHash,
		OutputHash: outputHash,
	}
}

// NewArtifactCacheMissEvent constructs an ArtifactCacheMissEvent.
func NewArtifactCacheMissEvent(sessionID, artifactID, inputHash string) *ArtifactCacheMissEvent {
	return &ArtifactCacheMissEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		InputHash:  inputHash,
	}
}

// NewArtifactHashComputedEvent constructs an ArtifactHashComputedEvent.
func NewArtifactHashComputedEvent(sessionID, artifactID, inputHash, outputHash string) *ArtifactHashComputedEvent {
	return &ArtifactHashComputedEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		InputHash:  inputHash,
		OutputHash: outputHash,
	}
}

// NewArtifactSkippedEvent constructs an ArtifactSkippedEvent.
func NewArtifactSkippedEvent(sessionID, artifactID, reason string) *ArtifactSkippedEvent {
	return &ArtifactSkippedEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		Reason:     reason,
	}
}

// NewTaskStartEvent constructs a TaskStartEvent.
func NewTaskStartEvent(sessionID, artifactID, description string, wave int, runID string) *TaskStartEvent {
	return &TaskStartEvent{
		baseEvent:   newBaseEvent(sessionID),
		ArtifactID:  artifactID,
		Description: description,
		Wave:        wave,
		RunID:       runID,
	}
}

// NewTaskCompleteEvent constructs a TaskCompleteEvent.
func NewTaskCompleteEvent(sessionID, artifactID, runID string, duration time.Duration, outputHash string) *TaskCompleteEvent {
	return &TaskCompleteEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		RunID:      runID,
		DurationMS: duration.Milliseconds(),
		OutputHash: outputHash,
	}
}

// NewTaskErrorEvent constructs a TaskErrorEvent.
func NewTaskErrorEvent(sessionID, artifactID, runID string, err error, kind string) *TaskErrorEvent {
	ev := &TaskErrorEvent{
		baseEvent:  newBaseEvent(sessionID),
		ArtifactID: artifactID,
		RunID:      runID,
		Kind:       kind,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// NewToolStartEvent constructs a ToolStartEvent.
func NewToolStartEvent(sessionID, toolName, callID string, payload any) *ToolStartEvent {
	return &ToolStartEvent{
		baseEvent: newBaseEvent(sessionID),
		ToolName:  toolName,
		CallID:    callID,
		Payload:   payload,
	}
}

// NewToolCompleteEvent constructs a ToolCompleteEvent.
func NewToolCompleteEvent(sessionID, toolName, callID string, duration time.Duration, output any) *ToolCompleteEvent {
	return &ToolCompleteEvent{
		baseEvent:  newBaseEvent(sessionID),
		ToolName:   toolName,
		CallID:     callID,
		DurationMS: duration.Milliseconds(),
		Output:     output,
	}
}

// NewToolErrorEvent constructs a ToolErrorEvent.
func NewToolErrorEvent(sessionID, toolName, callID string, err error) *ToolErrorEvent {
	ev := &ToolErrorEvent{
		baseEvent: newBaseEvent(sessionID),
		ToolName:  toolName,
		CallID:    callID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// NewSubagentSpawnEvent constructs a SubagentSpawnEvent. The session is the
// parent's; the child session rides in the payload.
func NewSubagentSpawnEvent(parentSessionID, runID, childSessionID, task, label string) *SubagentSpawnEvent {
	return &SubagentSpawnEvent{
		baseEvent:      newBaseEvent(parentSessionID),
		RunID:          runID,
		ChildSessionID: childSessionID,
		Task:           task,
		Label:          label,
	}
}

// NewSubagentStartEvent constructs a SubagentStartEvent.
func NewSubagentStartEvent(sessionID, runID string) *SubagentStartEvent {
	return &SubagentStartEvent{
		baseEvent: newBaseEvent(sessionID),
		RunID:     runID,
	}
}

// NewSubagentHeartbeatEvent constructs a SubagentHeartbeatEvent.
func NewSubagentHeartbeatEvent(sessionID, runID string, progress float64, status string) *SubagentHeartbeatEvent {
	return &SubagentHeartbeatEvent{
		baseEvent:     newBaseEvent(sessionID),
		RunID:         runID,
		Progress:      progress,
		StatusMessage: status,
	}
}

// NewSubagentCompleteEvent constructs a SubagentCompleteEvent.
func NewSubagentCompleteEvent(sessionID, runID, outcome, errMsg string, duration time.Duration) *SubagentCompleteEvent {
	return &SubagentCompleteEvent{
		baseEvent:  newBaseEvent(sessionID),
		RunID:      runID,
		Outcome:    outcome,
		Error:      errMsg,
		DurationMS: duration.Milliseconds(),
	}
}

// NewModelCompleteEvent constructs a ModelCompleteEvent.
func NewModelCompleteEvent(sessionID, modelID string, inputTokens, outputTokens int, duration time.Duration, stopReason string) *ModelCompleteEvent {
	return &ModelCompleteEvent{
		baseEvent:    newBaseEvent(sessionID),
		Model:        modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		DurationMS:   duration.Milliseconds(),
		StopReason:   stopReason,
	}
}

// NewGatePassEvent constructs a GatePassEvent.
func NewGatePassEvent(sessionID, gate, artifactID string) *GatePassEvent {
	return &GatePassEvent{
		baseEvent:  newBaseEvent(sessionID),
		Gate:       gate,
		ArtifactID: artifactID,
	}
}

// NewGateFailEvent constructs a GateFailEvent.
func NewGateFailEvent(sessionID, gate, artifactID, detail string) *GateFailEvent {
	return &GateFailEvent{
		baseEvent:  newBaseEvent(sessionID),
		Gate:       gate,
		ArtifactID: artifactID,
		Detail:     detail,
	}
}

// NewSignalEvent constructs a SignalEvent.
func NewSignalEvent(sessionID, name string, payload any) *SignalEvent {
	return &SignalEvent{
		baseEvent: newBaseEvent(sessionID),
		Name:      name,
		Payload:   payload,
	}
}

// NewSignalRouteEvent constructs a SignalRouteEvent.
func NewSignalRouteEvent(sessionID, name, target string) *SignalRouteEvent {
	return &SignalRouteEvent{
		baseEvent: newBaseEvent(sessionID),
		Name:      name,
		Target:    target,
	}
}

// NewReliabilityWarningEvent constructs a ReliabilityWarningEvent.
func NewReliabilityWarningEvent(sessionID, kind, detail, toolName string) *ReliabilityWarningEvent {
	return &ReliabilityWarningEvent{
		baseEvent: newBaseEvent(sessionID),
		Kind:      kind,
		Detail:    detail,
		ToolName:  toolName,
	}
}

// NewReliabilityHallucinationEvent constructs a ReliabilityHallucinationEvent.
func NewReliabilityHallucinationEvent(sessionID, claim, evidence string) *ReliabilityHallucinationEvent {
	return &ReliabilityHallucinationEvent{
		baseEvent: newBaseEvent(sessionID),
		Claim:     claim,
		Evidence:  evidence,
	}
}

// NewErrorEvent constructs an ErrorEvent.
func NewErrorEvent(sessionID, kind, message, artifactID, runID, suggestedAction string) *ErrorEvent {
	return &ErrorEvent{
		baseEvent:       newBaseEvent(sessionID),
		Kind:            kind,
		Message:         message,
		ArtifactID:      artifactID,
		RunID:           runID,
		SuggestedAction: suggestedAction,
	}
}

// NewCompleteEvent constructs a CompleteEvent.
func NewCompleteEvent(sessionID, status string, completed, skipped, failed int, duration time.Duration) *CompleteEvent {
	return &CompleteEvent{
		baseEvent:  newBaseEvent(sessionID),
		Status:     status,
		Completed:  completed,
		Skipped:    skipped,
		Failed:     failed,
		DurationMS: duration.Milliseconds(),
	}
}

// Type method implementations

func (e *PlanCandidateStartEvent) Type() EventType       { return PlanCandidateStart }
func (e *PlanCandidateGeneratedEvent) Type() EventType   { return PlanCandidateGenerated }
func (e *PlanCandidatesCompleteEvent) Type() EventType   { return PlanCandidatesComplete }
func (e *PlanWinnerEvent) Type() EventType               { return PlanWinner }
func (e *ExecutionPlanComputedEvent) Type() EventType    { return ExecutionPlanComputed }
func (e *ArtifactCacheHitEvent) Type() EventType         { return ArtifactCacheHit }
func (e *ArtifactCacheMissEvent) Type() EventType        { return ArtifactCacheMiss }
func (e *ArtifactHashComputedEvent) Type() EventType     { return ArtifactHashComputed }
func (e *ArtifactSkippedEvent) Type() EventType          { return ArtifactSkipped }
func (e *TaskStartEvent) Type() EventType                { return TaskStart }
func (e *TaskCompleteEvent) Type() EventType             { return TaskComplete }
func (e *TaskErrorEvent) Type() EventType                { return TaskError }
func (e *ToolStartEvent) Type() EventType                { return ToolStart }
func (e *ToolCompleteEvent) Type() EventType             { return ToolComplete }
func (e *ToolErrorEvent) Type() EventType                { return ToolError }
func (e *SubagentSpawnEvent) Type() EventType            { return SubagentSpawn }
func (e *SubagentStartEvent) Type() EventType            { return SubagentStart }
func (e *SubagentHeartbeatEvent) Type() EventType        { return SubagentHeartbeat }
func (e *SubagentCompleteEvent) Type() EventType         { return SubagentComplete }
func (e *ModelCompleteEvent) Type() EventType            { return ModelComplete }
func (e *GatePassEvent) Type() EventType                 { return GatePass }
func (e *GateFailEvent) Type() EventType                 { return GateFail }
func (e *SignalEvent) Type() EventType                   { return Signal }
func (e *SignalRouteEvent) Type() EventType              { return SignalRoute }
func (e *ReliabilityWarningEvent) Type() EventType       { return ReliabilityWarning }
func (e *ReliabilityHallucinationEvent) Type() EventType { return ReliabilityHallucination }
func (e *ErrorEvent) Type() EventType                    { return Error }
func (e *CompleteEvent) Type() EventType                 { return Complete }
