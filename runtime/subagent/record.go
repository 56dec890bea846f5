// Package subagent tracks spawned subagent runs: lifecycle records with
// heartbeats, a mutex-owned registry enforcing global depth and concurrency
// limits, batch spawn/await coordination and optional snapshot persistence.
//
// The registry is the single owning authority for run state. A "cancelled"
// run is a logical mark: the registry flags the record and fires any bound
// cancellation handle; it never kills external processes.
package subagent

import "time"

// Outcome is the terminal result of a subagent run.
type Outcome string

const (
	// OutcomeOK marks a run that completed successfully.
	OutcomeOK Outcome = "ok"

	// OutcomeError marks a run that failed.
	OutcomeError Outcome = "error"

	// OutcomeTimeout marks a run abandoned at an await deadline.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeCancelled marks a run cancelled by its parent or by stale
	// detection.
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is one of the four terminal outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeOK, OutcomeError, OutcomeTimeout, OutcomeCancelled:
		return true
	}
	return false
}

// CleanupPolicy controls whether a terminal record is eligible for GC.
type CleanupPolicy string

const (
	// CleanupDelete allows CleanupCompleted to remove the record once it is
	// terminal and old enough.
	CleanupDelete CleanupPolicy = "delete"

	// CleanupKeep pins the record; it survives GC for audit.
	CleanupKeep CleanupPolicy = "keep"
)

// DefaultHeartbeatInterval is the expected gap between liveness reports when
// the spawner does not override it.
const DefaultHeartbeatInterval = 30 * time.Second

// Record is the lifecycle record for one spawned subagent. Records move
// PENDING -> RUNNING -> COMPLETE; heartbeats only update running records.
// Field tags define the persisted snapshot shape.
type Record struct {
	RunID           string        `json:"run_id"`
	ChildSessionID  string        `json:"child_session_id"`
	ParentSessionID string        `json:"parent_session_id"`
	Task            string        `json:"task"`
	Cleanup         CleanupPolicy `json:"cleanup_policy"`
	Label           string        `json:"label,omitempty"`

	// SpawnDepth is the recursion depth of this run: direct children of a
	// root session are depth 1.
	SpawnDepth int `json:"spawn_depth"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Outcome is empty until the run reaches a terminal state.
	Outcome      Outcome `json:"outcome,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// LastHeartbeat is the most recent liveness report; MarkStarted seeds it
	// so a fresh run is never stale.
	LastHeartbeat            *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatIntervalSeconds float64    `json:"heartbeat_interval_seconds"`

	// Progress is the reported completion fraction in [0,1].
	Progress      float64 `json:"progress"`
	StatusMessage string  `json:"status_message,omitempty"`
}

// IsPending reports whether the run has been registered but not started.
func (r *Record) IsPending() bool { return r.StartedAt == nil && r.Outcome == "" }

// IsRunning reports whether the run has started and has no outcome yet.
func (r *Record) IsRunning() bool { return r.StartedAt != nil && r.Outcome == "" }

// IsComplete reports whether the run reached a terminal outcome.
func (r *Record) IsComplete() bool { return r.Outcome != "" }

// HeartbeatInterval returns the expected heartbeat gap as a duration.
func (r *Record) HeartbeatInterval() time.Duration {
	if r.HeartbeatIntervalSeconds <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(r.HeartbeatIntervalSeconds * float64(time.Second))
}

// SecondsSinceHeartbeat returns the age of the last liveness signal at now.
// Returns -1 for runs that never started.
func (r *Record) SecondsSinceHeartbeat(now time.Time) float64 {
	base := r.LastHeartbeat
	if base == nil {
		base = r.StartedAt
	}
	if base == nil {
		return -1
	}
	return now.Sub(*base).Seconds()
}

// IsStale reports whether a running record has gone silent for more than
// twice its heartbeat interval. Pending and complete records are never
// stale.
func (r *Record) IsStale(now time.Time) bool {
	if !r.IsRunning() {
		return false
	}
	age := r.SecondsSinceHeartbeat(now)
	return age > 2*r.HeartbeatInterval().Seconds()
}

// Duration returns the run wall-clock time, zero while pending or running
// without an end time.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

func (r *Record) clone() *Record {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.LastHeartbeat != nil {
		t := *r.LastHeartbeat
		c.LastHeartbeat = &t
	}
	return &c
}
