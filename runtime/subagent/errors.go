package subagent

import "fmt"

type (
	// SpawnDepthError is returned when a spawn would exceed the maximum
	// subagent recursion depth. No records are created.
	SpawnDepthError struct {
		// ParentSessionID is the session that attempted the spawn.
		ParentSessionID string
		// Depth is the parent's spawn depth.
		Depth int
		// Limit is the configured maximum depth.
		Limit int
	}

	// ConcurrencyLimitError is returned when a spawn would push the number
	// of live subagents past the global limit. Callers fail fast rather
	// than block.
	ConcurrencyLimitError struct {
		// Active is the number of live (pending or running) subagents.
		Active int
		// Requested is the batch size of the rejected spawn.
		Requested int
		// Limit is the configured maximum.
		Limit int
	}

	// NotFoundError is returned for operations on an unknown run ID.
	NotFoundError struct {
		RunID string
	}
)

// Error returns the error message.
func (e *SpawnDepthError) Error() string {
	return fmt.Sprintf("subagent: parent session %q at spawn depth %d, limit is %d", e.ParentSessionID, e.Depth, e.Limit)
}

// ErrorKind returns the stable error kind identifier.
func (e *SpawnDepthError) ErrorKind() string { return "spawn_depth_exceeded" }

// Error returns the error message.
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("subagent: %d active + %d requested exceeds concurrency limit %d", e.Active, e.Requested, e.Limit)
}

// ErrorKind returns the stable error kind identifier.
func (e *ConcurrencyLimitError) ErrorKind() string { return "concurrency_limit_exceeded" }

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("subagent: unknown run %q", e.RunID)
}

// ErrorKind returns the stable error kind identifier.
func (e *NotFoundError) ErrorKind() string { return "subagent_not_found" }
