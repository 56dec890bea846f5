package graph

import (
	"fmt"
	"strings"
)

// DuplicateArtifactError reports an Add with an ID already present in the
// graph. Structural: the plan is malformed and must be regenerated.
type DuplicateArtifactError struct {
	// ID is the conflicting artifact identifier.
	ID string
}

// Error implements the error interface.
func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("graph: duplicate artifact id %q", e.ID)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *DuplicateArtifactError) ErrorKind() string { return "duplicate_artifact_id" }

// InvalidArtifactError reports an artifact that violates a per-node
// invariant, such as an empty ID or an output listed among its own inputs.
type InvalidArtifactError struct {
	// ID is the offending artifact, possibly empty.
	ID string
	// Reason describes the violated invariant.
	Reason string
}

// Error implements the error interface.
func (e *InvalidArtifactError) Error() string {
	return fmt.Sprintf("graph: invalid artifact %q: %s", e.ID, e.Reason)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *InvalidArtifactError) ErrorKind() string { return "invalid_artifact" }

// CycleError reports a dependency cycle. Path holds the artifact IDs along
// the cycle, first repeated last.
type CycleError struct {
	// Path is the cycle, e.g. ["a", "b", "a"].
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// ErrorKind returns the taxonomy kind for error events.
func (e *CycleError) ErrorKind() string { return "cycle_detected" }

// DanglingDependencyError reports a requires entry that names neither an
// artifact in the graph nor a declared external input.
type DanglingDependencyError struct {
	// ArtifactID is the artifact with the unresolvable requirement.
	ArtifactID string
	// Requirement is the unresolved name.
	Requirement string
}

// Error implements the error interface.
func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("graph: artifact %q requires %q which nothing produces", e.ArtifactID, e.Requirement)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *DanglingDependencyError) ErrorKind() string { return "dangling_dependency" }

// FileConflictError reports two artifacts that could write the same file
// concurrently: either identical ProducesFile without a sequencing
// dependency, or overlapping Modifies within one execution wave.
type FileConflictError struct {
	// ArtifactA and ArtifactB are the conflicting artifacts.
	ArtifactA string
	ArtifactB string
	// Path is the contested file path.
	Path string
}

// Error implements the error interface.
func (e *FileConflictError) Error() string {
	return fmt.Sprintf("graph: artifacts %q and %q conflict on %q", e.ArtifactA, e.ArtifactB, e.Path)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *FileConflictError) ErrorKind() string { return "file_conflict" }
