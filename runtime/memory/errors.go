package memory

import "fmt"

type (
	// MalformedEntryError reports a journal line that does not parse as a
	// learning entry. Loading skips the line and continues; the error is
	// surfaced through logs and load reports, never as a hard failure.
	MalformedEntryError struct {
		// Line is the 1-based journal line number.
		Line int
		// Err is the parse failure.
		Err error
	}

	// CorruptEntryError reports a learning cache row that cannot be decoded.
	CorruptEntryError struct {
		// ID is the learning ID when known.
		ID string
		// Err is the decode failure.
		Err error
	}

	// SnapshotError reports an unreadable persistence snapshot such as the
	// briefing file.
	SnapshotError struct {
		// Path is the snapshot location.
		Path string
		// Err is the read or decode failure.
		Err error
	}
)

// Error returns the error message.
func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("memory: journal line %d malformed: %v", e.Line, e.Err)
}

// ErrorKind returns the stable error kind identifier.
func (e *MalformedEntryError) ErrorKind() string { return "malformed_entry" }

// Unwrap returns the underlying parse failure.
func (e *MalformedEntryError) Unwrap() error { return e.Err }

// Error returns the error message.
func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("memory: learning %q corrupt: %v", e.ID, e.Err)
}

// ErrorKind returns the stable error kind identifier.
func (e *CorruptEntryError) ErrorKind() string { return "corrupt_entry" }

// Unwrap returns the underlying decode failure.
func (e *CorruptEntryError) Unwrap() error { return e.Err }

// Error returns the error message.
func (e *SnapshotError) Error() string {
	return fmt.Sprintf("memory: snapshot %s unreadable: %v", e.Path, e.Err)
}

// ErrorKind returns the stable error kind identifier.
func (e *SnapshotError) ErrorKind() string { return "snapshot_unreadable" }

// Unwrap returns the underlying failure.
func (e *SnapshotError) Unwrap() error { return e.Err }
