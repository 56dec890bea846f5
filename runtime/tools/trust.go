package tools

import "fmt"

// TrustLevel is the policy tier controlling which tools the executor will
// invoke. Levels form a strict hierarchy: read_only < workspace < shell. A
// session granted a level may invoke any tool requiring that level or a lower
// one.
type TrustLevel string

const (
	// TrustReadOnly permits tools that only inspect state (file reads,
	// searches, cache lookups).
	TrustReadOnly TrustLevel = "read_only"

	// TrustWorkspace additionally permits tools that mutate files inside the
	// workspace root.
	TrustWorkspace TrustLevel = "workspace"

	// TrustShell additionally permits arbitrary command execution.
	TrustShell TrustLevel = "shell"
)

// rank orders trust levels for comparison. Unknown levels rank below
// read_only so a typo never widens access.
func (l TrustLevel) rank() int {
	switch l {
	case TrustReadOnly:
		return 1
	case TrustWorkspace:
		return 2
	case TrustShell:
		return 3
	default:
		return 0
	}
}

// Allows reports whether a session granted level l may invoke a tool
// requiring the given level.
func (l TrustLevel) Allows(required TrustLevel) bool {
	return l.rank() >= required.rank() && required.rank() > 0
}

// Valid reports whether the level is one of the known tiers.
func (l TrustLevel) Valid() bool {
	return l.rank() > 0
}

// ParseTrustLevel converts a string into a TrustLevel, returning an error for
// unknown values.
func ParseTrustLevel(s string) (TrustLevel, error) {
	l := TrustLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("tools: unknown trust level %q", s)
	}
	return l, nil
}
