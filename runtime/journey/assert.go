package journey

import (
	"encoding/json"
	"path"
	"reflect"
	"strings"
)

// The assertion surface lets journeys state expectations over observed
// outcomes (calls made, files touched, gates passed) rather than over
// code paths. TurnSnapshot methods scope one turn; the Recorder methods
// of the same names span the whole journey including the turn in
// progress.

// HasToolCall reports whether a tool matching name was invoked this turn.
// The name may be a path.Match glob ("fs.*").
func (s TurnSnapshot) HasToolCall(name string) bool {
	for _, c := range s.ToolCalls {
		if globMatch(name, c.Name) {
			return true
		}
	}
	return false
}

// ToolCallArgsMatch reports whether a call to a tool matching name carried
// every argument in partial. String expectations may be globs, nested
// objects match partially, and numbers compare across widths; anything
// else must be equal. A nil partial matches any call to the tool.
func (s TurnSnapshot) ToolCallArgsMatch(name string, partial map[string]any) bool {
	for _, c := range s.ToolCalls {
		if globMatch(name, c.Name) && argsMatch(partial, c.Args) {
			return true
		}
	}
	return false
}

// HasFileChange reports whether a file matching pattern was changed this
// turn. The pattern is tried against the full path and against its base
// name, so "*.go" matches Go files in any directory.
func (s TurnSnapshot) HasFileChange(pattern string) bool {
	for _, fc := range s.FileChanges {
		if globMatch(pattern, fc.Path) || globMatch(pattern, path.Base(fc.Path)) {
			return true
		}
	}
	return false
}

// OutputContains reports whether any tool output this turn contains
// substr.
func (s TurnSnapshot) OutputContains(substr string) bool {
	for _, out := range s.Outputs {
		if strings.Contains(out, substr) {
			return true
		}
	}
	return false
}

// ValidationPassed reports whether validation ran and nothing failed:
// with a gate name only that gate's results count, empty counts them all.
// A gate that never ran does not pass.
func (s TurnSnapshot) ValidationPassed(gate string) bool {
	seen, failed := s.gateOutcome(gate)
	return seen && !failed
}

func (s TurnSnapshot) gateOutcome(gate string) (seen, failed bool) {
	for _, g := range s.Gates {
		if gate != "" && g.Gate != gate {
			continue
		}
		seen = true
		if !g.Passed {
			failed = true
		}
	}
	return seen, failed
}

// HasReliabilityIssue reports whether a reliability issue of the given
// kind was observed this turn; empty matches any kind.
func (s TurnSnapshot) HasReliabilityIssue(kind string) bool {
	for _, issue := range s.Reliability {
		if kind == "" || issue.Kind == kind {
			return true
		}
	}
	return false
}

// HasToolCall reports whether any turn of the journey called a tool
// matching name.
func (r *Recorder) HasToolCall(name string) bool {
	for _, s := range r.snapshots() {
		if s.HasToolCall(name) {
			return true
		}
	}
	return false
}

// ToolCallArgsMatch reports whether any turn of the journey called a tool
// matching name with arguments matching partial.
func (r *Recorder) ToolCallArgsMatch(name string, partial map[string]any) bool {
	for _, s := range r.snapshots() {
		if s.ToolCallArgsMatch(name, partial) {
			return true
		}
	}
	return false
}

// HasFileChange reports whether any turn of the journey changed a file
// matching pattern.
func (r *Recorder) HasFileChange(pattern string) bool {
	for _, s := range r.snapshots() {
		if s.HasFileChange(pattern) {
			return true
		}
	}
	return false
}

// OutputContains reports whether any tool output in the journey contains
// substr.
func (r *Recorder) OutputContains(substr string) bool {
	for _, s := range r.snapshots() {
		if s.OutputContains(substr) {
			return true
		}
	}
	return false
}

// ValidationPassed reports whether validation ran during the journey and
// nothing failed, across all turns.
func (r *Recorder) ValidationPassed(gate string) bool {
	var seen, failed bool
	for _, s := range r.snapshots() {
		sSeen, sFailed := s.gateOutcome(gate)
		seen = seen || sSeen
		failed = failed || sFailed
	}
	return seen && !failed
}

// HasReliabilityIssue reports whether any turn of the journey recorded a
// reliability issue of the given kind; empty matches any kind.
func (r *Recorder) HasReliabilityIssue(kind string) bool {
	for _, s := range r.snapshots() {
		if s.HasReliabilityIssue(kind) {
			return true
		}
	}
	return false
}

// globMatch matches s against a path.Match pattern, degrading to string
// equality when the pattern is malformed.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	if err != nil {
		return pattern == s
	}
	return ok
}

// argsMatch reports whether every expectation in partial holds in args.
func argsMatch(partial, args map[string]any) bool {
	for key, want := range partial {
		got, ok := args[key]
		if !ok || !valueMatch(want, got) {
			return false
		}
	}
	return true
}

func valueMatch(want, got any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && globMatch(w, g)
	case map[string]any:
		g, ok := got.(map[string]any)
		return ok && argsMatch(w, g)
	default:
		if nw, ok := asNumber(want); ok {
			ng, ok := asNumber(got)
			return ok && nw == ng
		}
		return reflect.DeepEqual(want, got)
	}
}

// asNumber widens numeric kinds so a literal 2 matches the float64 a JSON
// round trip produces.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
