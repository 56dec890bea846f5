package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"sunwell.dev/sunwell/runtime/graph"
)

// DefaultToolStamp identifies the toolchain revision folded into input
// hashes. Bumping it invalidates every cached execution.
const DefaultToolStamp = "sunwell/1"

// hashInput is the canonical payload an input hash is computed over. The
// artifact spec rides along in full so any spec edit changes the identity.
type hashInput struct {
	Artifact  *graph.Artifact `json:"artifact"`
	DepHashes []string        `json:"dep_hashes"`
	ToolStamp string          `json:"tool_stamp"`
}

// InputHash computes the content-addressed identity of one artifact build:
// SHA-256 over the RFC 8785 canonical JSON of the artifact spec, the sorted
// output hashes of its dependencies, and the tool-version stamp. Two builds
// with equal input hashes are expected to produce equal outputs.
func InputHash(art *graph.Artifact, depHashes []string, toolStamp string) (string, error) {
	if toolStamp == "" {
		toolStamp = DefaultToolStamp
	}
	deps := make([]string, len(depHashes))
	copy(deps, depHashes)
	sort.Strings(deps)
	raw, err := json.Marshal(hashInput{Artifact: art, DepHashes: deps, ToolStamp: toolStamp})
	if err != nil {
		return "", fmt.Errorf("executor: marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("executor: canonicalize hash input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// OutputHash returns the SHA-256 hex digest of produced artifact contents.
func OutputHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// GoalHash returns the stable identity of a goal string: lowercased,
// whitespace collapsed and trimmed, then SHA-256. "Build the  API" and
// "build the api" share one identity.
func GoalHash(goal string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(goal)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
