// Package graph models the artifact dependency graph produced by planners
// and consumed by the incremental executor. A graph is a validated DAG of
// artifacts; execution proceeds in deterministic topological waves where
// every artifact's dependencies live in earlier waves.
package graph

type (
	// Artifact is an immutable node in the plan: one unit of work producing
	// one or more named outputs.
	Artifact struct {
		// ID is the stable identifier, unique per graph.
		ID string `json:"id"`

		// Description is the natural-language task statement handed to the
		// subagent that builds the artifact.
		Description string `json:"description"`

		// Produces names the logical outputs of this artifact. Other
		// artifacts reference these names in Requires.
		Produces []string `json:"produces,omitempty"`

		// Requires names the inputs: logical artifact names or artifact IDs.
		// Every entry must resolve to a producer in the graph or to an
		// external input declared via WithExternal.
		Requires []string `json:"requires,omitempty"`

		// Modifies lists file paths the artifact may write. Waves are
		// constructed so two concurrently-running artifacts never share a
		// modified path.
		Modifies []string `json:"modifies,omitempty"`

		// ProducesFile is the optional output file path.
		ProducesFile string `json:"produces_file,omitempty"`

		// DomainType is a free-form tag such as "protocol" or "service".
		DomainType string `json:"domain_type,omitempty"`

		// IsContract marks artifacts that purely define an interface and can
		// run alongside their siblings.
		IsContract bool `json:"is_contract,omitempty"`

		// ParallelGroup is an optional phase label used when two artifacts
		// legitimately target the same output file in sequenced phases.
		ParallelGroup string `json:"parallel_group,omitempty"`
	}

	// Tier classifies an artifact by the model capacity its construction
	// warrants. Derived deterministically from graph structure.
	Tier string
)

const (
	// TierSmall suits self-contained artifacts with no dependencies.
	TierSmall Tier = "small"

	// TierMedium is the default tier.
	TierMedium Tier = "medium"

	// TierLarge suits heavily converging artifacts that integrate several
	// upstream outputs.
	TierLarge Tier = "large"
)

// clone returns a deep copy so callers can hold artifact values without
// aliasing graph-internal state.
func (a *Artifact) clone() *Artifact {
	out := *a
	out.Produces = append([]string(nil), a.Produces...)
	out.Requires = append([]string(nil), a.Requires...)
	out.Modifies = append([]string(nil), a.Modifies...)
	return &out
}
