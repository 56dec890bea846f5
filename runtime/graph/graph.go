package graph

import (
	"sort"
)

type (
	// Graph is a collection of artifacts with adjacency derived from
	// Requires/Produces. Zero value is not usable; construct with New.
	//
	// Graph is not safe for concurrent mutation. Build it fully, then share
	// it read-only; the executor and planner only read.
	Graph struct {
		artifacts map[string]*Artifact
		order     []string
		external  map[string]struct{}
	}

	// Option customizes graph construction.
	Option func(*Graph)
)

// WithExternal declares inputs that exist before the run (files on disk,
// prior artifacts in memory). Requires entries naming them resolve without a
// producer instead of failing validation.
func WithExternal(names ...string) Option {
	return func(g *Graph) {
		for _, n := range names {
			g.external[n] = struct{}{}
		}
	}
}

// New constructs an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		artifacts: make(map[string]*Artifact),
		external:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add inserts an artifact, enforcing per-node invariants: non-empty unique
// ID and Requires disjoint from Produces. Whole-graph invariants (dangling
// requirements, cycles, file conflicts) are checked by Validate.
func (g *Graph) Add(a *Artifact) error {
	if a == nil {
		return &InvalidArtifactError{Reason: "artifact is nil"}
	}
	if a.ID == "" {
		return &InvalidArtifactError{Reason: "empty id"}
	}
	if _, ok := g.artifacts[a.ID]; ok {
		return &DuplicateArtifactError{ID: a.ID}
	}
	produced := make(map[string]struct{}, len(a.Produces)+1)
	produced[a.ID] = struct{}{}
	for _, p := range a.Produces {
		produced[p] = struct{}{}
	}
	for _, r := range a.Requires {
		if _, ok := produced[r]; ok {
			return &InvalidArtifactError{ID: a.ID, Reason: "requires its own output " + r}
		}
	}
	g.artifacts[a.ID] = a.clone()
	g.order = append(g.order, a.ID)
	return nil
}

// Len returns the number of artifacts.
func (g *Graph) Len() int { return len(g.artifacts) }

// IDs returns artifact IDs in insertion order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Artifact returns a copy of the artifact with the given ID.
func (g *Graph) Artifact(id string) (*Artifact, bool) {
	a, ok := g.artifacts[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Artifacts returns copies of all artifacts in insertion order.
func (g *Graph) Artifacts() []*Artifact {
	out := make([]*Artifact, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.artifacts[id].clone())
	}
	return out
}

// producers maps each logical output name to the artifacts that produce it,
// in insertion order. Artifact IDs themselves are implicit producers.
func (g *Graph) producers() map[string][]string {
	m := make(map[string][]string)
	for _, id := range g.order {
		for _, p := range g.artifacts[id].Produces {
			m[p] = append(m[p], id)
		}
	}
	return m
}

// adjacency resolves Requires entries into dependency edges. deps maps
// artifact ID to its sorted, deduplicated dependency IDs; dependents is the
// reverse. Unresolvable entries are collected in dangling rather than
// failing, so cycle detection can run on partially valid graphs.
func (g *Graph) adjacency() (deps, dependents map[string][]string, dangling []DanglingDependencyError) {
	prods := g.producers()
	deps = make(map[string][]string, len(g.order))
	dependents = make(map[string][]string, len(g.order))
	for _, id := range g.order {
		seen := make(map[string]struct{})
		for _, r := range g.artifacts[id].Requires {
			switch {
			case len(prods[r]) > 0:
				for _, p := range prods[r] {
					seen[p] = struct{}{}
				}
			default:
				if _, ok := g.artifacts[r]; ok {
					seen[r] = struct{}{}
				} else if _, ok := g.external[r]; !ok {
					dangling = append(dangling, DanglingDependencyError{ArtifactID: id, Requirement: r})
				}
			}
		}
		ds := make([]string, 0, len(seen))
		for d := range seen {
			ds = append(ds, d)
		}
		sort.Strings(ds)
		deps[id] = ds
		for _, d := range ds {
			dependents[d] = append(dependents[d], id)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}
	return deps, dependents, dangling
}

// DependenciesOf returns the resolved dependency IDs of the artifact, sorted.
func (g *Graph) DependenciesOf(id string) []string {
	deps, _, _ := g.adjacency()
	return deps[id]
}

// DependentsOf returns the IDs of artifacts that depend on the given one,
// sorted.
func (g *Graph) DependentsOf(id string) []string {
	_, dependents, _ := g.adjacency()
	return dependents[id]
}

// DetectCycle reports whether the graph contains a dependency cycle.
func (g *Graph) DetectCycle() bool {
	deps, _, _ := g.adjacency()
	return g.findCycle(deps) != nil
}

// findCycle runs an iterative DFS with three-color marking and returns the
// cycle path (first node repeated last), or nil for acyclic graphs. Start
// nodes are visited in insertion order so the reported cycle is
// deterministic.
func (g *Graph) findCycle(deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	parent := make(map[string]string, len(g.order))

	var walk func(id string) []string
	walk = func(id string) []string {
		color[id] = gray
		for _, d := range deps[id] {
			switch color[d] {
			case white:
				parent[d] = id
				if path := walk(d); path != nil {
					return path
				}
			case gray:
				// Back edge: unwind from id to d to reconstruct the cycle.
				path := []string{d}
				for cur := id; ; cur = parent[cur] {
					path = append(path, cur)
					if cur == d {
						break
					}
				}
				// Reverse into forward order.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if path := walk(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// Validate checks the whole-graph invariants in deterministic order:
// dangling requirements, cycles, output-file conflicts, and per-wave
// modifies overlaps. A nil return means ExecutionWaves will succeed.
func (g *Graph) Validate() error {
	deps, dependents, dangling := g.adjacency()
	if len(dangling) > 0 {
		return &dangling[0]
	}
	if path := g.findCycle(deps); path != nil {
		return &CycleError{Path: path}
	}
	if err := g.producesFileConflicts(dependents); err != nil {
		return err
	}
	waves := g.layer(deps, dependents)
	return g.wavesModifiesConflict(waves)
}

// producesFileConflicts rejects two artifacts targeting the same output file
// unless they belong to different parallel groups and one transitively
// depends on the other (sequenced phases of the same file).
func (g *Graph) producesFileConflicts(dependents map[string][]string) error {
	byFile := make(map[string][]string)
	for _, id := range g.order {
		if f := g.artifacts[id].ProducesFile; f != "" {
			byFile[f] = append(byFile[f], id)
		}
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		ids := byFile[f]
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := g.artifacts[ids[i]], g.artifacts[ids[j]]
				sequenced := g.reachable(ids[i], ids[j], dependents) || g.reachable(ids[j], ids[i], dependents)
				distinctGroups := a.ParallelGroup != b.ParallelGroup || a.ParallelGroup == ""
				if sequenced && distinctGroups {
					continue
				}
				return &FileConflictError{ArtifactA: ids[i], ArtifactB: ids[j], Path: f}
			}
		}
	}
	return nil
}

// wavesModifiesConflict rejects overlapping Modifies sets within a single
// wave: such artifacts would race on the same file.
func (g *Graph) wavesModifiesConflict(waves [][]string) error {
	for _, wave := range waves {
		owner := make(map[string]string)
		for _, id := range wave {
			for _, path := range g.artifacts[id].Modifies {
				if prev, ok := owner[path]; ok {
					return &FileConflictError{ArtifactA: prev, ArtifactB: id, Path: path}
				}
				owner[path] = id
			}
		}
	}
	return nil
}

// reachable reports whether to is reachable from from by following dependent
// edges.
func (g *Graph) reachable(from, to string, dependents map[string][]string) bool {
	if from == to {
		return false
	}
	seen := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return false
}
