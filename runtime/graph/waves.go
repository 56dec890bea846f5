package graph

import "sort"

// ExecutionWaves validates the graph and returns its deterministic
// topological layering. Wave n contains the artifacts whose dependencies all
// live in waves < n; within a wave, IDs are sorted lexicographically. The
// same graph always yields the same waves.
func (g *Graph) ExecutionWaves() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	deps, dependents, _ := g.adjacency()
	return g.layer(deps, dependents), nil
}

// layer runs Kahn's algorithm over a validated (acyclic, fully resolved)
// graph, emitting each in-degree-zero frontier as one wave.
func (g *Graph) layer(deps, dependents map[string][]string) [][]string {
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indeg[id] = len(deps[id])
	}
	frontier := make([]string, 0)
	for _, id := range g.order {
		if indeg[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	var waves [][]string
	for len(frontier) > 0 {
		sort.Strings(frontier)
		wave := frontier
		waves = append(waves, wave)
		frontier = nil
		for _, id := range wave {
			for _, dep := range dependents[id] {
				indeg[dep]--
				if indeg[dep] == 0 {
					frontier = append(frontier, dep)
				}
			}
		}
	}
	return waves
}

// Roots returns the artifacts with no dependencies, sorted. These form wave
// zero of any execution.
func (g *Graph) Roots() []string {
	deps, _, _ := g.adjacency()
	var out []string
	for _, id := range g.order {
		if len(deps[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Leaves returns the artifacts nothing depends on, sorted. A plan that
// converges has a single leaf.
func (g *Graph) Leaves() []string {
	_, dependents, _ := g.adjacency()
	var out []string
	for _, id := range g.order {
		if len(dependents[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MaxDepth returns the length of the longest dependency chain, which equals
// the number of execution waves. Zero for an empty graph.
func (g *Graph) MaxDepth() int {
	deps, dependents, _ := g.adjacency()
	if g.findCycle(deps) != nil {
		return 0
	}
	return len(g.layer(deps, dependents))
}

// Depth returns the zero-based wave index the artifact executes in, or -1 if
// the artifact is unknown or the graph is cyclic.
func (g *Graph) Depth(id string) int {
	if _, ok := g.artifacts[id]; !ok {
		return -1
	}
	deps, dependents, _ := g.adjacency()
	if g.findCycle(deps) != nil {
		return -1
	}
	for i, wave := range g.layer(deps, dependents) {
		for _, wid := range wave {
			if wid == id {
				return i
			}
		}
	}
	return -1
}

// ModelTier selects the model capacity for building the artifact, derived
// deterministically from graph structure: artifacts with no dependencies are
// self-contained and map to the small tier, heavily converging artifacts
// (three or more dependencies) map to the large tier, everything else is
// medium.
func (g *Graph) ModelTier(id string) Tier {
	deps, _, _ := g.adjacency()
	switch n := len(deps[id]); {
	case n >= 3:
		return TierLarge
	case n == 0:
		return TierSmall
	default:
		return TierMedium
	}
}
