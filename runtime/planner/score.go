package planner

import (
	"strings"

	"sunwell.dev/sunwell/runtime/graph"
)

// autoKeywordThreshold is the number of meaningful goal keywords at which
// auto scoring switches from v1 to v2.
const autoKeywordThreshold = 5

// Metrics is the scoring breakdown for one candidate plan. V1 fields are
// always populated; the v2 fields are zero under v1 scoring.
type Metrics struct {
	// ArtifactCount is the number of artifacts in the plan.
	ArtifactCount int
	// Depth is the number of execution waves.
	Depth int
	// ParallelismFactor rewards shallow plans: (n-depth)/(n-1), 0 for a
	// pure chain, approaching 1 for a fully parallel plan.
	ParallelismFactor float64
	// BalanceFactor is smallest wave over largest wave, 1 when every wave
	// has the same width.
	BalanceFactor float64
	// DepthPenalty is depth/n; a pure chain pays the full unit penalty.
	DepthPenalty float64
	// ConflictPenalty charges for artifact pairs sharing a modified file,
	// which force serialization: pairs/n, capped at 1.
	ConflictPenalty float64
	// ParallelWorkRatio is the fraction of artifacts sitting in waves of
	// two or more.
	ParallelWorkRatio float64
	// WaveVariance is the squared coefficient of variation of wave widths.
	WaveVariance float64
	// KeywordCoverage is the fraction of meaningful goal keywords that
	// appear somewhere in the plan.
	KeywordCoverage float64
	// HasConvergence reports whether the plan funnels into a single final
	// artifact.
	HasConvergence bool
	// Version is the metric set that produced Score: "v1" or "v2".
	Version Scoring
	// Score is the candidate's comparable total.
	Score float64
}

// Map flattens the metrics for the plan_winner event payload.
func (m Metrics) Map() map[string]float64 {
	out := map[string]float64{
		"artifact_count":     float64(m.ArtifactCount),
		"depth":              float64(m.Depth),
		"parallelism_factor": m.ParallelismFactor,
		"balance_factor":     m.BalanceFactor,
		"depth_penalty":      m.DepthPenalty,
		"conflict_penalty":   m.ConflictPenalty,
		"score":              m.Score,
	}
	if m.Version == ScoringV2 {
		out["parallel_work_ratio"] = m.ParallelWorkRatio
		out["wave_variance"] = m.WaveVariance
		out["keyword_coverage"] = m.KeywordCoverage
		out["has_convergence"] = 0
		if m.HasConvergence {
			out["has_convergence"] = 1
		}
	}
	return out
}

// resolveScoring settles auto scoring against the goal: v2 when the goal
// carries enough meaningful keywords to make coverage informative.
func resolveScoring(s Scoring, goal string) Scoring {
	if s != ScoringAuto {
		return s
	}
	if len(goalKeywords(goal)) >= autoKeywordThreshold {
		return ScoringV2
	}
	return ScoringV1
}

// scorePlan computes the metric set for a validated plan. The graph must
// pass Validate; wave computation cannot fail afterwards.
func scorePlan(g *graph.Graph, goal string, version Scoring) Metrics {
	waves, err := g.ExecutionWaves()
	if err != nil {
		return Metrics{Version: version}
	}
	n := g.Len()
	m := Metrics{
		ArtifactCount: n,
		Depth:         len(waves),
		BalanceFactor: 1,
		Version:       version,
	}
	if n == 0 {
		return m
	}
	if n > 1 {
		m.ParallelismFactor = float64(n-len(waves)) / float64(n-1)
	}
	m.DepthPenalty = float64(len(waves)) / float64(n)

	minW, maxW := n, 0
	parallel := 0
	mean := float64(n) / float64(len(waves))
	variance := 0.0
	for _, w := range waves {
		if len(w) < minW {
			minW = len(w)
		}
		if len(w) > maxW {
			maxW = len(w)
		}
		if len(w) >= 2 {
			parallel += len(w)
		}
		d := float64(len(w)) - mean
		variance += d * d
	}
	variance /= float64(len(waves))
	if maxW > 0 {
		m.BalanceFactor = float64(minW) / float64(maxW)
	}
	m.ConflictPenalty = conflictPenalty(g)
	m.Score = m.ParallelismFactor + m.BalanceFactor - m.DepthPenalty - m.ConflictPenalty

	if version == ScoringV2 {
		m.ParallelWorkRatio = float64(parallel) / float64(n)
		m.WaveVariance = variance / (mean * mean)
		m.KeywordCoverage = keywordCoverage(g, goal)
		m.HasConvergence = len(g.Leaves()) == 1
		m.Score += m.ParallelWorkRatio + m.KeywordCoverage - 0.5*m.WaveVariance
		if m.HasConvergence {
			m.Score += 0.25
		}
	}
	return m
}

// conflictPenalty counts artifact pairs sharing a modified path anywhere in
// the plan. Same-wave overlaps are already rejected by validation; this
// charges for cross-wave contention that forces serialization.
func conflictPenalty(g *graph.Graph) float64 {
	byPath := make(map[string]int)
	for _, art := range g.Artifacts() {
		seen := make(map[string]struct{}, len(art.Modifies))
		for _, p := range art.Modifies {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			byPath[p]++
		}
	}
	pairs := 0
	for _, c := range byPath {
		pairs += c * (c - 1) / 2
	}
	penalty := float64(pairs) / float64(g.Len())
	if penalty > 1 {
		penalty = 1
	}
	return penalty
}

// keywordCoverage is the fraction of meaningful goal keywords found in
// artifact IDs or descriptions.
func keywordCoverage(g *graph.Graph, goal string) float64 {
	keys := goalKeywords(goal)
	if len(keys) == 0 {
		return 0
	}
	var corpus strings.Builder
	for _, art := range g.Artifacts() {
		corpus.WriteString(strings.ToLower(art.ID))
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(art.Description))
		corpus.WriteByte(' ')
	}
	text := corpus.String()
	hit := 0
	for _, k := range keys {
		if strings.Contains(text, k) {
			hit++
		}
	}
	return float64(hit) / float64(len(keys))
}

// stopwords are function words ignored by keyword extraction.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "into": {}, "are": {}, "was": {}, "has": {}, "have": {},
	"but": {}, "not": {}, "all": {}, "its": {}, "via": {}, "then": {},
	"them": {}, "out": {}, "can": {}, "should": {}, "must": {}, "will": {},
}

// goalKeywords extracts the deduplicated meaningful words of a goal:
// lowercased, punctuation stripped, at least three characters, stopwords
// removed.
func goalKeywords(goal string) []string {
	fields := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
