package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sunwell.dev/sunwell/runtime/graph"
)

func buildGraph(t *testing.T, arts ...*graph.Artifact) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, a := range arts {
		require.NoError(t, g.Add(a))
	}
	require.NoError(t, g.Validate())
	return g
}

func TestResolveScoring(t *testing.T) {
	require.Equal(t, ScoringV1, resolveScoring(ScoringV1, "anything at all here whatsoever"))
	require.Equal(t, ScoringV2, resolveScoring(ScoringV2, "hi"))

	// Two meaningful keywords: fix, bug.
	require.Equal(t, ScoringV1, resolveScoring(ScoringAuto, "fix the bug"))
	// Seven: implement, streaming, parser, backpressure, metrics, retry, support.
	require.Equal(t, ScoringV2, resolveScoring(ScoringAuto,
		"implement streaming parser with backpressure metrics and retry support"))
}

func TestGoalKeywords(t *testing.T) {
	keys := goalKeywords("Build the build pipeline, then re-build it for CI!")
	require.Equal(t, []string{"build", "pipeline"}, keys,
		"lowercased, deduplicated, short words and stopwords dropped")
}

func TestWideBeatsChain(t *testing.T) {
	chain := buildGraph(t,
		art("s1", stepDesc),
		art("s2", stepDesc, "s1"),
		art("s3", stepDesc, "s2"),
		art("s4", stepDesc, "s3"),
	)
	wide := buildGraph(t,
		art("w1", stepDesc),
		art("w2", stepDesc, "w1"),
		art("w3", stepDesc, "w1"),
		art("w4", stepDesc, "w1"),
	)
	goal := "build the hello module"
	for _, version := range []Scoring{ScoringV1, ScoringV2} {
		cs := scorePlan(chain, goal, version)
		ws := scorePlan(wide, goal, version)
		require.Greater(t, ws.Score, cs.Score, "version %s", version)
	}
}

func TestScoreMetricsBreakdown(t *testing.T) {
	g := buildGraph(t,
		art("b1", stepDesc),
		art("b2", stepDesc, "b1"), art("b3", stepDesc, "b1"),
		art("b4", stepDesc, "b2"), art("b5", stepDesc, "b3"), art("b6", stepDesc, "b3"),
	)
	m := scorePlan(g, "build the hello module", ScoringV2)
	require.Equal(t, 6, m.ArtifactCount)
	require.Equal(t, 3, m.Depth)
	require.InDelta(t, 0.6, m.ParallelismFactor, 0.001)
	require.InDelta(t, 1.0/3.0, m.BalanceFactor, 0.001)
	require.InDelta(t, 0.5, m.DepthPenalty, 0.001)
	require.InDelta(t, 5.0/6.0, m.ParallelWorkRatio, 0.001)
	require.False(t, m.HasConvergence)
	require.Zero(t, m.ConflictPenalty)

	mm := m.Map()
	require.Equal(t, m.Score, mm["score"])
	require.Contains(t, mm, "wave_variance")
	require.Contains(t, mm, "keyword_coverage")

	v1 := scorePlan(g, "build the hello module", ScoringV1)
	require.NotContains(t, v1.Map(), "wave_variance")
}

func TestConvergenceBonus(t *testing.T) {
	diverging := buildGraph(t,
		art("r", stepDesc),
		art("l1", stepDesc, "r"),
		art("l2", stepDesc, "r"),
	)
	converging := buildGraph(t,
		art("p1", stepDesc),
		art("p2", stepDesc),
		art("f", stepDesc, "p1", "p2"),
	)
	require.False(t, scorePlan(diverging, "goal", ScoringV2).HasConvergence)
	require.True(t, scorePlan(converging, "goal", ScoringV2).HasConvergence)
}

func TestConflictPenaltyCountsSharedPaths(t *testing.T) {
	clean := buildGraph(t,
		art("n1", stepDesc),
		art("n2", stepDesc, "n1"),
	)
	require.Zero(t, scorePlan(clean, "goal", ScoringV1).ConflictPenalty)

	// Two sequenced artifacts touching the same file are valid but pay for
	// the forced serialization.
	contended := graph.New()
	require.NoError(t, contended.Add(&graph.Artifact{ID: "m1", Description: stepDesc, Modifies: []string{"src/main.py"}}))
	require.NoError(t, contended.Add(&graph.Artifact{ID: "m2", Description: stepDesc, Requires: []string{"m1"}, Modifies: []string{"src/main.py"}}))
	require.NoError(t, contended.Validate())
	m := scorePlan(contended, "goal", ScoringV1)
	require.InDelta(t, 0.5, m.ConflictPenalty, 0.001)
}

func TestKeywordCoverage(t *testing.T) {
	g := buildGraph(t,
		art("parser", "implement the streaming parser"),
		art("tests", "cover the parser with tests", "parser"),
	)
	// Keywords: streaming, parser, tests, backpressure. Three appear.
	cov := keywordCoverage(g, "streaming parser tests backpressure")
	require.InDelta(t, 0.75, cov, 0.001)

	require.Zero(t, keywordCoverage(g, ""))
}
