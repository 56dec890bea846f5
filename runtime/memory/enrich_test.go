package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sunwell.dev/sunwell/runtime/embed"
	"sunwell.dev/sunwell/runtime/reasoner"
)

var _ reasoner.Enricher = (*DecisionEnricher)(nil)

func TestEnrichSurfacesPriorLearnings(t *testing.T) {
	ctx := context.Background()
	s := openTestMemory(t)

	_, err := s.AddBatch(ctx, []LearningEntry{
		{Fact: "sqlite lock contention resolved by raising busy_timeout", Category: "failure_pattern", Confidence: 0.8},
		{Fact: "wave scheduling settles fastest with wide first waves", Category: "observation", Confidence: 0.6},
		{Fact: "redis pipeline flushes batch at 100 commands", Category: "observation", Confidence: 0.7},
	})
	require.NoError(t, err)

	e := NewDecisionEnricher(s, WithEnrichLimit(2))
	factors := e.Enrich(ctx, reasoner.Input{
		Type:     reasoner.DecisionRecovery,
		Question: "how should the failed write be retried",
		Subject:  "api-types",
		Cause:    errors.New("sqlite busy_timeout exceeded under lock contention"),
	})

	require.NotEmpty(t, factors)
	require.LessOrEqual(t, len(factors), 2)
	require.Contains(t, factors["prior_learning_1"], "busy_timeout")
}

func TestEnrichWithNothingRelevantReturnsNothing(t *testing.T) {
	ctx := context.Background()
	s := openTestMemory(t)

	e := NewDecisionEnricher(s)
	require.Empty(t, e.Enrich(ctx, reasoner.Input{Question: "anything at all"}))
	require.Empty(t, e.Enrich(ctx, reasoner.Input{}))
}

func TestEnrichEmbedderRerangesLexicalCandidates(t *testing.T) {
	ctx := context.Background()
	s := openTestMemory(t)

	_, err := s.AddBatch(ctx, []LearningEntry{
		{Fact: "execution cache rows rebuilt nightly in the cache db", Category: "observation", Confidence: 0.6},
		{Fact: "stampede control needs a lock per key", Category: "observation", Confidence: 0.6},
	})
	require.NoError(t, err)

	// The embedder considers only texts mentioning "stampede" similar to
	// the query, inverting what lexical overlap alone would pick.
	em := embed.EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, txt := range texts {
			if strings.Contains(txt, "stampede") {
				out[i] = []float32{1, 0}
			} else {
				out[i] = []float32{0, 1}
			}
		}
		return out, nil
	})

	e := NewDecisionEnricher(s, WithEnrichLimit(1), WithEnrichEmbedder(em))
	factors := e.Enrich(ctx, reasoner.Input{
		Question: "why did the cache stampede",
		Subject:  "execution-cache",
	})

	require.Len(t, factors, 1)
	require.Contains(t, factors["prior_learning_1"], "stampede control")
}

func TestEnrichEmbedderFailureKeepsLexicalOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestMemory(t)

	_, err := s.AddBatch(ctx, []LearningEntry{
		{Fact: "journal fsync dominates append latency", Category: "observation", Confidence: 0.7},
		{Fact: "append batching helps write throughput", Category: "observation", Confidence: 0.7},
	})
	require.NoError(t, err)

	em := embed.EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("embedder offline")
	})
	e := NewDecisionEnricher(s, WithEnrichEmbedder(em))

	factors := e.Enrich(ctx, reasoner.Input{Question: "what slows the journal append"})
	require.Len(t, factors, 2)
	require.Contains(t, factors["prior_learning_1"], "fsync")
}
