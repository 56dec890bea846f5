package memory

import (
	"context"
	"fmt"
	"strings"

	"sunwell.dev/sunwell/runtime/embed"
	"sunwell.dev/sunwell/runtime/reasoner"
	"sunwell.dev/sunwell/runtime/telemetry"
)

// DefaultEnrichLimit bounds how many prior learnings a single decision
// request surfaces.
const DefaultEnrichLimit = 3

type (
	// DecisionEnricher implements reasoner.Enricher over the store: before a
	// decision is made it retrieves the learnings most relevant to the
	// question and exposes them as context factors. Retrieval is BM25; when
	// an embedder is configured the lexical candidates are re-ranked by
	// semantic similarity first. Enrichment never fails a decision: errors
	// are logged and produce no factors.
	DecisionEnricher struct {
		store    *Store
		embedder embed.Embedder
		limit    int
		log      telemetry.Logger
	}

	// EnrichOption customizes a DecisionEnricher.
	EnrichOption func(*DecisionEnricher)
)

// WithEnrichLimit overrides how many learnings are surfaced per decision.
func WithEnrichLimit(n int) EnrichOption {
	return func(e *DecisionEnricher) { e.limit = n }
}

// WithEnrichEmbedder re-ranks lexical candidates by cosine similarity
// through the given embedder.
func WithEnrichEmbedder(em embed.Embedder) EnrichOption {
	return func(e *DecisionEnricher) { e.embedder = em }
}

// WithEnrichLogger sets the structured logger.
func WithEnrichLogger(log telemetry.Logger) EnrichOption {
	return func(e *DecisionEnricher) { e.log = log }
}

// NewDecisionEnricher returns an enricher backed by the store.
func NewDecisionEnricher(s *Store, opts ...EnrichOption) *DecisionEnricher {
	e := &DecisionEnricher{
		store: s,
		limit: DefaultEnrichLimit,
		log:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limit <= 0 {
		e.limit = DefaultEnrichLimit
	}
	return e
}

// Enrich retrieves the learnings most relevant to the decision and returns
// them as prior_learning_N factors, most relevant first.
func (e *DecisionEnricher) Enrich(ctx context.Context, in reasoner.Input) map[string]string {
	parts := []string{in.Question, in.Subject}
	if in.Cause != nil {
		parts = append(parts, in.Cause.Error())
	}
	query := strings.TrimSpace(strings.Join(parts, " "))
	if query == "" {
		return nil
	}

	// Over-fetch when an embedder will re-rank, so it has candidates to
	// choose between.
	fetch := e.limit
	if e.embedder != nil {
		fetch *= 4
	}
	hits, err := e.store.BM25QueryFast(ctx, query, fetch, 0, -1)
	if err != nil {
		e.log.Warn(ctx, "memory: decision enrichment failed", "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	entries := make([]LearningEntry, len(hits))
	for i, h := range hits {
		entries[i] = h.Entry
	}
	if e.embedder != nil && len(entries) > 1 {
		facts := make([]string, len(entries))
		for i, le := range entries {
			facts[i] = le.Fact
		}
		matches, err := embed.Rank(ctx, e.embedder, query, facts, e.limit)
		if err != nil {
			e.log.Warn(ctx, "memory: semantic re-rank failed, keeping lexical order", "error", err)
		} else {
			reranked := make([]LearningEntry, len(matches))
			for i, m := range matches {
				reranked[i] = entries[m.Index]
			}
			entries = reranked
		}
	}
	if len(entries) > e.limit {
		entries = entries[:e.limit]
	}

	factors := make(map[string]string, len(entries))
	for i, le := range entries {
		factors[fmt.Sprintf("prior_learning_%d", i+1)] = le.Fact
	}
	return factors
}
