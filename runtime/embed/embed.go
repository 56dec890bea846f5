// Package embed defines the provider-agnostic embedding contract. The
// execution core never computes embeddings itself: memory enrichment accepts
// any Embedder when one is configured, and Rank turns the batch contract
// into a similarity ranking without caring which provider produced the
// vectors.
package embed

import (
	"context"
	"fmt"
	"math"
	"sort"
)

type (
	// Embedder converts texts into dense vectors, one vector per input text
	// in order. Implementations wrap provider SDKs and must be safe for
	// concurrent use. The core treats vectors as opaque beyond their length;
	// all texts in one call must embed into the same dimension.
	Embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float32, error)
	}

	// EmbedderFunc adapts a function to the Embedder interface.
	EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// Match is one ranked candidate: its position in the input slice and its
	// cosine similarity to the query in [-1, 1].
	Match struct {
		Index int
		Score float64
	}
)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// Rank embeds the query and every candidate in a single batch and returns
// the candidates ordered by cosine similarity to the query, best first, at
// most k (k <= 0 means all). Ties keep input order. A zero vector scores
// zero against everything.
func Rank(ctx context.Context, e Embedder, query string, candidates []string, k int) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	texts = append(texts, candidates...)
	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	qv := vecs[0]
	matches := make([]Match, len(candidates))
	for i, cv := range vecs[1:] {
		if len(cv) != len(qv) {
			return nil, fmt.Errorf("candidate %d embedded into %d dimensions, query into %d", i, len(cv), len(qv))
		}
		matches[i] = Match{Index: i, Score: cosine(qv, cv)}
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// cosine computes cosine similarity with float64 accumulation.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
