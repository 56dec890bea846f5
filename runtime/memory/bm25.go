package memory

// bm25.go implements ranked retrieval over learnings. The inverted index
// (term -> learning, tf) and its metadata row live in SQLite beside the
// learnings and are rebuilt in bulk whenever learnings change; learnings
// are additive so incremental maintenance buys nothing. bm25Naive is the
// reference scorer the fast path is verified against.

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Default Okapi BM25 parameters.
const (
	DefaultBM25K1 = 1.2
	DefaultBM25B  = 0.75
)

// tokenize splits text into lowercase terms on non-alphanumeric boundaries.
// Single-character fragments carry no signal and are dropped. Index build
// and both scorers share this tokenizer.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// queryTerms deduplicates tokenized query terms, preserving order.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokenize(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// idf is the BM25 inverse document frequency:
// log((N - df + 0.5) / (df + 0.5) + 1).
func idf(totalDocs, df int) float64 {
	n := float64(totalDocs)
	d := float64(df)
	return math.Log((n-d+0.5)/(d+0.5) + 1)
}

// termWeight is the per-document BM25 term contribution.
func termWeight(tf, docLen int, avgLen, k1, b float64) float64 {
	f := float64(tf)
	norm := k1 * (1 - b + b*float64(docLen)/avgLen)
	return f * (k1 + 1) / (f + norm)
}

// rebuildIndexTx recomputes the whole inverted index and its metadata
// inside the given transaction.
func rebuildIndexTx(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`DELETE FROM bm25_index`,
		`DELETE FROM bm25_metadata`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory: clear bm25 index: %w", err)
		}
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, fact FROM learnings`)
	if err != nil {
		return fmt.Errorf("memory: scan learnings for index: %w", err)
	}
	type doc struct {
		id     string
		tf     map[string]int
		length int
	}
	var docs []doc
	for rows.Next() {
		var id, fact string
		if err := rows.Scan(&id, &fact); err != nil {
			rows.Close()
			return fmt.Errorf("memory: scan learnings for index: %w", err)
		}
		tokens := tokenize(fact)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		docs = append(docs, doc{id: id, tf: tf, length: len(tokens)})
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("memory: scan learnings for index: %w", err)
	}

	totalLen := 0
	for _, d := range docs {
		totalLen += d.length
		if _, err := tx.ExecContext(ctx,
			`UPDATE learnings SET doc_length = ? WHERE id = ?`, d.length, d.id); err != nil {
			return fmt.Errorf("memory: store doc length: %w", err)
		}
		for term, tf := range d.tf {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bm25_index (term, learning_id, tf) VALUES (?, ?, ?)`,
				term, d.id, tf); err != nil {
				return fmt.Errorf("memory: index term %q: %w", term, err)
			}
		}
	}
	avg := 0.0
	if len(docs) > 0 {
		avg = float64(totalLen) / float64(len(docs))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bm25_metadata (id, avg_doc_length, total_docs) VALUES (1, ?, ?)`,
		avg, len(docs)); err != nil {
		return fmt.Errorf("memory: store index metadata: %w", err)
	}
	return nil
}

// ensureIndex rebuilds the inverted index if writes have landed since the
// last build.
func (s *Store) ensureIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.indexDirty {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: rebuild index: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := rebuildIndexTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: rebuild index: %w", err)
	}
	s.indexDirty = false
	return nil
}

// BM25QueryFast ranks learnings against the query using the inverted
// index, touching only the postings of the query's terms. Pass k1 <= 0 or
// b < 0 to use the defaults. Ties rank by learning ID for determinism.
func (s *Store) BM25QueryFast(ctx context.Context, query string, limit int, k1, b float64) ([]ScoredLearning, error) {
	if k1 <= 0 {
		k1 = DefaultBM25K1
	}
	if b < 0 {
		b = DefaultBM25B
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}

	var (
		avgLen    float64
		totalDocs int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT avg_doc_length, total_docs FROM bm25_metadata WHERE id = 1`).
		Scan(&avgLen, &totalDocs)
	if err == sql.ErrNoRows || totalDocs == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read index metadata: %w", err)
	}
	if avgLen <= 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		rows, err := s.db.QueryContext(ctx, `
			SELECT i.learning_id, i.tf, l.doc_length
			FROM bm25_index i
			JOIN learnings l ON l.id = i.learning_id
			WHERE i.term = ?`, term)
		if err != nil {
			return nil, fmt.Errorf("memory: postings for %q: %w", term, err)
		}
		type posting struct {
			id     string
			tf     int
			docLen int
		}
		var postings []posting
		for rows.Next() {
			var p posting
			if err := rows.Scan(&p.id, &p.tf, &p.docLen); err != nil {
				rows.Close()
				return nil, fmt.Errorf("memory: postings for %q: %w", term, err)
			}
			postings = append(postings, p)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("memory: postings for %q: %w", term, err)
		}
		w := idf(totalDocs, len(postings))
		for _, p := range postings {
			scores[p.id] += w * termWeight(p.tf, p.docLen, avgLen, k1, b)
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]ScoredLearning, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, fact, category, confidence, timestamp, source_file, source_line
			FROM learnings WHERE id = ?`, id)
		e, err := scanLearning(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredLearning{Entry: e, Score: scores[id]})
	}
	return out, nil
}

// bm25Naive scores every document against the query with a full scan. It
// exists as the reference the indexed path is verified against.
func bm25Naive(entries []LearningEntry, query string, limit int, k1, b float64) []ScoredLearning {
	if k1 <= 0 {
		k1 = DefaultBM25K1
	}
	if b < 0 {
		b = DefaultBM25B
	}
	terms := queryTerms(query)
	if len(terms) == 0 || len(entries) == 0 {
		return nil
	}

	type doc struct {
		entry  LearningEntry
		tf     map[string]int
		length int
	}
	docs := make([]doc, 0, len(entries))
	totalLen := 0
	for _, e := range entries {
		tokens := tokenize(e.Fact)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		docs = append(docs, doc{entry: e, tf: tf, length: len(tokens)})
		totalLen += len(tokens)
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen <= 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	byID := make(map[string]LearningEntry)
	for _, term := range terms {
		df := 0
		for _, d := range docs {
			if d.tf[term] > 0 {
				df++
			}
		}
		if df == 0 {
			continue
		}
		w := idf(len(docs), df)
		for _, d := range docs {
			tf := d.tf[term]
			if tf == 0 {
				continue
			}
			scores[d.entry.ID] += w * termWeight(tf, d.length, avgLen, k1, b)
			byID[d.entry.ID] = d.entry
		}
	}
	if len(scores) == 0 {
		return nil
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]ScoredLearning, 0, len(ids))
	for _, id := range ids {
		out = append(out, ScoredLearning{Entry: byID[id], Score: scores[id]})
	}
	return out
}
