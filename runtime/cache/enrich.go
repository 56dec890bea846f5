package cache

import (
	"context"
	"fmt"
	"strconv"

	"sunwell.dev/sunwell/runtime/reasoner"
	"sunwell.dev/sunwell/runtime/telemetry"
)

// DefaultHistoryWindow is how many prior executions a decision about an
// artifact gets to see.
const DefaultHistoryWindow = 10

// History returns the most recent executions of an artifact, newest first,
// invalidated entries included; provenance stays auditable after
// invalidation.
func (s *Store) History(ctx context.Context, artifactID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT input_hash, artifact_id, output_hash, status, goal_hash, run_id,
		       duration_ms, timestamp, model_id, invalidated_at
		FROM executions
		WHERE artifact_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, artifactID, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: history %s: %w", artifactID, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: history %s: %w", artifactID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: history %s: %w", artifactID, err)
	}
	return out, nil
}

type (
	// DecisionEnricher implements reasoner.Enricher over the execution
	// cache: a decision whose subject is an artifact sees the artifact's
	// recent provenance as context factors. Enrichment never fails a
	// decision; errors are logged and produce no factors.
	DecisionEnricher struct {
		store  *Store
		window int
		log    telemetry.Logger
	}

	// EnrichOption customizes a DecisionEnricher.
	EnrichOption func(*DecisionEnricher)
)

// WithEnrichWindow overrides how many prior executions are considered.
func WithEnrichWindow(n int) EnrichOption {
	return func(e *DecisionEnricher) { e.window = n }
}

// WithEnrichLogger sets the structured logger.
func WithEnrichLogger(log telemetry.Logger) EnrichOption {
	return func(e *DecisionEnricher) { e.log = log }
}

// NewDecisionEnricher returns an enricher backed by the store.
func NewDecisionEnricher(s *Store, opts ...EnrichOption) *DecisionEnricher {
	e := &DecisionEnricher{
		store:  s,
		window: DefaultHistoryWindow,
		log:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.window <= 0 {
		e.window = DefaultHistoryWindow
	}
	return e
}

// Enrich surfaces the subject artifact's execution history: latest status,
// model and duration, the failure count inside the window, and whether the
// latest entry was invalidated.
func (e *DecisionEnricher) Enrich(ctx context.Context, in reasoner.Input) map[string]string {
	if in.Subject == "" {
		return nil
	}
	history, err := e.store.History(ctx, in.Subject, e.window)
	if err != nil {
		e.log.Warn(ctx, "cache: decision enrichment failed", "artifact_id", in.Subject, "error", err)
		return nil
	}
	if len(history) == 0 {
		return nil
	}

	latest := history[0]
	factors := map[string]string{
		"cache_last_status":      string(latest.Status),
		"cache_last_duration_ms": strconv.FormatInt(latest.Duration.Milliseconds(), 10),
	}
	if latest.ModelID != "" {
		factors["cache_last_model"] = latest.ModelID
	}
	if latest.InvalidatedAt != nil {
		factors["cache_last_invalidated"] = "true"
	}
	failures := 0
	for _, h := range history {
		if h.Status == StatusFailed {
			failures++
		}
	}
	factors["cache_recent_failures"] = strconv.Itoa(failures)
	factors["cache_recent_executions"] = strconv.Itoa(len(history))
	return factors
}
