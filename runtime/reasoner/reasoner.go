// Package reasoner makes typed decisions the execution core cannot settle
// with rules alone: how severe a failure is, which recovery strategy to
// apply, whether output passes semantic review. Each decision consults a
// Wisdom-tier model through a decision-specific structured tool, falls back
// to a conservative rule function when the model is unavailable or
// unconvinced, and is recorded in a per-type history so structurally similar
// contexts reuse prior high-confidence answers without another model call.
package reasoner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/recovery"
	"sunwell.dev/sunwell/runtime/telemetry"
)

const (
	// DefaultConfidenceThreshold is the minimum model confidence for a
	// decision to stand on its own. Below it the rule fallback answers
	// instead.
	DefaultConfidenceThreshold = 0.7

	// HistoryReuseThreshold is the minimum recorded confidence for a prior
	// decision to be reused on a structurally similar context.
	HistoryReuseThreshold = 0.90

	// RuleConfidence is assigned to rule-fallback decisions. It sits below
	// DefaultConfidenceThreshold so callers can tell a conservative default
	// from an autonomous judgement.
	RuleConfidence = 0.5

	// DefaultMaxHistoryPerType bounds the per-type decision history. Oldest
	// contexts are evicted first.
	DefaultMaxHistoryPerType = 256

	// DefaultMaxTokens caps completion tokens for decision calls. Decisions
	// are a single tool invocation, so the budget is deliberately small.
	DefaultMaxTokens = 1024
)

// DecisionType identifies one of the closed set of decisions the reasoner
// knows how to make. Each type has its own tool schema, outcome vocabulary
// and rule fallback.
type DecisionType string

const (
	// DecisionSeverity grades a failure: low, medium, high or critical.
	DecisionSeverity DecisionType = "severity_assessment"

	// DecisionRecovery picks a recovery strategy for a failed operation.
	// Outcomes are the recovery.Strategy values.
	DecisionRecovery DecisionType = "recovery_strategy"

	// DecisionApproval judges whether produced output semantically satisfies
	// its requirement: approve or reject.
	DecisionApproval DecisionType = "semantic_approval"

	// DecisionAutoFixable judges whether a failure can be repaired without
	// operator involvement: fixable or not_fixable.
	DecisionAutoFixable DecisionType = "auto_fixable"

	// DecisionRootCause names the most likely root cause of a failure. The
	// outcome is free-form.
	DecisionRootCause DecisionType = "root_cause_analysis"

	// DecisionRisk grades the risk of a proposed action: low, medium or
	// high.
	DecisionRisk DecisionType = "risk_assessment"
)

// Valid reports whether dt is one of the known decision types.
func (dt DecisionType) Valid() bool {
	switch dt {
	case DecisionSeverity, DecisionRecovery, DecisionApproval,
		DecisionAutoFixable, DecisionRootCause, DecisionRisk:
		return true
	}
	return false
}

// Source records which path produced a decision.
type Source string

const (
	// SourceHistory marks a decision reused from the per-type history.
	SourceHistory Source = "history"

	// SourceModel marks a decision made by the Wisdom model above the
	// confidence threshold.
	SourceModel Source = "model"

	// SourceRules marks a conservative rule-fallback decision.
	SourceRules Source = "rules"
)

// Outcome values shared by the graded decision types.
const (
	OutcomeLow      = "low"
	OutcomeMedium   = "medium"
	OutcomeHigh     = "high"
	OutcomeCritical = "critical"

	OutcomeApprove = "approve"
	OutcomeReject  = "reject"

	OutcomeFixable    = "fixable"
	OutcomeNotFixable = "not_fixable"

	// OutcomeUnknown is the root-cause fallback when no signal is available.
	OutcomeUnknown = "unknown"
)

type (
	// Input describes one decision request.
	Input struct {
		// Type selects the decision to make. Must be one of the DecisionType
		// constants.
		Type DecisionType

		// Question states what is being decided, in one sentence.
		Question string

		// Subject names the thing the decision is about: an artifact ID, a
		// tool name, a file path.
		Subject string

		// Cause carries the triggering error for failure-driven decisions
		// (severity, recovery, auto-fixable, root cause). Nil otherwise.
		Cause error

		// Factors carries caller-supplied context as key/value pairs. Keys
		// also define the structural shape used for history matching.
		Factors map[string]string
	}

	// ReasonedDecision is the outcome of a decision request.
	ReasonedDecision struct {
		// Type echoes the decision type that was requested.
		Type DecisionType

		// Outcome is the decision itself. Graded types use their outcome
		// vocabulary; root_cause_analysis is free-form.
		Outcome string

		// Confidence is the decider's self-assessed certainty in [0, 1].
		// Decisions at or above the reasoner's threshold are autonomous.
		Confidence float64

		// Rationale explains the outcome in plain language.
		Rationale string

		// ContextFactors lists the signals the decision rested on.
		ContextFactors []string

		// Source records whether history, the model or rules answered.
		Source Source

		// DecidedAt is when the decision was made.
		DecidedAt time.Time
	}

	// Enricher contributes additional context factors before a decision is
	// made. The memory layer and the execution cache implement this to
	// surface prior learnings and build provenance.
	Enricher interface {
		Enrich(ctx context.Context, in Input) map[string]string
	}

	// EnricherFunc adapts a function to the Enricher interface.
	EnricherFunc func(ctx context.Context, in Input) map[string]string

	// Reasoner answers typed decision requests. Safe for concurrent use.
	Reasoner struct {
		client    model.Client
		modelID   string
		threshold float64
		maxTokens int
		maxKept   int
		enrichers []Enricher
		log       telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time

		mu      sync.Mutex
		history map[DecisionType]*typeHistory
	}

	// Option customizes a Reasoner.
	Option func(*Reasoner)

	// typeHistory holds past decisions for one decision type, keyed by
	// structural context. order preserves insertion for eviction.
	typeHistory struct {
		byKey map[string]ReasonedDecision
		order []string
	}
)

// Enrich calls f.
func (f EnricherFunc) Enrich(ctx context.Context, in Input) map[string]string {
	return f(ctx, in)
}

// WithModel sets the Wisdom model identifier passed to the client.
func WithModel(id string) Option {
	return func(r *Reasoner) { r.modelID = id }
}

// WithThreshold overrides the autonomy confidence threshold.
func WithThreshold(t float64) Option {
	return func(r *Reasoner) { r.threshold = t }
}

// WithMaxTokens overrides the completion token budget for decision calls.
func WithMaxTokens(n int) Option {
	return func(r *Reasoner) { r.maxTokens = n }
}

// WithMaxHistory overrides the per-type history bound.
func WithMaxHistory(n int) Option {
	return func(r *Reasoner) { r.maxKept = n }
}

// WithEnricher registers an additional context enricher. Enrichers run in
// registration order; caller-supplied factors always win on key conflicts.
func WithEnricher(e Enricher) Option {
	return func(r *Reasoner) { r.enrichers = append(r.enrichers, e) }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(r *Reasoner) { r.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Reasoner) { r.metrics = m }
}

// WithClock overrides the time source. Tests use this for deterministic
// DecidedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reasoner) { r.now = now }
}

// New returns a Reasoner backed by client. A nil client is allowed: every
// decision then takes the rule-fallback path, which keeps the core running
// when no model is configured.
func New(client model.Client, opts ...Option) *Reasoner {
	r := &Reasoner{
		client:    client,
		threshold: DefaultConfidenceThreshold,
		maxTokens: DefaultMaxTokens,
		maxKept:   DefaultMaxHistoryPerType,
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
		history:   make(map[DecisionType]*typeHistory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide makes the requested decision. The path is: enrich context, reuse a
// structurally similar high-confidence prior decision if one exists, else
// ask the Wisdom model through the type's structured tool, and fall back to
// the type's rule function when the call fails or confidence lands below
// the threshold. The final decision is recorded in history either way.
//
// Decide returns an error only for invalid input or a cancelled context;
// model failures degrade to rules rather than surfacing.
func (r *Reasoner) Decide(ctx context.Context, in Input) (ReasonedDecision, error) {
	if !in.Type.Valid() {
		return ReasonedDecision{}, fmt.Errorf("reasoner: unknown decision type %q", in.Type)
	}
	in.Factors = r.enrich(ctx, in)
	key := contextKey(in)

	if d, ok := r.recall(in.Type, key); ok {
		r.log.Debug(ctx, "reused prior decision",
			"type", string(in.Type), "subject", in.Subject,
			"outcome", d.Outcome, "confidence", d.Confidence)
		r.metrics.IncCounter("reasoner_decisions", 1,
			"type", string(in.Type), "source", string(SourceHistory))
		return d, nil
	}

	d, err := r.consult(ctx, in)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ReasonedDecision{}, ctx.Err()
		}
		r.log.Warn(ctx, "wisdom model unavailable, using rule fallback",
			"type", string(in.Type), "subject", in.Subject, "error", err)
		d = r.ruleDecision(in)
	case d.Confidence < r.threshold:
		r.log.Debug(ctx, "model confidence below threshold, using rule fallback",
			"type", string(in.Type), "subject", in.Subject,
			"confidence", d.Confidence, "threshold", r.threshold)
		d = r.ruleDecision(in)
	}

	d.Type = in.Type
	d.DecidedAt = r.now()
	r.remember(key, d)
	r.metrics.IncCounter("reasoner_decisions", 1,
		"type", string(in.Type), "source", string(d.Source))
	return d, nil
}

// RecoveryStrategy asks for a recovery_strategy decision about a failed
// artifact build. It satisfies the executor's recovery advisor contract.
func (r *Reasoner) RecoveryStrategy(ctx context.Context, artifactID string, cause error) (recovery.Strategy, error) {
	d, err := r.Decide(ctx, Input{
		Type:     DecisionRecovery,
		Question: "choose the recovery strategy for this failed artifact build",
		Subject:  artifactID,
		Cause:    cause,
	})
	if err != nil {
		return "", err
	}
	return recovery.Strategy(d.Outcome), nil
}

// Autonomous reports whether d carries enough confidence to act on without
// operator review.
func (r *Reasoner) Autonomous(d ReasonedDecision) bool {
	return d.Confidence >= r.threshold
}

// enrich merges caller factors with enricher contributions. Callers win on
// key conflicts so explicit context is never silently replaced.
func (r *Reasoner) enrich(ctx context.Context, in Input) map[string]string {
	merged := make(map[string]string, len(in.Factors))
	for k, v := range in.Factors {
		merged[k] = v
	}
	for _, e := range r.enrichers {
		for k, v := range e.Enrich(ctx, in) {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return merged
}

// recall returns a prior decision for the same structural context if its
// recorded confidence clears the reuse threshold.
func (r *Reasoner) recall(dt DecisionType, key string) (ReasonedDecision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[dt]
	if h == nil {
		return ReasonedDecision{}, false
	}
	d, ok := h.byKey[key]
	if !ok || d.Confidence < HistoryReuseThreshold {
		return ReasonedDecision{}, false
	}
	d.Source = SourceHistory
	return d, true
}

// remember records d under the structural key. When the key already exists
// the higher-confidence decision is kept, so a flaky low-confidence retry
// never erases an established answer.
func (r *Reasoner) remember(key string, d ReasonedDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[d.Type]
	if h == nil {
		h = &typeHistory{byKey: make(map[string]ReasonedDecision)}
		r.history[d.Type] = h
	}
	if prev, exists := h.byKey[key]; exists {
		if d.Confidence >= prev.Confidence {
			h.byKey[key] = d
		}
		return
	}
	h.byKey[key] = d
	h.order = append(h.order, key)
	for len(h.order) > r.maxKept {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.byKey, oldest)
	}
}

// HistoryLen returns the number of recorded decisions for dt. Intended for
// tests and introspection.
func (r *Reasoner) HistoryLen(dt DecisionType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[dt]
	if h == nil {
		return 0
	}
	return len(h.byKey)
}

var digitRuns = regexp.MustCompile(`[0-9]+`)

// contextKey reduces an input to its structural shape: decision type plus
// normalized question and subject, the error kind (not its text), and the
// sorted factor keys. Two inputs that differ only in identifiers, counts or
// factor values map to the same key.
func contextKey(in Input) string {
	keys := make([]string, 0, len(in.Factors))
	for k := range in.Factors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(string(in.Type))
	sb.WriteByte('|')
	sb.WriteString(normalize(in.Question))
	sb.WriteByte('|')
	sb.WriteString(normalize(in.Subject))
	if in.Cause != nil {
		sb.WriteByte('|')
		sb.WriteString(recovery.Kind(in.Cause))
	}
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
	}
	return sb.String()
}

// normalize lowercases, trims and collapses digit runs so "task-1" and
// "task-42" share a shape.
func normalize(s string) string {
	return digitRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "#")
}
