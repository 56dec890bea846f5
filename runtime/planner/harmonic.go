package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/model"
)

type (
	// Harmonic generates N candidate plans in parallel, scores them, and
	// selects the best, optionally refining the winner with weakness
	// feedback. A model failure on one candidate only loses that candidate.
	Harmonic struct {
		base
	}

	// candidate is one settled generation.
	candidate struct {
		id      string
		g       *graph.Graph
		metrics Metrics
		err     error
	}
)

// NewHarmonic constructs the harmonic planner.
func NewHarmonic(client model.Client, cfg Config, opts ...Option) *Harmonic {
	return &Harmonic{base: newBase(client, cfg, opts...)}
}

// Plan implements Planner.
func (h *Harmonic) Plan(ctx context.Context, goal string, pctx Context) (*graph.Graph, error) {
	g, _, err := h.PlanWithMetrics(ctx, goal, pctx)
	return g, err
}

// PlanWithMetrics plans and returns the winner's scoring breakdown.
func (h *Harmonic) PlanWithMetrics(ctx context.Context, goal string, pctx Context) (*graph.Graph, Metrics, error) {
	start := h.now()
	variance := h.cfg.Variance
	if variance == VarianceTemplate {
		if g, m, ok := h.fromTemplate(ctx, goal, pctx); ok {
			return g, m, nil
		}
		// No confident template: generate with prompting variance instead.
		variance = VariancePrompting
	}

	n := h.cfg.Candidates
	scoring := resolveScoring(h.cfg.Scoring, goal)
	h.bus.Publish(ctx, hooks.NewPlanCandidateStartEvent(pctx.SessionID, goal, n, string(variance)))

	cands := make([]candidate, n)
	eg := &errgroup.Group{}
	for i := range n {
		eg.Go(func() error {
			cands[i] = h.generate(ctx, goal, pctx, i, variance, scoring)
			c := cands[i]
			h.bus.Publish(ctx, hooks.NewPlanCandidateGeneratedEvent(
				pctx.SessionID, c.id, c.metrics.ArtifactCount, c.metrics.Depth, c.metrics.Score, c.err))
			return nil
		})
	}
	_ = eg.Wait()

	var valid []candidate
	for _, c := range cands {
		if c.err == nil {
			valid = append(valid, c)
		}
	}
	h.bus.Publish(ctx, hooks.NewPlanCandidatesCompleteEvent(pctx.SessionID, len(valid), n-len(valid)))
	if len(valid) == 0 {
		return nil, Metrics{}, ErrPlanningFailed
	}

	winner := pickWinner(valid)
	reason := fmt.Sprintf("highest %s score %.3f among %d valid candidates", winner.metrics.Version, winner.metrics.Score, len(valid))
	for round := 0; round < h.cfg.RefinementRounds; round++ {
		refined, ok := h.refine(ctx, goal, pctx, winner, scoring)
		if !ok {
			break
		}
		if refined.metrics.Score <= winner.metrics.Score {
			continue
		}
		winner = refined
		reason = fmt.Sprintf("refinement round %d improved score to %.3f", round+1, winner.metrics.Score)
	}

	h.bus.Publish(ctx, hooks.NewPlanWinnerEvent(pctx.SessionID, winner.id, winner.metrics.Score, winner.metrics.Map(), reason))
	h.metrics.RecordTimer("planner_duration", h.now().Sub(start))
	h.log.Info(ctx, "plan selected",
		"candidate_id", winner.id,
		"score", winner.metrics.Score,
		"artifacts", winner.metrics.ArtifactCount,
		"depth", winner.metrics.Depth)
	return winner.g, winner.metrics, nil
}

// generate produces and scores one candidate.
func (h *Harmonic) generate(ctx context.Context, goal string, pctx Context, i int, variance Variance, scoring Scoring) candidate {
	c := candidate{id: fmt.Sprintf("candidate-%d", i)}
	resp, err := h.client.Complete(ctx, model.Request{
		Model:       h.cfg.Model,
		Messages:    planMessages(goal, pctx, h.personaFor(i, variance)),
		Temperature: h.temperatureFor(i, variance),
		MaxTokens:   h.cfg.MaxTokens,
	})
	if err != nil {
		c.err = err
		return c
	}
	g, err := parsePlan(resp.Text(), pctx, h.cfg.MaxArtifacts)
	if err != nil {
		c.err = err
		return c
	}
	c.g = g
	c.metrics = scorePlan(g, goal, scoring)
	return c
}

func (h *Harmonic) personaFor(i int, variance Variance) string {
	if variance != VariancePrompting {
		return ""
	}
	personas := h.cfg.Personas
	if len(personas) == 0 {
		personas = defaultPersonas
	}
	return personas[i%len(personas)]
}

func (h *Harmonic) temperatureFor(i int, variance Variance) float32 {
	if variance != VarianceTemperature {
		return h.cfg.Temperature
	}
	temps := h.cfg.Temperatures
	if len(temps) == 0 {
		temps = defaultTemperatureSpread
	}
	return temps[i%len(temps)]
}

// fromTemplate attempts the template fast path: a confident memory template
// instantiated directly, skipping candidate generation.
func (h *Harmonic) fromTemplate(ctx context.Context, goal string, pctx Context) (*graph.Graph, Metrics, bool) {
	if h.templates == nil {
		return nil, Metrics{}, false
	}
	tpl, conf, err := h.templates.PlanTemplate(ctx, goal)
	if err != nil {
		h.log.Warn(ctx, "plan template lookup failed", "err", err.Error())
		return nil, Metrics{}, false
	}
	if tpl == nil || conf < TemplateConfidenceThreshold {
		return nil, Metrics{}, false
	}
	g, err := tpl.Instantiate(goal, pctx)
	if err != nil {
		h.log.Warn(ctx, "plan template instantiation failed", "template", tpl.Name, "err", err.Error())
		return nil, Metrics{}, false
	}
	m := scorePlan(g, goal, resolveScoring(h.cfg.Scoring, goal))
	h.bus.Publish(ctx, hooks.NewPlanCandidateStartEvent(pctx.SessionID, goal, 1, string(VarianceTemplate)))
	h.bus.Publish(ctx, hooks.NewPlanCandidateGeneratedEvent(pctx.SessionID, "candidate-0", m.ArtifactCount, m.Depth, m.Score, nil))
	h.bus.Publish(ctx, hooks.NewPlanCandidatesCompleteEvent(pctx.SessionID, 1, 0))
	h.bus.Publish(ctx, hooks.NewPlanWinnerEvent(pctx.SessionID, "candidate-0", m.Score, m.Map(),
		fmt.Sprintf("memory template %q matched with confidence %.2f", tpl.Name, conf)))
	return g, m, true
}

// refine asks the model to address the winner's weaknesses. Returns false
// when the plan has no identified weaknesses or the refinement did not
// produce a valid plan.
func (h *Harmonic) refine(ctx context.Context, goal string, pctx Context, cur candidate, scoring Scoring) (candidate, bool) {
	weaknesses := planWeaknesses(cur.metrics)
	if len(weaknesses) == 0 {
		return candidate{}, false
	}
	planJSON, err := json.Marshal(planDoc{Artifacts: cur.g.Artifacts()})
	if err != nil {
		return candidate{}, false
	}
	resp, err := h.client.Complete(ctx, model.Request{
		Model:       h.cfg.Model,
		Messages:    refineMessages(goal, string(planJSON), weaknesses),
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	if err != nil {
		h.log.Warn(ctx, "refinement call failed", "err", err.Error())
		return candidate{}, false
	}
	g, err := parsePlan(resp.Text(), pctx, h.cfg.MaxArtifacts)
	if err != nil {
		h.log.Warn(ctx, "refinement produced an invalid plan", "err", err.Error())
		return candidate{}, false
	}
	return candidate{id: cur.id, g: g, metrics: scorePlan(g, goal, scoring)}, true
}

// planWeaknesses names the structural problems a refinement round should
// address.
func planWeaknesses(m Metrics) []string {
	var out []string
	if m.ArtifactCount > 1 && m.Depth > (m.ArtifactCount+1)/2 {
		out = append(out, fmt.Sprintf("the dependency chain is deep: %d waves for %d artifacts; parallelize independent work", m.Depth, m.ArtifactCount))
	}
	if m.BalanceFactor < 0.5 {
		out = append(out, "wave widths are imbalanced; redistribute artifacts so waves carry similar load")
	}
	if m.Version == ScoringV2 && !m.HasConvergence {
		out = append(out, "the plan does not converge on a single final artifact; add an integrating artifact that requires the loose ends")
	}
	return out
}

// pickWinner selects the highest score; ties break to smaller depth, then
// to the lexicographically smallest first artifact ID.
func pickWinner(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if betterCandidate(c, best) {
			best = c
		}
	}
	return best
}

func betterCandidate(a, b candidate) bool {
	if a.metrics.Score != b.metrics.Score {
		return a.metrics.Score > b.metrics.Score
	}
	if a.metrics.Depth != b.metrics.Depth {
		return a.metrics.Depth < b.metrics.Depth
	}
	return firstArtifactID(a.g) < firstArtifactID(b.g)
}

func firstArtifactID(g *graph.Graph) string {
	first := ""
	for _, id := range g.IDs() {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}
