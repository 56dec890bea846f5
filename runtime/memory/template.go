package memory

// template.go stores reusable plan shapes as plan_template learnings and
// serves them back to the planner's template variance. A template learning
// is a JSON fact carrying the goal it was learned from plus the artifact
// list; matching compares normalized goals exactly and degrades to token
// overlap, scaling the stored confidence accordingly.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/planner"
)

// templateLookupLimit caps how many stored templates a lookup considers.
const templateLookupLimit = 64

// templateFact is the JSON shape of a plan_template learning's fact.
type templateFact struct {
	Name      string            `json:"name"`
	Goal      string            `json:"goal"`
	Artifacts []*graph.Artifact `json:"artifacts"`
}

// SaveTemplate records a plan shape for future reuse. The artifact list is
// validated as a graph before saving so a broken template can never be
// learned. Saving the same template twice is a no-op thanks to the
// deterministic entry ID.
func (s *Store) SaveTemplate(ctx context.Context, name, goal string, artifacts []*graph.Artifact, confidence float64) (LearningEntry, error) {
	if name == "" || goal == "" {
		return LearningEntry{}, fmt.Errorf("memory: template name and goal are required")
	}
	if len(artifacts) == 0 {
		return LearningEntry{}, fmt.Errorf("memory: template %q has no artifacts", name)
	}
	g := graph.New()
	for _, a := range artifacts {
		copied := *a
		if err := g.Add(&copied); err != nil {
			return LearningEntry{}, fmt.Errorf("memory: template %q: %w", name, err)
		}
	}
	if err := g.Validate(); err != nil {
		return LearningEntry{}, fmt.Errorf("memory: template %q: %w", name, err)
	}
	fact, err := json.Marshal(templateFact{Name: name, Goal: goal, Artifacts: artifacts})
	if err != nil {
		return LearningEntry{}, fmt.Errorf("memory: encode template %q: %w", name, err)
	}
	return s.Add(ctx, LearningEntry{
		Fact:       string(fact),
		Category:   CategoryPlanTemplate,
		Confidence: confidence,
	})
}

// PlanTemplate implements the planner's template source. An exact
// normalized-goal match returns the stored confidence unchanged; otherwise
// the best token-overlap match returns the stored confidence scaled by
// coverage of the query goal. No match returns a nil template.
func (s *Store) PlanTemplate(ctx context.Context, goal string) (*planner.Template, float64, error) {
	entries, err := s.GetByCategory(ctx, CategoryPlanTemplate, templateLookupLimit)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}

	queryNorm := normalizeGoal(goal)
	queryTokens := tokenize(goal)

	var (
		best     *planner.Template
		bestConf float64
	)
	for _, e := range entries {
		var tf templateFact
		if err := json.Unmarshal([]byte(e.Fact), &tf); err != nil {
			s.log.Warn(ctx, "skipping undecodable plan template",
				"id", e.ID, "error", (&CorruptEntryError{ID: e.ID, Err: err}).Error())
			continue
		}
		conf := e.Confidence
		if normalizeGoal(tf.Goal) != queryNorm {
			conf *= tokenOverlap(queryTokens, tokenize(tf.Goal))
		}
		if conf > bestConf {
			bestConf = conf
			best = &planner.Template{Name: tf.Name, Artifacts: tf.Artifacts}
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestConf, nil
}

// normalizeGoal lowercases and collapses whitespace so goal comparisons
// ignore formatting.
func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// tokenOverlap returns the fraction of query tokens present in the
// candidate token set.
func tokenOverlap(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := make(map[string]bool, len(candidate))
	for _, t := range candidate {
		have[t] = true
	}
	hits := 0
	for _, t := range query {
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
