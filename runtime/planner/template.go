package planner

import (
	"context"
	"strings"

	"sunwell.dev/sunwell/runtime/graph"
)

type (
	// Template is a remembered plan shape. Artifact descriptions may carry
	// the {{goal}} placeholder, substituted at instantiation.
	Template struct {
		// Name identifies the template for logging and selection reasons.
		Name string
		// Artifacts is the plan shape.
		Artifacts []*graph.Artifact
	}

	// TemplateSource supplies plan templates remembered from prior
	// successful runs. The second return is the match confidence in [0,1];
	// the template fast path requires TemplateConfidenceThreshold.
	TemplateSource interface {
		PlanTemplate(ctx context.Context, goal string) (*Template, float64, error)
	}
)

// Instantiate substitutes the goal into the template and builds a validated
// graph.
func (t *Template) Instantiate(goal string, pctx Context) (*graph.Graph, error) {
	g := graph.New(graph.WithExternal(pctx.ExternalInputs...))
	for _, art := range t.Artifacts {
		inst := *art
		inst.Description = strings.ReplaceAll(art.Description, "{{goal}}", goal)
		if err := g.Add(&inst); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
