package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"sunwell.dev/sunwell/runtime/graph"
)

// planSchemaJSON is the shape every model-produced plan must satisfy before
// the graph layer sees it.
const planSchemaJSON = `{
	"type": "object",
	"required": ["artifacts"],
	"properties": {
		"artifacts": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "description"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"produces": {"type": "array", "items": {"type": "string"}},
					"requires": {"type": "array", "items": {"type": "string"}},
					"modifies": {"type": "array", "items": {"type": "string"}},
					"produces_file": {"type": "string"},
					"domain_type": {"type": "string"},
					"is_contract": {"type": "boolean"},
					"parallel_group": {"type": "string"}
				}
			}
		}
	}
}`

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(planSchemaJSON), &doc); err != nil {
			planSchemaErr = fmt.Errorf("planner: unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.schema.json", doc); err != nil {
			planSchemaErr = fmt.Errorf("planner: add plan schema resource: %w", err)
			return
		}
		planSchema, planSchemaErr = c.Compile("plan.schema.json")
	})
	return planSchema, planSchemaErr
}

// planDoc is the decoded wire form of a model-produced plan.
type planDoc struct {
	Artifacts []*graph.Artifact `json:"artifacts"`
}

// extractJSON pulls the JSON object out of a model response that may wrap it
// in prose or code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// decodeArtifacts validates the model output against the plan schema and
// decodes the artifact list, enforcing the size cap. Graph-level wiring is
// not checked here; strategies wire and validate as they see fit.
func decodeArtifacts(text string, maxArtifacts int) ([]*graph.Artifact, error) {
	raw := extractJSON(text)
	schema, err := compiledPlanSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("planner: plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("planner: plan failed schema validation: %w", err)
	}
	var plan planDoc
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("planner: decode plan: %w", err)
	}
	if len(plan.Artifacts) > maxArtifacts {
		return nil, fmt.Errorf("planner: plan has %d artifacts, limit %d", len(plan.Artifacts), maxArtifacts)
	}
	return plan.Artifacts, nil
}

// parsePlan decodes the model output and builds a validated graph with the
// model's own wiring. Cyclic or conflicting plans fail here.
func parsePlan(text string, pctx Context, maxArtifacts int) (*graph.Graph, error) {
	arts, err := decodeArtifacts(text, maxArtifacts)
	if err != nil {
		return nil, err
	}
	g := graph.New(graph.WithExternal(pctx.ExternalInputs...))
	for _, art := range arts {
		if err := g.Add(art); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
