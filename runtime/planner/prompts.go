package planner

import (
	"fmt"
	"strings"

	"sunwell.dev/sunwell/runtime/model"
)

// planSystemPrompt instructs the model to emit a machine-readable plan. The
// JSON contract mirrors planSchemaJSON.
const planSystemPrompt = `You are a software planning engine. Decompose the goal into artifacts: discrete units of work a focused agent can build independently.

Respond with a single JSON object and nothing else:
{"artifacts": [{"id": "...", "description": "...", "produces": ["..."], "requires": ["..."], "modifies": ["..."]}]}

Rules:
- "id" is a short kebab-case identifier, unique within the plan.
- "description" is a complete task statement for the agent building the artifact.
- "produces" names the logical outputs; "requires" references outputs of other artifacts.
- "modifies" lists file paths the work will write.
- Dependencies must form a DAG. Never introduce cycles.
- Artifacts with no dependency relationship between them may run in parallel; two parallel artifacts must never modify the same file.`

// defaultPersonas are the prompting-variance hints cycled across harmonic
// candidates.
var defaultPersonas = []string{
	"Prefer wide plans: maximize independent workstreams that can run in parallel, then converge.",
	"Prefer carefully sequenced plans: each artifact builds on verified prior work, minimizing rework.",
	"Prefer contract-driven plans: define interfaces and data shapes first, then implement against them in parallel.",
}

// defaultTemperatureSpread is the temperature-variance cycle when the config
// does not supply one.
var defaultTemperatureSpread = []float32{0.2, 0.7, 1.0}

// sequentialPersona makes the single-shot strategies explicit about their
// shape.
const sequentialPersona = "Produce a strictly ordered plan: every artifact depends on the one before it."

// contractFirstPersona fronts interface artifacts.
const contractFirstPersona = `Start the plan with contract artifacts ("is_contract": true, no "requires") that define every shared interface and data shape. Implementation artifacts follow and require the contracts they build against.`

// planMessages builds the chat history for a plan generation call.
func planMessages(goal string, pctx Context, persona string) []*model.Message {
	system := planSystemPrompt
	if persona != "" {
		system += "\n\nPlanning style: " + persona
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n", goal)
	if pctx.ProjectSummary != "" {
		fmt.Fprintf(&user, "\nProject context:\n%s\n", pctx.ProjectSummary)
	}
	if len(pctx.Constraints) > 0 {
		user.WriteString("\nConstraints:\n")
		for _, c := range pctx.Constraints {
			fmt.Fprintf(&user, "- %s\n", c)
		}
	}
	if len(pctx.ExternalInputs) > 0 {
		user.WriteString("\nAlready available (may appear in \"requires\" without a producer):\n")
		for _, e := range pctx.ExternalInputs {
			fmt.Fprintf(&user, "- %s\n", e)
		}
	}
	return []*model.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

// refineMessages builds the chat history for a refinement round: the current
// plan plus the weaknesses to address.
func refineMessages(goal, planJSON string, weaknesses []string) []*model.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n\nCurrent plan:\n%s\n\nWeaknesses to address:\n", goal, planJSON)
	for _, w := range weaknesses {
		fmt.Fprintf(&user, "- %s\n", w)
	}
	user.WriteString("\nProduce an improved plan in the same JSON format. Keep what works; fix only the weaknesses.")
	return []*model.Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: user.String()},
	}
}
