package reasoner

// wisdom.go holds the model side of the reasoner: one structured tool per
// decision type, the prompt that frames the request, and the parser that
// turns the tool call back into a ReasonedDecision. The tool schema forces
// the model to commit to an outcome, a confidence and a rationale instead of
// free prose.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/recovery"
)

const wisdomSystemPrompt = `You are the judgement engine of an autonomous build agent. You are given a single decision to make about the agent's current situation. Weigh the evidence in the context factors, then answer by calling the provided tool exactly once. Be honest about uncertainty: report low confidence when the evidence is thin rather than guessing confidently.`

var errNoClient = errors.New("reasoner: no model client configured")

// decisionToolName maps each decision type to the tool name presented to
// the model.
var decisionToolName = map[DecisionType]string{
	DecisionSeverity:    "assess_severity",
	DecisionRecovery:    "choose_recovery_strategy",
	DecisionApproval:    "judge_semantic_approval",
	DecisionAutoFixable: "judge_auto_fixable",
	DecisionRootCause:   "analyze_root_cause",
	DecisionRisk:        "assess_risk",
}

var decisionToolDescription = map[DecisionType]string{
	DecisionSeverity:    "Grade how severe the described failure is for the overall goal.",
	DecisionRecovery:    "Pick the recovery strategy the executor should apply to the failed operation.",
	DecisionApproval:    "Judge whether the produced output semantically satisfies its requirement.",
	DecisionAutoFixable: "Judge whether the failure can be repaired automatically without an operator.",
	DecisionRootCause:   "Name the most likely root cause of the described failure.",
	DecisionRisk:        "Grade the risk of proceeding with the described action.",
}

// outcomeVocabulary returns the closed outcome set for dt, or nil when the
// outcome is free-form.
func outcomeVocabulary(dt DecisionType) []string {
	switch dt {
	case DecisionSeverity:
		return []string{OutcomeLow, OutcomeMedium, OutcomeHigh, OutcomeCritical}
	case DecisionRecovery:
		return []string{
			string(recovery.StrategyRetry),
			string(recovery.StrategyRetryDifferent),
			string(recovery.StrategyEscalate),
			string(recovery.StrategyAbort),
		}
	case DecisionApproval:
		return []string{OutcomeApprove, OutcomeReject}
	case DecisionAutoFixable:
		return []string{OutcomeFixable, OutcomeNotFixable}
	case DecisionRisk:
		return []string{OutcomeLow, OutcomeMedium, OutcomeHigh}
	}
	return nil
}

// decisionTool builds the structured-output tool definition for dt.
func decisionTool(dt DecisionType) *model.ToolDefinition {
	outcome := map[string]any{
		"type":        "string",
		"description": "The decision outcome.",
	}
	if vocab := outcomeVocabulary(dt); len(vocab) > 0 {
		outcome["enum"] = vocab
	}
	return &model.ToolDefinition{
		Name:        decisionToolName[dt],
		Description: decisionToolDescription[dt],
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"outcome": outcome,
				"confidence": map[string]any{
					"type":        "number",
					"minimum":     0,
					"maximum":     1,
					"description": "Self-assessed certainty in the outcome, from 0 to 1.",
				},
				"rationale": map[string]any{
					"type":        "string",
					"description": "One or two sentences explaining the outcome.",
				},
				"context_factors": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The context signals the decision rested on.",
				},
			},
			"required":             []string{"outcome", "confidence", "rationale"},
			"additionalProperties": false,
		},
	}
}

// decisionMessages frames the decision for the model: the standing system
// prompt plus a user message carrying the question, subject, cause and
// sorted context factors.
func decisionMessages(in Input) []*model.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision type: %s\n", in.Type)
	if in.Question != "" {
		fmt.Fprintf(&sb, "Question: %s\n", in.Question)
	}
	if in.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", in.Subject)
	}
	if in.Cause != nil {
		if kind := recovery.Kind(in.Cause); kind != "" {
			fmt.Fprintf(&sb, "Cause (%s): %v\n", kind, in.Cause)
		} else {
			fmt.Fprintf(&sb, "Cause: %v\n", in.Cause)
		}
	}
	if len(in.Factors) > 0 {
		sb.WriteString("Context factors:\n")
		keys := make([]string, 0, len(in.Factors))
		for k := range in.Factors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  - %s: %s\n", k, in.Factors[k])
		}
	}
	fmt.Fprintf(&sb, "Answer by calling the %s tool exactly once.", decisionToolName[in.Type])
	return []*model.Message{
		{Role: "system", Content: wisdomSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// consult asks the Wisdom model for a decision and parses the structured
// response.
func (r *Reasoner) consult(ctx context.Context, in Input) (ReasonedDecision, error) {
	if r.client == nil {
		return ReasonedDecision{}, errNoClient
	}
	resp, err := r.client.Complete(ctx, model.Request{
		Model:     r.modelID,
		Messages:  decisionMessages(in),
		Tools:     []*model.ToolDefinition{decisionTool(in.Type)},
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return ReasonedDecision{}, fmt.Errorf("reasoner: wisdom model call: %w", err)
	}
	return parseDecision(in.Type, resp)
}

// decisionPayload is the wire shape of a decision tool call.
type decisionPayload struct {
	Outcome        string   `json:"outcome"`
	Confidence     float64  `json:"confidence"`
	Rationale      string   `json:"rationale"`
	ContextFactors []string `json:"context_factors"`
}

// parseDecision extracts the decision from the model response. The primary
// path is the tool call matching dt's tool; some backends answer with bare
// JSON text instead, which is accepted as a fallback.
func parseDecision(dt DecisionType, resp model.Response) (ReasonedDecision, error) {
	raw, err := decisionArguments(dt, resp)
	if err != nil {
		return ReasonedDecision{}, err
	}
	var p decisionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ReasonedDecision{}, fmt.Errorf("reasoner: decode decision payload: %w", err)
	}
	if p.Outcome == "" {
		return ReasonedDecision{}, errors.New("reasoner: decision payload missing outcome")
	}
	if vocab := outcomeVocabulary(dt); len(vocab) > 0 && !slices.Contains(vocab, p.Outcome) {
		return ReasonedDecision{}, fmt.Errorf("reasoner: outcome %q is not valid for %s", p.Outcome, dt)
	}
	return ReasonedDecision{
		Outcome:        p.Outcome,
		Confidence:     clamp01(p.Confidence),
		Rationale:      p.Rationale,
		ContextFactors: p.ContextFactors,
		Source:         SourceModel,
	}, nil
}

// decisionArguments returns the JSON arguments of the decision tool call,
// or the response text when it looks like a bare JSON object.
func decisionArguments(dt DecisionType, resp model.Response) ([]byte, error) {
	want := decisionToolName[dt]
	for _, tc := range resp.ToolCalls {
		if string(tc.Name) != want {
			continue
		}
		raw, err := json.Marshal(tc.Payload)
		if err != nil {
			return nil, fmt.Errorf("reasoner: encode tool payload: %w", err)
		}
		return raw, nil
	}
	text := resp.Text()
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return []byte(text[start : end+1]), nil
	}
	return nil, fmt.Errorf("reasoner: response contains no %s tool call", want)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
