package reasoner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/recovery"
	"sunwell.dev/sunwell/runtime/subagent"
	"sunwell.dev/sunwell/runtime/tools"
)

// scriptClient replays a fixed sequence of model responses and records
// every request it sees.
type scriptClient struct {
	mu    sync.Mutex
	steps []scriptStep
	reqs  []model.Request
}

type scriptStep struct {
	resp model.Response
	err  error
}

func (c *scriptClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if len(c.steps) == 0 {
		return model.Response{}, errors.New("scriptClient: no scripted response left")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s.resp, s.err
}

func (c *scriptClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *scriptClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *scriptClient) lastRequest(t *testing.T) model.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.reqs)
	return c.reqs[len(c.reqs)-1]
}

// clientFunc adapts a function to model.Client for context-sensitive stubs.
type clientFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (f clientFunc) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	return f(ctx, req)
}

func (f clientFunc) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func toolResponse(tool, outcome string, confidence float64) model.Response {
	return model.Response{
		ToolCalls: []model.ToolCall{{
			Name: tools.Ident(tool),
			Payload: map[string]any{
				"outcome":         outcome,
				"confidence":      confidence,
				"rationale":       "scripted rationale for " + outcome,
				"context_factors": []string{"scripted"},
			},
		}},
		StopReason: "tool_calls",
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestModelDecisionAboveThreshold(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("judge_semantic_approval", OutcomeApprove, 0.85)},
	}}
	r := New(client, WithModel("wisdom-1"), WithClock(fixedClock(testNow)))

	d, err := r.Decide(context.Background(), Input{
		Type:     DecisionApproval,
		Question: "does the generated service satisfy the api contract",
		Subject:  "service.go",
		Factors:  map[string]string{"gate": "semantic"},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionApproval, d.Type)
	require.Equal(t, OutcomeApprove, d.Outcome)
	require.Equal(t, 0.85, d.Confidence)
	require.Equal(t, SourceModel, d.Source)
	require.Equal(t, testNow, d.DecidedAt)
	require.Contains(t, d.Rationale, "scripted rationale")
	require.True(t, r.Autonomous(d))

	req := client.lastRequest(t)
	require.Equal(t, "wisdom-1", req.Model)
	require.Equal(t, DefaultMaxTokens, req.MaxTokens)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "judge_semantic_approval", req.Tools[0].Name)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	user := req.Messages[1].Content
	require.Contains(t, user, "does the generated service satisfy the api contract")
	require.Contains(t, user, "Subject: service.go")
	require.Contains(t, user, "gate: semantic")
}

func TestHistoryReusesHighConfidenceDecisions(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("choose_recovery_strategy", "retry_different", 0.95)},
	}}
	r := New(client)

	first, err := r.Decide(context.Background(), Input{
		Type:     DecisionRecovery,
		Question: "choose the recovery strategy for this failed artifact build",
		Subject:  "task-7",
		Cause:    errors.New("tool exited with status 1"),
		Factors:  map[string]string{"attempt": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, SourceModel, first.Source)

	// Same structural shape: only identifiers and factor values differ.
	second, err := r.Decide(context.Background(), Input{
		Type:     DecisionRecovery,
		Question: "choose the recovery strategy for this failed artifact build",
		Subject:  "task-42",
		Cause:    errors.New("tool exited with status 1"),
		Factors:  map[string]string{"attempt": "3"},
	})
	require.NoError(t, err)
	require.Equal(t, SourceHistory, second.Source)
	require.Equal(t, "retry_different", second.Outcome)
	require.Equal(t, 0.95, second.Confidence)
	require.Equal(t, 1, client.calls(), "history hit must not call the model")
	require.Equal(t, 1, r.HistoryLen(DecisionRecovery))
}

func TestHistorySkipsMidConfidenceUntilImproved(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("assess_risk", OutcomeMedium, 0.85)},
		{resp: toolResponse("assess_risk", OutcomeMedium, 0.95)},
	}}
	r := New(client)
	in := Input{
		Type:     DecisionRisk,
		Question: "is it safe to overwrite the generated client",
		Subject:  "client.go",
	}

	d, err := r.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 0.85, d.Confidence)

	// 0.85 is autonomous but below the reuse bar, so the model is asked
	// again; the improved answer then serves from history.
	d, err = r.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, SourceModel, d.Source)
	require.Equal(t, 0.95, d.Confidence)

	d, err = r.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, SourceHistory, d.Source)
	require.Equal(t, 2, client.calls())
	require.Equal(t, 1, r.HistoryLen(DecisionRisk))
}

func TestLowConfidenceFallsBackToRules(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("assess_severity", OutcomeCritical, 0.4)},
	}}
	r := New(client)

	d, err := r.Decide(context.Background(), Input{
		Type:     DecisionSeverity,
		Question: "how severe is this failure",
		Subject:  "api-types",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMedium, d.Outcome, "low-confidence critical must degrade to the conservative default")
	require.Equal(t, SourceRules, d.Source)
	require.Equal(t, RuleConfidence, d.Confidence)
	require.False(t, r.Autonomous(d))
}

func TestModelErrorFallsBackToRules(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{err: errors.New("provider unavailable")},
	}}
	r := New(client)

	d, err := r.Decide(context.Background(), Input{
		Type:    DecisionRisk,
		Subject: "deploy step",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeHigh, d.Outcome)
	require.Equal(t, SourceRules, d.Source)
}

func TestInvalidOutcomeFallsBackToRules(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("judge_auto_fixable", "sideways", 0.99)},
	}}
	r := New(client)

	d, err := r.Decide(context.Background(), Input{
		Type:    DecisionAutoFixable,
		Subject: "lint failure",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFixable, d.Outcome)
	require.Equal(t, SourceRules, d.Source)
}

func TestTextJSONAnswerIsAccepted(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: model.Response{Content: []model.Message{{
			Role:    "assistant",
			Content: `Here is my judgement: {"outcome":"approve","confidence":0.92,"rationale":"output matches the contract"}`,
		}}}},
	}}
	r := New(client)

	d, err := r.Decide(context.Background(), Input{
		Type:    DecisionApproval,
		Subject: "cli.go",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApprove, d.Outcome)
	require.Equal(t, 0.92, d.Confidence)
	require.Equal(t, SourceModel, d.Source)
}

func TestRuleFallbacksWithoutClient(t *testing.T) {
	cases := []struct {
		name    string
		in      Input
		outcome string
	}{
		{
			name:    "severity without cause defaults to medium",
			in:      Input{Type: DecisionSeverity},
			outcome: OutcomeMedium,
		},
		{
			name:    "severity of structural errors is high",
			in:      Input{Type: DecisionSeverity, Cause: &graph.CycleError{Path: []string{"a", "b", "a"}}},
			outcome: OutcomeHigh,
		},
		{
			name:    "severity of cancellation is low",
			in:      Input{Type: DecisionSeverity, Cause: context.Canceled},
			outcome: OutcomeLow,
		},
		{
			name:    "recovery without cause escalates",
			in:      Input{Type: DecisionRecovery},
			outcome: string(recovery.StrategyEscalate),
		},
		{
			name:    "recovery of execution errors retries",
			in:      Input{Type: DecisionRecovery, Cause: errors.New("tool exited with status 1")},
			outcome: string(recovery.StrategyRetry),
		},
		{
			name:    "recovery of limit errors escalates",
			in:      Input{Type: DecisionRecovery, Cause: &subagent.ConcurrencyLimitError{Active: 8, Requested: 1, Limit: 8}},
			outcome: string(recovery.StrategyEscalate),
		},
		{
			name:    "recovery of cancellation aborts",
			in:      Input{Type: DecisionRecovery, Cause: context.Canceled},
			outcome: string(recovery.StrategyAbort),
		},
		{
			name:    "approval rejects",
			in:      Input{Type: DecisionApproval},
			outcome: OutcomeReject,
		},
		{
			name:    "auto fixable denies",
			in:      Input{Type: DecisionAutoFixable},
			outcome: OutcomeNotFixable,
		},
		{
			name:    "root cause is unknown",
			in:      Input{Type: DecisionRootCause},
			outcome: OutcomeUnknown,
		},
		{
			name:    "risk is high",
			in:      Input{Type: DecisionRisk},
			outcome: OutcomeHigh,
		},
	}
	r := New(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := r.Decide(context.Background(), tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.outcome, d.Outcome)
			require.Equal(t, SourceRules, d.Source)
			require.NotEmpty(t, d.Rationale)
			require.False(t, r.Autonomous(d))
		})
	}
}

func TestDecideRejectsUnknownType(t *testing.T) {
	r := New(nil)
	_, err := r.Decide(context.Background(), Input{Type: "vibes"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown decision type")
}

func TestCancellationSurfacesInsteadOfRules(t *testing.T) {
	r := New(clientFunc(func(ctx context.Context, _ model.Request) (model.Response, error) {
		return model.Response{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Decide(ctx, Input{Type: DecisionRisk, Subject: "anything"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnrichersContributeFactors(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("assess_severity", OutcomeHigh, 0.2)}, // forces rules
	}}
	r := New(client,
		WithEnricher(EnricherFunc(func(_ context.Context, _ Input) map[string]string {
			return map[string]string{"recent_failures": "3", "env": "prod"}
		})),
	)

	d, err := r.Decide(context.Background(), Input{
		Type:    DecisionSeverity,
		Subject: "service",
		Factors: map[string]string{"env": "ci"},
	})
	require.NoError(t, err)

	user := client.lastRequest(t).Messages[1].Content
	require.Contains(t, user, "recent_failures: 3")
	require.Contains(t, user, "env: ci", "caller factors win on key conflicts")
	require.NotContains(t, user, "env: prod")

	require.Equal(t, SourceRules, d.Source)
	require.Contains(t, d.ContextFactors, "recent_failures=3")
	require.Contains(t, d.ContextFactors, "env=ci")
}

func TestHistoryEvictsOldestContexts(t *testing.T) {
	var steps []scriptStep
	for range 4 {
		steps = append(steps, scriptStep{resp: toolResponse("judge_semantic_approval", OutcomeApprove, 0.95)})
	}
	client := &scriptClient{steps: steps}
	r := New(client, WithMaxHistory(2))

	for _, subject := range []string{"alpha", "beta", "gamma"} {
		_, err := r.Decide(context.Background(), Input{Type: DecisionApproval, Subject: subject})
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.HistoryLen(DecisionApproval))

	// alpha was evicted, so deciding it again consults the model.
	_, err := r.Decide(context.Background(), Input{Type: DecisionApproval, Subject: "alpha"})
	require.NoError(t, err)
	require.Equal(t, 4, client.calls())

	// gamma survived eviction and still serves from history.
	d, err := r.Decide(context.Background(), Input{Type: DecisionApproval, Subject: "gamma"})
	require.NoError(t, err)
	require.Equal(t, SourceHistory, d.Source)
	require.Equal(t, 4, client.calls())
}

func TestRecoveryStrategyAdvisor(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse("choose_recovery_strategy", "retry", 0.9)},
	}}
	r := New(client)

	strat, err := r.RecoveryStrategy(context.Background(), "api-types", errors.New("tool exited with status 1"))
	require.NoError(t, err)
	require.Equal(t, recovery.StrategyRetry, strat)
	require.True(t, strat.Valid())
}

func TestRecoveryStrategyAdvisorDegradesToTaxonomy(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{err: errors.New("provider unavailable")},
	}}
	r := New(client)

	strat, err := r.RecoveryStrategy(context.Background(), "api-types",
		&subagent.SpawnDepthError{ParentSessionID: "root", Depth: 3, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, recovery.StrategyEscalate, strat)
}

func TestDecisionToolShapes(t *testing.T) {
	for _, dt := range []DecisionType{
		DecisionSeverity, DecisionRecovery, DecisionApproval,
		DecisionAutoFixable, DecisionRootCause, DecisionRisk,
	} {
		t.Run(string(dt), func(t *testing.T) {
			def := decisionTool(dt)
			require.NotEmpty(t, def.Name)
			require.NotEmpty(t, def.Description)
			schema, ok := def.InputSchema.(map[string]any)
			require.True(t, ok)
			require.Equal(t, "object", schema["type"])
			props, ok := schema["properties"].(map[string]any)
			require.True(t, ok)
			for _, field := range []string{"outcome", "confidence", "rationale", "context_factors"} {
				require.Contains(t, props, field)
			}
			outcome := props["outcome"].(map[string]any)
			if dt == DecisionRootCause {
				require.NotContains(t, outcome, "enum", "root cause outcomes are free-form")
			} else {
				require.NotEmpty(t, outcome["enum"])
			}
		})
	}
}

func TestContextKeyNormalization(t *testing.T) {
	base := Input{
		Type:     DecisionRecovery,
		Question: "choose the recovery strategy",
		Subject:  "task-7",
		Factors:  map[string]string{"attempt": "1", "wave": "0"},
	}
	same := Input{
		Type:     DecisionRecovery,
		Question: "Choose the recovery strategy",
		Subject:  "task-1234",
		Factors:  map[string]string{"wave": "9", "attempt": "5"},
	}
	require.Equal(t, contextKey(base), contextKey(same))

	differentShape := base
	differentShape.Factors = map[string]string{"attempt": "1"}
	require.NotEqual(t, contextKey(base), contextKey(differentShape))

	differentKind := base
	differentKind.Cause = &subagent.ConcurrencyLimitError{Active: 8, Requested: 1, Limit: 8}
	require.NotEqual(t, contextKey(base), contextKey(differentKind))
}

func TestConcurrentDecidesShareHistory(t *testing.T) {
	var calls int
	var mu sync.Mutex
	r := New(clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return toolResponse("assess_risk", OutcomeLow, 0.95), nil
	}))

	var wg sync.WaitGroup
	decisions := make([]ReasonedDecision, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i], errs[i] = r.Decide(context.Background(), Input{
				Type:    DecisionRisk,
				Subject: fmt.Sprintf("step-%d", i),
			})
		}()
	}
	wg.Wait()

	// All subjects share one structural shape; later calls may reuse the
	// first answer but every call must land on the same outcome.
	for i := range 8 {
		require.NoError(t, errs[i])
		require.Equal(t, OutcomeLow, decisions[i].Outcome)
	}
	require.Equal(t, 1, r.HistoryLen(DecisionRisk))
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 1)
	require.LessOrEqual(t, calls, 8)
}
