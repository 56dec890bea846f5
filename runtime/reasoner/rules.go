package reasoner

// rules.go holds the per-type fallback functions. They answer when the
// model is unavailable or below the confidence threshold, and they always
// pick the conservative side: medium severity, escalate, reject, not
// fixable, high risk. Recovery is the one type with a real rule table,
// driven by the error taxonomy.

import (
	"fmt"
	"sort"

	"sunwell.dev/sunwell/runtime/recovery"
)

// ruleDecision produces the conservative fallback for in. The result
// carries RuleConfidence, which sits below the autonomy threshold so
// callers can tell a default from a judgement.
func (r *Reasoner) ruleDecision(in Input) ReasonedDecision {
	d := ReasonedDecision{
		Type:           in.Type,
		Confidence:     RuleConfidence,
		Source:         SourceRules,
		ContextFactors: factorList(in.Factors),
	}
	switch in.Type {
	case DecisionSeverity:
		d.Outcome, d.Rationale = ruleSeverity(in.Cause)
	case DecisionRecovery:
		if in.Cause == nil {
			d.Outcome = string(recovery.StrategyEscalate)
			d.Rationale = "no failure details available; escalating"
			break
		}
		cat := recovery.Classify(in.Cause)
		d.Outcome = string(recovery.DefaultStrategy(cat))
		d.Rationale = fmt.Sprintf("taxonomy rule for %s errors", cat)
	case DecisionApproval:
		d.Outcome = OutcomeReject
		d.Rationale = "approval requires a high-confidence judgement; rejecting by default"
	case DecisionAutoFixable:
		d.Outcome = OutcomeNotFixable
		d.Rationale = "cannot establish that an automatic fix is safe; leaving to the operator"
	case DecisionRootCause:
		d.Outcome = OutcomeUnknown
		d.Rationale = "not enough signal to name a root cause"
	case DecisionRisk:
		d.Outcome = OutcomeHigh
		d.Rationale = "unassessed actions are treated as high risk"
	}
	return d
}

// ruleSeverity grades severity from the error taxonomy alone. Structural
// and data errors poison everything downstream of them, cancellation is
// routine, and the rest defaults to medium.
func ruleSeverity(cause error) (outcome, rationale string) {
	if cause == nil {
		return OutcomeMedium, "no failure details available; defaulting to medium severity"
	}
	switch recovery.Classify(cause) {
	case recovery.CategoryStructural:
		return OutcomeHigh, "structural errors invalidate the plan and every dependent artifact"
	case recovery.CategoryData:
		return OutcomeHigh, "data corruption undermines cache and memory consistency"
	case recovery.CategoryCancellation:
		return OutcomeLow, "cancellation is an orderly stop, not a fault"
	}
	return OutcomeMedium, "execution failures are recoverable; defaulting to medium severity"
}

// factorList flattens factors into sorted "key=value" strings for the
// decision record.
func factorList(factors map[string]string) []string {
	if len(factors) == 0 {
		return nil
	}
	out := make([]string, 0, len(factors))
	for k, v := range factors {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
