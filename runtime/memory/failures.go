package memory

import (
	"context"
	"fmt"

	"sunwell.dev/sunwell/runtime/hooks"
)

// failureConfidence is assigned to automatically recorded failure
// learnings. Observed once is suggestive, not established.
const failureConfidence = 0.6

// RecordFailures subscribes the store to the bus and persists every error
// event as a failure_pattern learning, so the next session knows what went
// wrong in this one. The deterministic entry ID collapses repeats of the
// same failure into a single journal identity. Close the returned
// subscription to stop recording.
func (s *Store) RecordFailures(bus hooks.Bus) (hooks.Subscription, error) {
	return bus.Register(hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		evt, ok := event.(*hooks.ErrorEvent)
		if !ok {
			return nil
		}
		fact := failureFact(evt)
		if _, err := s.Add(ctx, LearningEntry{
			Fact:       fact,
			Category:   CategoryFailurePattern,
			Confidence: failureConfidence,
			SourceFile: evt.ArtifactID,
		}); err != nil {
			s.log.Warn(ctx, "failed to record failure learning", "error", err)
		}
		return nil
	}))
}

func failureFact(evt *hooks.ErrorEvent) string {
	fact := evt.Message
	if evt.ArtifactID != "" {
		fact = fmt.Sprintf("artifact %s failed: %s", evt.ArtifactID, evt.Message)
	}
	if evt.Kind != "" {
		fact = fmt.Sprintf("%s (kind %s)", fact, evt.Kind)
	}
	if evt.SuggestedAction != "" {
		fact = fmt.Sprintf("%s; suggested action %s", fact, evt.SuggestedAction)
	}
	return fact
}
