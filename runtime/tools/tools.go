// Package tools exposes the tool metadata, trust policy, and execution façade
// the core uses to invoke side-effecting operations on behalf of models.
package tools

import (
	"context"
	"time"
)

type (
	// Tool describes a registered tool: identity, prompting metadata, input
	// schema, and the trust tier required to invoke it.
	Tool struct {
		// ID is the canonical tool identifier.
		ID Ident
		// Description provides human-readable context for planners and
		// prompting.
		Description string
		// InputSchema is the JSON Schema for the tool payload, typically a
		// map[string]any. Nil disables payload validation for this tool.
		InputSchema any
		// Trust is the minimum trust level a session needs to invoke the
		// tool. Empty defaults to TrustShell so unclassified tools are never
		// invoked by restricted sessions.
		Trust TrustLevel
		// Tags carries optional metadata labels used by policy or UI layers.
		Tags []string
	}

	// Call captures a single tool invocation request.
	Call struct {
		// ID identifies the tool to invoke.
		ID Ident
		// SessionID attributes the call to an agent session for event
		// ordering and journaling.
		SessionID string
		// Payload carries the JSON arguments, typically a map[string]any
		// conforming to the tool's InputSchema.
		Payload any
	}

	// Result is the outcome of a tool invocation.
	Result struct {
		// Output is the tool's result value, JSON-serializable.
		Output any
		// Duration is the wall-clock execution time.
		Duration time.Duration
		// Meta holds tool-specific metadata not captured by common fields.
		Meta map[string]any
	}

	// Runner performs the actual work of a tool call. Implementations wrap
	// process execution, file access, or remote services. Runners must honor
	// context cancellation; the executor checks ctx before dispatch but
	// long-running tools must check it themselves at suspension points.
	Runner interface {
		Run(ctx context.Context, call Call) (Result, error)
	}

	// RunnerFunc adapts a function to the Runner interface.
	RunnerFunc func(ctx context.Context, call Call) (Result, error)
)

// Run invokes the function.
func (f RunnerFunc) Run(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// requiredTrust returns the tool's trust requirement, defaulting to shell for
// unclassified tools.
func (t Tool) requiredTrust() TrustLevel {
	if t.Trust.Valid() {
		return t.Trust
	}
	return TrustShell
}
