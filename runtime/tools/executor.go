package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/telemetry"
)

type (
	// Executor is the façade through which the core invokes tools. It
	// enforces the trust policy, validates payloads against each tool's JSON
	// Schema, emits tool_start/tool_complete/tool_error events, and records
	// call durations.
	//
	// Executors are safe for concurrent use; wave workers and subagents
	// share a single instance.
	Executor struct {
		runner  Runner
		trust   TrustLevel
		bus     hooks.Bus
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu    sync.RWMutex
		tools map[Ident]registration
	}

	// registration pairs a tool with its compiled schema.
	registration struct {
		tool   Tool
		schema *jsonschema.Schema
	}

	// ExecutorOption customizes executor construction.
	ExecutorOption func(*Executor)
)

// WithTrust sets the session trust level. Defaults to TrustReadOnly so an
// unconfigured executor never mutates anything.
func WithTrust(level TrustLevel) ExecutorOption {
	return func(e *Executor) { e.trust = level }
}

// WithBus sets the event bus tool lifecycle events are published to.
func WithBus(bus hooks.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log telemetry.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor constructs a tool executor that dispatches calls to the given
// runner. Register tools before executing calls.
func NewExecutor(runner Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:  runner,
		trust:   TrustReadOnly,
		bus:     hooks.NewBus(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tools:   make(map[Ident]registration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a tool to the executor, compiling its input schema when one
// is declared. Registering an existing ID replaces the prior registration.
func (e *Executor) Register(tool Tool) error {
	if tool.ID == "" {
		return fmt.Errorf("tools: tool ID is required")
	}
	reg := registration{tool: tool}
	if tool.InputSchema != nil {
		schema, err := compileSchema(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", tool.ID, err)
		}
		reg.schema = schema
	}
	e.mu.Lock()
	e.tools[tool.ID] = reg
	e.mu.Unlock()
	return nil
}

// Lookup returns the registered tool for the given ID.
func (e *Executor) Lookup(id Ident) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.tools[id]
	return reg.tool, ok
}

// Trust returns the executor's session trust level.
func (e *Executor) Trust() TrustLevel { return e.trust }

// Allowed lists the registered tools the session trust level permits, for
// building model tool definitions. Denied tools are omitted entirely rather
// than advertised and rejected at call time.
func (e *Executor) Allowed() []Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Tool, 0, len(e.tools))
	for _, reg := range e.tools {
		if e.trust.Allows(reg.tool.requiredTrust()) {
			out = append(out, reg.tool)
		}
	}
	return out
}

// Execute runs one tool call through the full policy pipeline: cancellation
// check, registration lookup, trust enforcement, payload validation,
// dispatch, events and metrics.
//
// Cancellation returns ctx.Err() without emitting tool_error; an aborted call
// is expected flow, not a failure. Every other rejection emits tool_error,
// and trust denials additionally emit a reliability_warning so suspicious
// model behavior is visible in the journey.
func (e *Executor) Execute(ctx context.Context, call Call) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	callID := uuid.NewString()
	name := call.ID.String()

	e.mu.RLock()
	reg, ok := e.tools[call.ID]
	e.mu.RUnlock()
	if !ok {
		err := &UnknownToolError{ID: call.ID}
		e.bus.Publish(ctx, hooks.NewToolErrorEvent(call.SessionID, name, callID, err))
		return Result{}, err
	}

	if required := reg.tool.requiredTrust(); !e.trust.Allows(required) {
		err := &TrustDeniedError{ID: call.ID, Required: required, Granted: e.trust}
		e.bus.Publish(ctx, hooks.NewToolErrorEvent(call.SessionID, name, callID, err))
		e.bus.Publish(ctx, hooks.NewReliabilityWarningEvent(call.SessionID, "trust_denied", err.Error(), name))
		e.metrics.IncCounter("tools_trust_denied", 1, "tool", name)
		return Result{}, err
	}

	if reg.schema != nil {
		if err := validatePayload(reg.schema, call.Payload); err != nil {
			perr := &PayloadError{ID: call.ID, Cause: err}
			e.bus.Publish(ctx, hooks.NewToolErrorEvent(call.SessionID, name, callID, perr))
			return Result{}, perr
		}
	}

	e.bus.Publish(ctx, hooks.NewToolStartEvent(call.SessionID, name, callID, call.Payload))
	start := time.Now()
	res, err := e.runner.Run(ctx, call)
	elapsed := time.Since(start)
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	if err != nil {
		if ctx.Err() != nil {
			// The run was cancelled mid-flight; surface the cancellation.
			return Result{}, ctx.Err()
		}
		e.bus.Publish(ctx, hooks.NewToolErrorEvent(call.SessionID, name, callID, err))
		e.metrics.IncCounter("tools_errors", 1, "tool", name)
		e.log.Warn(ctx, "tool call failed", "tool", name, "call_id", callID, "err", err.Error())
		return Result{}, fmt.Errorf("tools: run %q: %w", call.ID, err)
	}

	e.bus.Publish(ctx, hooks.NewToolCompleteEvent(call.SessionID, name, callID, res.Duration, res.Output))
	e.metrics.RecordTimer("tools_duration", res.Duration, "tool", name)
	return res, nil
}

// compileSchema compiles a JSON Schema declared as a Go value (typically
// map[string]any) into a validator.
func compileSchema(schema any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain JSON types
	// regardless of how the schema was declared.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// validatePayload checks the payload against the compiled schema. The payload
// is round-tripped through JSON so validation sees the wire representation.
func validatePayload(schema *jsonschema.Schema, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return schema.Validate(doc)
}
