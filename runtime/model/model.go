// Package model provides provider-agnostic interfaces for the LLM clients the
// execution core depends on. The planner, reasoner and task executor all speak
// this normalized contract; implementations under features/model translate it
// to the Anthropic, OpenAI and Bedrock SDKs.
package model

import (
	"context"
	"errors"

	"sunwell.dev/sunwell/runtime/tools"
)

type (
	// Client defines the contract core components use to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use; the
	// executor issues calls from multiple wave workers at once.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text, tool requests, usage deltas). The
		// returned Streamer must be closed by callers. Providers that do not
		// support streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific metadata for the stream, such as
		// "provider", "model" and request/trace identifiers. Callers should
		// treat contents as optional and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by all
	// backends; implementations document unsupported fields and either return
	// errors or apply sensible defaults.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "claude-sonnet-4-20250514", "gpt-4o").
		Model string

		// Messages is the ordered chat history provided to the model,
		// including system prompts, user inputs, and prior assistant turns.
		Messages []*Message

		// Temperature controls sampling temperature (typically 0.0 to 2.0).
		// The harmonic planner varies this field across candidates.
		Temperature float32

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition

		// MaxTokens caps the number of completion tokens the model can
		// generate. Zero means use the provider default.
		MaxTokens int

		// Stream indicates whether the caller prefers streaming output.
		// Providers may ignore this flag if streaming is unsupported.
		Stream bool

		// Thinking configures provider-specific thinking modes for models
		// that support reflective chains. Nil disables thinking.
		Thinking *ThinkingOptions
	}

	// Response wraps the generated content and any tool call suggestions from
	// the model provider.
	Response struct {
		// Content contains the assistant messages returned by the model.
		// Empty if the model only requested tool calls.
		Content []Message

		// ToolCalls lists any tool invocations requested by the model. Empty
		// if the model produced a final text response.
		ToolCalls []ToolCall

		// Usage reports token usage when available. Some providers omit it
		// for streaming responses; check InputTokens > 0 for availability.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific; common ones include "stop_sequence",
		// "max_tokens" and "tool_calls".
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role indicates the message role: "user", "assistant", "system", or
		// provider-specific roles like "tool".
		Role string

		// Content is the message text. May be empty if the message is a tool
		// call request or tool result with no text.
		Content string

		// Meta carries provider-specific metadata like message IDs. Core
		// components typically ignore this; it is preserved for debugging.
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Some providers
		// restrict allowed characters (alphanumeric + underscores) or length.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool's input
		// parameters, typically a map[string]any with "type": "object",
		// "properties" and "required" fields.
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model provider
	// during function calling.
	ToolCall struct {
		// Name identifies which tool should be invoked (must match a
		// ToolDefinition.Name from the request).
		Name tools.Ident

		// Payload carries the JSON arguments requested by the model,
		// typically a map[string]any conforming to the tool's InputSchema.
		Payload any
	}

	// Chunk represents a streaming event emitted by the model. The Type value
	// indicates which payload fields are populated:
	//
	//   - "text":      Message holds an assistant message delta.
	//   - "thinking":  Thinking holds a reasoning delta.
	//   - "tool_call": ToolCall holds the requested tool invocation.
	//   - "usage":     UsageDelta reports incremental token usage.
	//   - "stop":      StopReason explains termination.
	Chunk struct {
		// Type is the chunk kind. One of: "text", "thinking", "tool_call",
		// "usage", or "stop".
		Type string
		// Message contains the assistant message when Type == "text".
		Message *Message
		// Thinking contains the reasoning delta when Type == "thinking".
		Thinking string
		// ToolCall carries the requested invocation when Type == "tool_call".
		ToolCall *ToolCall
		// UsageDelta reports incremental token usage when Type == "usage".
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == "stop".
		StopReason string
	}

	// ThinkingOptions toggles provider-specific thinking modes for models
	// that support reflective chains.
	ThinkingOptions struct {
		// Enable turns provider-specific thinking modes on or off.
		Enable bool
		// BudgetTokens caps tokens allocated to thinking output. Zero means
		// the provider default.
		BudgetTokens int
		// DisableReason optionally records why thinking was disabled.
		DisableReason string
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. All fields are zero if the provider doesn't report
	// usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced by this completion.
		OutputTokens int

		// TotalTokens reports the aggregate tokens consumed. Some providers
		// compute this differently than Input + Output, so prefer this field
		// when available.
		TotalTokens int
	}
)

// Chunk type constants are the well-known streaming event kinds produced by
// model providers. These values populate Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeThinking = "thinking"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Text returns the concatenated content of all assistant messages in the
// response. Convenience for callers that expect a single text answer, such as
// the reasoner and the planner's candidate generation loop.
func (r Response) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Content
	}
	var out string
	for _, m := range r.Content {
		out += m.Content
	}
	return out
}
