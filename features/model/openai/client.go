// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into ChatCompletion
// calls using github.com/openai/openai-go and maps responses back to the
// generic structures the planner, reasoner and task executor consume.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/tools"
)

// ChatClient captures the subset of the OpenAI SDK client used by the adapter.
// It is satisfied by *sdk.ChatCompletionService so callers can pass either a
// real SDK client or a test double.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client issues Chat Completions requests. Usually &c.Chat.Completions for
	// an sdk.Client c.
	Client ChatClient

	// DefaultModel is the model identifier used when model.Request.Model is
	// empty (for example string(sdk.ChatModelGPT4o)).
	DefaultModel string

	// MaxTokens caps completion tokens when a request does not set MaxTokens.
	// Zero leaves the provider default in place.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float64
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float64
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:   opts.Client,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return model.Response{}, classifyError("chat.completions.new", err)
	}
	return translateResponse(resp, provToCanon), nil
}

// Stream reports that Chat Completions streaming is not supported by this
// adapter. Callers should fall back to Complete.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	if req.Thinking != nil && req.Thinking.Enable {
		return nil, nil, errors.New("openai: thinking is not supported by the chat completions adapter")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			messages = append(messages, sdk.SystemMessage(m.Content))
		case "user":
			messages = append(messages, sdk.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			return nil, nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, nil, errors.New("openai: at least one non-empty message is required")
	}
	toolParams, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	} else if c.maxTok > 0 {
		params.MaxTokens = sdk.Int(int64(c.maxTok))
	}
	if t := float64(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, provToCanon, nil
}

// encodeTools converts tool definitions into OpenAI function tools. Canonical
// identifiers follow the "toolset.tool" pattern, which OpenAI's function naming
// rules reject, so names are sanitized the same way the Anthropic adapter does
// and a reverse map restores canonical identifiers on returned tool calls.
func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := def.Name
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, fmt.Errorf(
				"openai: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		fn := sdk.FunctionDefinitionParam{Name: sanitized}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		parameters, err := functionParameters(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: tool %q schema: %w", canonical, err)
		}
		if parameters != nil {
			fn.Parameters = parameters
		}
		toolList = append(toolList, sdk.ChatCompletionToolParam{Function: fn})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return toolList, sanToCanon, nil
}

func functionParameters(schema any) (sdk.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case map[string]any:
		return sdk.FunctionParameters(v), nil
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return sdk.FunctionParameters(m), nil
}

func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	base := in
	if idx := strings.LastIndex(in, "."); idx >= 0 && idx+1 < len(in) {
		base = in[idx+1:]
	}
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func translateResponse(resp *sdk.ChatCompletion, nameMap map[string]string) model.Response {
	var out model.Response
	if resp == nil {
		return out
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Content = append(out.Content, model.Message{
				Role:    "assistant",
				Content: msg.Content,
			})
		}
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			// Hallucinated tool names miss the reverse map and pass through for
			// the tool executor to reject.
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    tools.Ident(name),
				Payload: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	if u := resp.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
		out.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func parseToolArguments(raw string) any {
	if raw == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

// classifyError maps SDK failures onto the shared provider error taxonomy.
// Context cancellation passes through untouched.
func classifyError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return model.NewProviderError("openai", op, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
	}
	status := apierr.StatusCode
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == 401 || status == 403:
		kind = model.ProviderErrorKindAuth
	case status == 429:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status == 408 || status >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case status >= 400:
		kind = model.ProviderErrorKindInvalidRequest
	}
	return model.NewProviderError("openai", op, status, kind, "", apierr.Error(), requestID(apierr), retryable, err)
}

func requestID(apierr *sdk.Error) string {
	if apierr == nil || apierr.Response == nil {
		return ""
	}
	return apierr.Response.Header.Get("x-request-id")
}
