// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and translates Converse
// responses (text + tool_use blocks) back into the runtime's normalized
// vocabulary.
//
// Bedrock enforces stricter tool name constraints than other providers, so the
// adapter sanitizes canonical tool identifiers on the way out and restores
// them from a per-request reverse map on the way back.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/telemetry"
	"sunwell.dev/sunwell/runtime/tools"
)

const bedrockProviderName = "bedrock"

type (
	// RuntimeClient abstracts the subset of the Bedrock runtime API the
	// adapter depends on. *bedrockruntime.Client satisfies it through the
	// awsRuntime wrapper; tests substitute fakes.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput exposes the event stream of a ConverseStream call. The
	// indirection exists because bedrockruntime.ConverseStreamOutput cannot
	// be constructed with events outside the SDK.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures a Client.
	Options struct {
		// Runtime performs the Converse calls. Required.
		Runtime RuntimeClient

		// DefaultModel is the Bedrock model identifier used when
		// Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client requires
		// callers to set Request.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// ThinkingBudget defines the default thinking token budget when
		// thinking is enabled without an explicit budget.
		ThinkingBudget int64

		// Logger records schema encoding problems. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Client adapts the Bedrock Converse API to model.Client.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float64
		think        int64
		logger       telemetry.Logger
	}
)

// awsRuntime adapts *bedrockruntime.Client to RuntimeClient.
type awsRuntime struct {
	client *bedrockruntime.Client
}

func (r awsRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r awsRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New returns a Client configured with opts.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a Client on top of a Bedrock runtime client created
// from the given AWS configuration.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Client, error) {
	return New(Options{
		Runtime:      awsRuntime{client: bedrockruntime.NewFromConfig(cfg)},
		DefaultModel: defaultModel,
	})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return model.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, buildConverseInput(parts))
	if err != nil {
		return model.Response{}, wrapBedrockError("converse", err)
	}
	return translateResponse(out, parts.sanToCanon)
}

// Stream implements model.Client. Tool input fragments are buffered
// internally and surface as a single tool_call chunk when the block closes.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, buildConverseStreamInput(parts))
	if err != nil {
		return nil, wrapBedrockError("converse_stream", err)
	}
	return newBedrockStreamer(ctx, out.GetStream(), parts.sanToCanon, parts.modelID), nil
}

// requestParts carries the encoded pieces of a Converse request.
type requestParts struct {
	modelID        string
	messages       []brtypes.Message
	system         []brtypes.SystemContentBlock
	toolConfig     *brtypes.ToolConfiguration
	sanToCanon     map[string]string
	maxTokens      int
	temperature    float32
	thinkingBudget int64
}

func (c *Client) prepareRequest(ctx context.Context, req model.Request) (requestParts, error) {
	if len(req.Messages) == 0 {
		return requestParts{}, errors.New("bedrock: messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	toolConfig, sanToCanon, err := encodeTools(ctx, req.Tools, c.logger)
	if err != nil {
		return requestParts{}, err
	}

	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return requestParts{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return requestParts{}, errors.New("bedrock: max_tokens must be positive")
	}

	parts := requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		sanToCanon:  sanToCanon,
		maxTokens:   maxTokens,
		temperature: c.effectiveTemperature(req.Temperature),
	}

	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = c.think
		}
		if budget <= 0 {
			return requestParts{}, errors.New("bedrock: thinking budget is required when thinking is enabled")
		}
		if budget < 1024 {
			return requestParts{}, fmt.Errorf("bedrock: thinking budget %d must be >= 1024", budget)
		}
		if budget >= int64(maxTokens) {
			return requestParts{}, fmt.Errorf("bedrock: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		parts.thinkingBudget = budget
	}

	return parts, nil
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return float32(c.temp)
}

func buildConverseInput(parts requestParts) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: inferenceConfig(parts),
	}
	if parts.thinkingBudget > 0 {
		input.AdditionalModelRequestFields = thinkingDocument(parts.thinkingBudget)
	}
	return input
}

func buildConverseStreamInput(parts requestParts) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: inferenceConfig(parts),
	}
	if parts.thinkingBudget > 0 {
		input.AdditionalModelRequestFields = thinkingDocument(parts.thinkingBudget)
	}
	return input
}

func inferenceConfig(parts requestParts) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(parts.maxTokens)),
	}
	if parts.temperature > 0 {
		cfg.Temperature = aws.Float32(parts.temperature)
	}
	return cfg
}

// thinkingDocument builds the model-specific request fields that enable
// Claude extended thinking through Bedrock.
func thinkingDocument(budget int64) document.Interface {
	fields := map[string]any{
		"thinking": map[string]any{
			"type":          "enabled",
			"budget_tokens": budget,
		},
	}
	return document.NewLazyDocument(&fields)
}

func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case "user", "assistant":
			role := brtypes.ConversationRoleUser
			if m.Role == "assistant" {
				role = brtypes.ConversationRoleAssistant
			}
			conversation = append(conversation, brtypes.Message{
				Role: role,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: m.Content},
				},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(ctx context.Context, defs []*model.ToolDefinition, logger telemetry.Logger) (*brtypes.ToolConfiguration, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	// sanToCanon is the reverse map used to translate provider names back to
	// canonical identifiers.
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := def.Name
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		if def.Description == "" {
			return nil, nil, fmt.Errorf("bedrock: tool %q is missing description", canonical)
		}
		sanToCanon[sanitized] = canonical
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, def.InputSchema, logger)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, sanToCanon, nil
}

func toDocument(ctx context.Context, schema any, logger telemetry.Logger) document.Interface {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if schema == nil {
		return lazyDocument(map[string]any{"type": "object"})
	}
	switch v := schema.(type) {
	case document.Interface:
		return v
	case json.RawMessage:
		if len(v) == 0 {
			return lazyDocument(map[string]any{"type": "object"})
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			logger.Error(
				ctx,
				"failed to unmarshal tool schema",
				"component", "bedrock",
				"event", "unmarshal_schema_failed",
				"err", err,
			)
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var resp model.Response
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				resp.Content = append(resp.Content, model.Message{
					Role:    "assistant",
					Content: v.Value,
				})
			case *brtypes.ContentBlockMemberToolUse:
				name := normalizeToolName(aws.ToString(v.Value.Name))
				// Hallucinated tool names pass through unchanged so the
				// policy layer can reject them with full context.
				if canonical, ok := nameMap[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					Name:    tools.Ident(name),
					Payload: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

// decodeDocument converts a smithy document into a structured payload.
// Payloads that do not decode as JSON surface as raw bytes.
func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return json.RawMessage(data)
	}
	return payload
}

// normalizeToolName strips the "$FUNCTIONS." prefix some Bedrock-hosted
// models prepend to tool names they echo back.
func normalizeToolName(name string) string {
	if strings.HasPrefix(name, "$FUNCTIONS.") {
		return strings.TrimPrefix(name, "$FUNCTIONS.")
	}
	return name
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func wrapBedrockError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		status int
		code   string
		msg    string
	)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	if msg == "" {
		msg = err.Error()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case code == "ThrottlingException" || code == "TooManyRequestsException" || status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case code == "AccessDeniedException" || code == "UnauthorizedException" ||
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case code == "ValidationException" || (status >= http.StatusBadRequest && status < http.StatusInternalServerError):
		kind = model.ProviderErrorKindInvalidRequest
	case code == "ServiceUnavailableException" || code == "ModelNotReadyException" ||
		code == "InternalServerException" || status >= http.StatusInternalServerError || status == 0:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}

	return model.NewProviderError(bedrockProviderName, operation, status, kind, code, msg, "", retryable, err)
}
