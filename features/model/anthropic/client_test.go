package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"sunwell.dev/sunwell/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage: sdk.Usage{
				InputTokens:  10,
				OutputTokens: 5,
			},
		},
	}
	cl, err := New(stub, Options{
		DefaultModel: "claude-sonnet-4",
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 content message, got %d", len(resp.Content))
	}
	if resp.Content[0].Role != "assistant" || resp.Content[0].Content != "world" {
		t.Fatalf("unexpected content %+v", resp.Content[0])
	}
	if resp.Text() != "world" {
		t.Fatalf("unexpected text %q", resp.Text())
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if got := string(stub.lastParams.Model); got != "claude-sonnet-4" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
}

func TestCompleteEncodesSystemToolsAndTemperature(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Model: "claude-haiku-3-5",
		Messages: []*model.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "read main.go"},
			{Role: "assistant", Content: "on it"},
		},
		Temperature: 0.5,
		MaxTokens:   256,
		Tools: []*model.ToolDefinition{
			{
				Name:        "fs.read_file",
				Description: "Read a file from the workspace",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
					"required":   []string{"path"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	params := stub.lastParams
	if got := string(params.Model); got != "claude-haiku-3-5" {
		t.Fatalf("request model not honored, got %q", got)
	}
	if params.MaxTokens != 256 {
		t.Fatalf("unexpected max tokens %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Fatalf("system blocks not encoded: %+v", params.System)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 conversation turns, got %d", len(params.Messages))
	}
	if params.Temperature.Value != 0.5 {
		t.Fatalf("unexpected temperature %v", params.Temperature.Value)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil || tool.Name != "read_file" {
		t.Fatalf("tool name not sanitized: %+v", params.Tools[0])
	}
}

func TestCompleteToolUseRestoresCanonicalNames(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{
					Type:  "tool_use",
					ID:    "tool-1",
					Name:  "read_file",
					Input: json.RawMessage(`{"path":"main.go"}`),
				},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "read it"}},
		Tools: []*model.ToolDefinition{
			{Name: "fs.read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "fs.write_file", Description: "Write a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if string(call.Name) != "fs.read_file" {
		t.Fatalf("canonical name not restored, got %q", call.Name)
	}
	payload, ok := call.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload not decoded to map: %T", call.Payload)
	}
	if payload["path"] != "main.go" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCompleteHallucinatedToolNameSurfacesAsIs(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "tool-1", Name: "made_up", Input: json.RawMessage(`{}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "go"}},
		Tools: []*model.ToolDefinition{
			{Name: "fs.read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Name) != "made_up" {
		t.Fatalf("hallucinated tool call not surfaced: %+v", resp.ToolCalls)
	}
}

func TestCompleteThinkingBudget(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl, err := New(stub, Options{
		DefaultModel:   "claude-sonnet-4",
		MaxTokens:      4096,
		ThinkingBudget: 2048,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "think hard"}},
		Thinking: &model.ThinkingOptions{Enable: true},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	enabled := stub.lastParams.Thinking.OfEnabled
	if enabled == nil || enabled.BudgetTokens != 2048 {
		t.Fatalf("thinking budget not applied: %+v", stub.lastParams.Thinking)
	}
}

func TestCompleteRejectsInvalidRequests(t *testing.T) {
	valid := Options{DefaultModel: "claude-sonnet-4", MaxTokens: 128}
	cases := map[string]struct {
		opts Options
		req  model.Request
		want string
	}{
		"no messages": {
			opts: valid,
			req:  model.Request{},
			want: "messages are required",
		},
		"only system messages": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "system", Content: "rules"}},
			},
			want: "at least one user or assistant message",
		},
		"unsupported role": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "tool", Content: "result"}},
			},
			want: "unsupported message role",
		},
		"missing max tokens": {
			opts: Options{DefaultModel: "claude-sonnet-4"},
			req: model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
			},
			want: "max_tokens must be positive",
		},
		"thinking budget too small": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
				Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 512},
			},
			want: "must be >= 1024",
		},
		"thinking budget above max tokens": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
				Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 2048},
			},
			want: "less than max_tokens",
		},
		"tool missing description": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
				Tools:    []*model.ToolDefinition{{Name: "fs.read_file"}},
			},
			want: "missing description",
		},
		"tool name collision": {
			opts: valid,
			req: model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
				Tools: []*model.ToolDefinition{
					{Name: "fs.read", Description: "a", InputSchema: json.RawMessage(`{"type":"object"}`)},
					{Name: "web.read", Description: "b", InputSchema: json.RawMessage(`{"type":"object"}`)},
				},
			},
			want: "collides",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cl, err := New(&stubMessagesClient{}, tc.opts)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = cl.Complete(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	cases := map[string]struct {
		status    int
		kind      model.ProviderErrorKind
		retryable bool
	}{
		"unauthorized":    {status: 401, kind: model.ProviderErrorKindAuth},
		"forbidden":       {status: 403, kind: model.ProviderErrorKindAuth},
		"rate limited":    {status: 429, kind: model.ProviderErrorKindRateLimited, retryable: true},
		"invalid request": {status: 400, kind: model.ProviderErrorKindInvalidRequest},
		"server error":    {status: 500, kind: model.ProviderErrorKindUnavailable, retryable: true},
		"overloaded":      {status: 529, kind: model.ProviderErrorKindUnavailable, retryable: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			apierr := &sdk.Error{
				StatusCode: tc.status,
				Request: &http.Request{
					Method: "POST",
					URL:    &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"},
				},
				Response: &http.Response{
					StatusCode: tc.status,
					Header:     http.Header{"Request-Id": []string{"req_abc"}},
				},
			}
			cl, err := New(&stubMessagesClient{err: apierr}, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 64})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = cl.Complete(context.Background(), model.Request{
				Messages: []*model.Message{{Role: "user", Content: "hi"}},
			})
			pe, ok := model.AsProviderError(err)
			if !ok {
				t.Fatalf("expected provider error, got %v", err)
			}
			if pe.Provider() != "anthropic" {
				t.Errorf("unexpected provider %q", pe.Provider())
			}
			if pe.Kind() != tc.kind {
				t.Errorf("kind = %q, want %q", pe.Kind(), tc.kind)
			}
			if pe.Retryable() != tc.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable(), tc.retryable)
			}
			if pe.HTTPStatus() != tc.status {
				t.Errorf("status = %d, want %d", pe.HTTPStatus(), tc.status)
			}
			if pe.RequestID() != "req_abc" {
				t.Errorf("request id = %q", pe.RequestID())
			}
		})
	}
}

func TestCompleteWrapsTransportErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	cl, err := New(&stubMessagesClient{err: cause}, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Kind() != model.ProviderErrorKindUnavailable || !pe.Retryable() {
		t.Fatalf("transport failures should be retryable unavailable, got %+v", pe)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not preserved")
	}
}

func TestCompletePreservesContextCancellation(t *testing.T) {
	cl, err := New(&stubMessagesClient{err: context.Canceled}, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := model.AsProviderError(err); ok {
		t.Fatalf("cancellation must not be wrapped as a provider error")
	}
}

func TestStreamSurfacesInitialError(t *testing.T) {
	stub := &stubMessagesClient{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](nil, errors.New("dial tcp: connection refused")),
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Stream(context.Background(), model.Request{
		Messages: []*model.Message{{Role: "user", Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Operation() != "messages.new_streaming" {
		t.Fatalf("unexpected operation %q", pe.Operation())
	}
}

func TestNewValidatesInputs(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "m"}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Fatalf("expected error for missing default model")
	}
	if _, err := NewFromAPIKey("", "m"); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := NewFromAPIKey("key", ""); err == nil {
		t.Fatalf("expected error for missing default model")
	}
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"fs.read_file":    "read_file",
		"read_file":       "read_file",
		"web.fetch-page":  "fetch-page",
		"shell.exec rm":   "exec_rm",
		"a.b.c":           "c",
		"":                "",
		"registry.ns/get": "ns_get",
	}
	for in, want := range cases {
		if got := sanitizeToolName(in); got != want {
			t.Errorf("sanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}
