package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"sunwell.dev/sunwell/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func collectChunks(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		chunks = append(chunks, ch)
	}
}

func TestStreamerTextToolUsageAndStop(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4","usage":{"input_tokens":7,"output_tokens":0}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"wor"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"king"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"read_file","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"ma"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"in.go\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":7,"output_tokens":9}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	nameMap := map[string]string{"read_file": "fs.read_file"}

	s := newStreamer(context.Background(), stream, nameMap, "claude-sonnet-4")
	defer func() { _ = s.Close() }()

	chunks := collectChunks(t, s)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d: %+v", len(chunks), chunks)
	}

	if chunks[0].Type != model.ChunkTypeText || chunks[0].Message == nil || chunks[0].Message.Content != "wor" {
		t.Fatalf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[0].Message.Role != "assistant" {
		t.Fatalf("unexpected role %q", chunks[0].Message.Role)
	}
	if chunks[1].Type != model.ChunkTypeText || chunks[1].Message.Content != "king" {
		t.Fatalf("unexpected second chunk %+v", chunks[1])
	}

	tool := chunks[2]
	if tool.Type != model.ChunkTypeToolCall || tool.ToolCall == nil {
		t.Fatalf("expected tool_call chunk, got %+v", tool)
	}
	if string(tool.ToolCall.Name) != "fs.read_file" {
		t.Fatalf("canonical name not restored, got %q", tool.ToolCall.Name)
	}
	payload, ok := tool.ToolCall.Payload.(map[string]any)
	if !ok || payload["path"] != "main.go" {
		t.Fatalf("fragments not assembled: %v", tool.ToolCall.Payload)
	}

	usage := chunks[3]
	if usage.Type != model.ChunkTypeUsage || usage.UsageDelta == nil {
		t.Fatalf("expected usage chunk, got %+v", usage)
	}
	if usage.UsageDelta.InputTokens != 7 || usage.UsageDelta.OutputTokens != 9 || usage.UsageDelta.TotalTokens != 16 {
		t.Fatalf("unexpected usage %+v", usage.UsageDelta)
	}

	if chunks[4].Type != model.ChunkTypeStop || chunks[4].StopReason != "tool_use" {
		t.Fatalf("unexpected stop chunk %+v", chunks[4])
	}

	meta := s.Metadata()
	if meta["provider"] != "anthropic" || meta["model"] != "claude-sonnet-4" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if u, ok := meta["usage"].(model.TokenUsage); !ok || u.OutputTokens != 9 {
		t.Fatalf("usage not recorded in metadata: %v", meta["usage"])
	}
}

func TestStreamerThinkingDeltasPassThrough(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"First, "}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"inspect deps."}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig=="}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil, "claude-sonnet-4")
	defer func() { _ = s.Close() }()

	chunks := collectChunks(t, s)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != model.ChunkTypeThinking || chunks[0].Thinking != "First, " {
		t.Fatalf("unexpected chunk %+v", chunks[0])
	}
	if chunks[1].Type != model.ChunkTypeThinking || chunks[1].Thinking != "inspect deps." {
		t.Fatalf("unexpected chunk %+v", chunks[1])
	}
	if chunks[2].Type != model.ChunkTypeStop {
		t.Fatalf("unexpected chunk %+v", chunks[2])
	}
}

func TestStreamerEmptyToolInputBecomesEmptyObject(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"list_files","input":{}}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil, "claude-sonnet-4")
	defer func() { _ = s.Close() }()

	chunks := collectChunks(t, s)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	tool := chunks[0]
	if tool.Type != model.ChunkTypeToolCall {
		t.Fatalf("expected tool_call chunk, got %+v", tool)
	}
	// No name map entry: the provider-visible name passes through untouched.
	if string(tool.ToolCall.Name) != "list_files" {
		t.Fatalf("unexpected name %q", tool.ToolCall.Name)
	}
	payload, ok := tool.ToolCall.Payload.(map[string]any)
	if !ok || len(payload) != 0 {
		t.Fatalf("expected empty object payload, got %v", tool.ToolCall.Payload)
	}
}

func TestStreamerDecoderFailureClassified(t *testing.T) {
	dec := &testDecoder{err: errors.New("connection reset by peer")}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil, "claude-sonnet-4")
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected stream error, got %v", err)
	}
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Operation() != "messages.stream" || pe.Kind() != model.ProviderErrorKindUnavailable {
		t.Fatalf("unexpected classification %+v", pe)
	}
}

func TestStreamerCloseAfterDrain(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil, "claude-sonnet-4")
	chunks := collectChunks(t, s)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after drain, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
