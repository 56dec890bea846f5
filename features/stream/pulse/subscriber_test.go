package pulse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"sunwell.dev/sunwell/runtime/hooks"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{events: eventCh}
	str := &fakeStream{sink: sinkFake}
	cli := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, "session/sess-1", cli.lastStream)
	require.Equal(t, "sunwell_subscriber", str.lastSink)

	payload, err := hooks.EncodeNDJSON(hooks.NewToolCompleteEvent("sess-1", "fs.read_file", "call-9", 5*time.Millisecond, "ok"))
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	tc, ok := e.(*hooks.ToolCompleteEvent)
	require.True(t, ok)
	require.Equal(t, "fs.read_file", tc.ToolName)
	require.Equal(t, "call-9", tc.CallID)
	require.Equal(t, "sess-1", tc.SessionID())

	// The consumer goroutine acks after emitting; wait for it to finish
	// before inspecting the fake.
	_, open := <-events
	require.False(t, open)
	require.Equal(t, []string{"1-0"}, sinkFake.acked)
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	cli := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: eventCh}}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (hooks.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/s-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeAckError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	cli := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: eventCh, ackErr: errors.New("ack-failed")}}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/s-1")
	require.NoError(t, err)
	defer cancel()

	payload, err := hooks.EncodeNDJSON(hooks.NewSignalEvent("s-1", "HELP", nil))
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "3-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, hooks.Signal, e.Type())
	require.EqualError(t, <-errs, "pulse ack: ack-failed")
}

func TestSubscribeStreamError(t *testing.T) {
	cli := &fakeClient{streamErr: errors.New("no stream")}
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "session/s-1")
	require.EqualError(t, err, "no stream")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
