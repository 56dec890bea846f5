// Package pulse exposes a stream.Sink implementation that publishes runtime
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse client,
// and hand the resulting sink to stream.Attach.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"sunwell.dev/sunwell/features/stream/pulse/clients/pulse"
	"sunwell.dev/sunwell/runtime/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<SessionID>`.
		StreamID func(hooks.Event) (string, error)
		// MarshalEvent overrides the wire encoding (primarily for tests).
		// Defaults to the NDJSON envelope shared with the in-process sinks,
		// so consumers decode Pulse entries and replay files the same way.
		MarshalEvent func(hooks.Event) ([]byte, error)
		// OnPublished, when set, runs after each successful publish with the
		// stream and entry IDs. Errors propagate to the Send caller. Useful
		// for recording resumption cursors.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an event that landed in a Pulse stream.
	PublishedEvent struct {
		// Event is the runtime event that was published.
		Event hooks.Event
		// StreamID names the Pulse stream the event was written to.
		StreamID string
		// EntryID is the Redis entry ID assigned to the event (e.g. "1234-0").
		EntryID string
	}

	// Sink publishes runtime events into Pulse streams. It delegates
	// serialization to the configured marshaler.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID    func(hooks.Event) (string, error)
		marshal     func(hooks.Event) ([]byte, error)
		onPublished func(context.Context, PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; StreamID and MarshalEvent default to the built-in implementations
// if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:    defaultStreamID,
		marshal:     hooks.EncodeNDJSON,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEvent != nil {
		cfg.marshal = opts.MarshalEvent
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, marshals the event into its wire form, and publishes it via the Pulse
// client under the event type name. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event hooks.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.opts.marshal(event)
	if err != nil {
		return err
	}
	id, err := handle.Add(ctx, string(event.Type()), payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: streamID,
			EntryID:  id,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's session.
// Returns an error if the session ID is empty.
func defaultStreamID(event hooks.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}
