// Package pulse publishes invocation events to goa.design/pulse streams
// backed by Redis. Services build a Redis client, wrap it with
// clients/pulse, and append the resulting sink to runtime.Options.Sinks;
// other processes subscribe to the same streams for live consoles and SSE
// fan-out.
package pulse

import (
	"context"
	"encoding/json"
	"errors"

	pulseclient "tactus.dev/tactus/features/stream/pulse/clients/pulse"
	"tactus.dev/tactus/runtime/procedure/eventlog"
)

type (
	// Options configures the publishing sink.
	Options struct {
		// Client publishes events. Required.
		Client pulseclient.Client
		// StreamID derives the target stream from an event. Defaults to
		// StreamName of the event's invocation id.
		StreamID func(eventlog.Event) (string, error)
		// OnPublished, when set, runs after each successful publish with
		// the Redis entry id. Errors propagate to the caller.
		OnPublished func(ctx context.Context, pub PublishedEvent) error
	}

	// PublishedEvent describes one event that reached its stream.
	PublishedEvent struct {
		Event    eventlog.Event
		StreamID string
		EntryID  string
	}

	// Sink publishes event log entries to Pulse streams. It implements
	// eventlog.Sink and is safe for concurrent Send calls.
	Sink struct {
		client      pulseclient.Client
		streamID    func(eventlog.Event) (string, error)
		onPublished func(ctx context.Context, pub PublishedEvent) error
	}
)

// StreamName returns the canonical stream for an invocation. Publishers and
// subscribers that share an invocation id share a stream.
func StreamName(invocationID string) string {
	return "invocation/" + invocationID
}

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// Send publishes the event to its derived stream. The event marshals as-is:
// the wire shape is the event log JSON shape, so subscribers decode entries
// without a separate envelope.
func (s *Sink) Send(ctx context.Context, ev eventlog.Event) error {
	streamID, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, string(ev.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: ev, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink's client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev eventlog.Event) (string, error) {
	if ev.InvocationID == "" {
		return "", errors.New("event missing invocation id")
	}
	return StreamName(ev.InvocationID), nil
}
