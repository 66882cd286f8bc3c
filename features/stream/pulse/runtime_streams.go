package pulse

import (
	"context"
	"errors"

	pulseclient "tactus.dev/tactus/features/stream/pulse/clients/pulse"
	"tactus.dev/tactus/runtime/procedure/eventlog"
)

// RuntimeStreams wires a caller-provided Pulse client into the runtime. It
// owns a publishing sink (appended to runtime.Options.Sinks) and spawns
// subscribers that reuse the same client, so a service holds one Redis
// connection pool for both directions.
type RuntimeStreams struct {
	sink   *Sink
	client pulseclient.Client
}

// RuntimeStreamsOptions configures the helper returned by NewRuntimeStreams.
type RuntimeStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required; typically built via clients/pulse.
	Client pulseclient.Client
	// Sink holds optional overrides for the publishing sink (stream id
	// derivation, publish hook). Leave zero-valued for defaults.
	Sink Options
}

// NewRuntimeStreams constructs helpers for publishing invocation events to
// Pulse and subscribing to the resulting streams. Callers append the
// returned sink to runtime.Options.Sinks and keep the helper around to
// create subscribers (SSE fan-out, live consoles) later on.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink for runtime.Options.Sinks.
func (r *RuntimeStreams) Sink() eventlog.Sink {
	return r.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client.
func (r *RuntimeStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink and its client. Call during service
// shutdown after all subscribers have been cancelled.
func (r *RuntimeStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
