package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	pulseclient "tactus.dev/tactus/features/stream/pulse/clients/pulse"
	"tactus.dev/tactus/runtime/procedure/eventlog"
)

type (
	// EventDecoder converts raw stream payloads into event log entries.
	// Custom decoders handle payloads written by older publishers.
	EventDecoder func([]byte) (eventlog.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client pulseclient.Client
		// SinkName identifies the consumer group. Defaults to
		// "tactus_subscriber". Subscribers sharing a name split the stream;
		// give each independent consumer its own name.
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes entry payloads. Defaults to the JSON shape
		// written by Sink.
		Decoder EventDecoder
	}

	// Subscriber consumes invocation streams and emits event log entries.
	Subscriber struct {
		client pulseclient.Client
		buffer int
		name   string
		decode EventDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "tactus_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEvent
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for events and errors. A goroutine drains the stream, decodes each entry,
// emits it, and acks it. The returned cancel function stops consumption,
// closes the group, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, pulse.StreamName(id))
//	defer cancel()
//	for ev := range events {
//	    // process ev
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan eventlog.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan eventlog.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads entries from the consumer group, decodes them, and emits
// them on out. Entries are acked after emission so an entry handed to a
// consumer that dies before reading it is redelivered. Decode and ack
// failures go to errs and end consumption.
func (s *Subscriber) consume(ctx context.Context, sink pulseclient.Sink, out chan<- eventlog.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, entry); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEvent deserializes the JSON shape written by Sink.
func decodeEvent(payload []byte) (eventlog.Event, error) {
	var ev eventlog.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return eventlog.Event{}, err
	}
	return ev, nil
}
