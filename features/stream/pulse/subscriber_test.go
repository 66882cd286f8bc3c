package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"tactus.dev/tactus/runtime/procedure/eventlog"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &fakeSink{events: eventCh}
	str := &fakeStream{sink: snk}
	cli := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamName("inv-123"))
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(eventlog.Event{
		InvocationID: "inv-123",
		Seq:          1,
		Type:         eventlog.TypeAgentTurn,
		Timestamp:    time.Now().UTC(),
		Payload:      json.RawMessage(`{"agent":"researcher","phase":"started"}`),
	})
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	ev := <-events
	require.Equal(t, "inv-123", ev.InvocationID)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, eventlog.TypeAgentTurn, ev.Type)
	var body map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload, &body))
	require.Equal(t, "researcher", body["agent"])

	// The events channel closes once the source drains, which orders the
	// ack bookkeeping before these reads.
	_, open := <-events
	require.False(t, open)
	require.Equal(t, []string{"1-0"}, snk.acked)
	require.Equal(t, "invocation/inv-123", cli.lastStream)
	require.Equal(t, "tactus_subscriber", str.lastSink)
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &fakeSink{events: eventCh}
	cli := &fakeClient{stream: &fakeStream{sink: snk}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (eventlog.Event, error) {
			return eventlog.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamName("inv-1"))
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.EqualError(t, <-errs, "pulse decode payload: decode error")
	_, open := <-events
	require.False(t, open)
}

func TestSubscribeMalformedPayload(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &fakeSink{events: eventCh}
	cli := &fakeClient{stream: &fakeStream{sink: snk}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamName("inv-1"))
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{Payload: []byte("{not json")}
	close(eventCh)

	require.ErrorContains(t, <-errs, "pulse decode payload")
	_, open := <-events
	require.False(t, open)
}

func TestSubscribeAckErrorStops(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &fakeSink{events: eventCh, ackErr: errors.New("ack-failed")}
	cli := &fakeClient{stream: &fakeStream{sink: snk}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 1})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamName("inv-1"))
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(eventlog.Event{InvocationID: "inv-1", Seq: 1, Type: eventlog.TypeLog})
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "5-0", Payload: payload}

	ev := <-events
	require.Equal(t, uint64(1), ev.Seq)
	require.EqualError(t, <-errs, "pulse ack: ack-failed")
}

func TestSubscribeCustomSinkName(t *testing.T) {
	eventCh := make(chan *streaming.Event)
	close(eventCh)
	str := &fakeStream{sink: &fakeSink{events: eventCh}}
	cli := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, SinkName: "console"})
	require.NoError(t, err)

	_, _, cancel, err := sub.Subscribe(context.Background(), StreamName("inv-1"))
	require.NoError(t, err)
	cancel()
	require.Equal(t, "console", str.lastSink)
}

func TestSubscribeSinkCreationError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{sinkErr: errors.New("group exists")}}
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), StreamName("inv-1"))
	require.EqualError(t, err, "group exists")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
