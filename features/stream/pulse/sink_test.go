package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	pulseclient "tactus.dev/tactus/features/stream/pulse/clients/pulse"
	"tactus.dev/tactus/runtime/procedure/eventlog"
)

type fakeClient struct {
	stream     *fakeStream
	streamErr  error
	lastStream string
	closeCount int
}

func (f *fakeClient) Stream(name string, opts ...streamopts.Stream) (pulseclient.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type addCall struct {
	event   string
	payload []byte
}

type fakeStream struct {
	sink     *fakeSink
	sinkErr  error
	lastSink string
	adds     []addCall
	addErr   error
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.adds = append(f.adds, addCall{event: event, payload: payload})
	return fmt.Sprintf("%d-0", len(f.adds)), nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulseclient.Sink, error) {
	f.lastSink = name
	if f.sinkErr != nil {
		return nil, f.sinkErr
	}
	return f.sink, nil
}

func (f *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeSink struct {
	events chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, entry *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, entry.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }

func TestSendPublishesEvent(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	ev := eventlog.Event{
		InvocationID: "inv-123",
		Seq:          7,
		Type:         eventlog.TypeToolCall,
		Timestamp:    time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC),
		Payload:      json.RawMessage(`{"name":"search","status":"ok"}`),
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	require.Equal(t, "invocation/inv-123", cli.lastStream)
	require.Len(t, str.adds, 1)
	require.Equal(t, "tool_call", str.adds[0].event)

	var decoded eventlog.Event
	require.NoError(t, json.Unmarshal(str.adds[0].payload, &decoded))
	require.Equal(t, ev.InvocationID, decoded.InvocationID)
	require.Equal(t, ev.Seq, decoded.Seq)
	require.Equal(t, ev.Type, decoded.Type)
	require.JSONEq(t, string(ev.Payload), string(decoded.Payload))
}

func TestOnPublishedCalled(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}

	var published []PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, pub PublishedEvent) error {
			require.NotNil(t, ctx)
			published = append(published, pub)
			return nil
		},
	})
	require.NoError(t, err)

	ev := eventlog.Event{InvocationID: "inv-1", Seq: 1, Type: eventlog.TypeLog}
	require.NoError(t, sink.Send(context.Background(), ev))

	require.Len(t, published, 1)
	require.Equal(t, "1-0", published[0].EntryID)
	require.Equal(t, "invocation/inv-1", published[0].StreamID)
	require.Equal(t, uint64(1), published[0].Event.Seq)
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, pub PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), eventlog.Event{InvocationID: "inv-1", Type: eventlog.TypeLog})
	require.EqualError(t, err, "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(ev eventlog.Event) (string, error) {
			return "console/" + ev.InvocationID, nil
		},
	})
	require.NoError(t, err)

	ev := eventlog.Event{InvocationID: "inv-9", Type: eventlog.TypeOutput}
	require.NoError(t, sink.Send(context.Background(), ev))
	require.Equal(t, "console/inv-9", cli.lastStream)
}

func TestSendRequiresInvocationID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Send(context.Background(), eventlog.Event{Type: eventlog.TypeLog})
	require.EqualError(t, err, "event missing invocation id")
	require.Empty(t, cli.lastStream)
}

func TestStreamCreationError(t *testing.T) {
	cli := &fakeClient{streamErr: errors.New("boom")}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Send(context.Background(), eventlog.Event{InvocationID: "inv-1", Type: eventlog.TypeLog})
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{addErr: errors.New("add-failed")}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Send(context.Background(), eventlog.Event{InvocationID: "inv-1", Type: eventlog.TypeLog})
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, cli.closeCount)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestStreamName(t *testing.T) {
	require.Equal(t, "invocation/inv-42", StreamName("inv-42"))
}
