package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
)

func TestAppendAssignsDenseSequence(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := l.Append(ctx, eventlog.TypeLog, eventlog.LogPayload{Level: "info", Message: "m"})
		require.NoError(t, err)
		require.Equal(t, uint64(i), ev.Seq)
		require.Equal(t, "inv-1", ev.InvocationID)
	}
	require.Equal(t, uint64(5), l.Seq())

	evs := l.Snapshot()
	require.Len(t, evs, 5)
	for i, ev := range evs {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestStartSeqContinuesNumbering(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{StartSeq: 7})
	ev, err := l.Append(context.Background(), eventlog.TypeExecution, eventlog.ExecutionPayload{Lifecycle: eventlog.LifecycleResumed})
	require.NoError(t, err)
	require.Equal(t, uint64(8), ev.Seq)
}

func TestSinceFiltersBySeq(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, eventlog.TypeLog, nil)
		require.NoError(t, err)
	}
	require.Len(t, l.Since(0), 4)
	require.Len(t, l.Since(2), 2)
	require.Empty(t, l.Since(4))
}

func TestMirrorReceivesEventsInOrder(t *testing.T) {
	var mirrored []eventlog.Event
	l := eventlog.New("inv-1", eventlog.Options{
		Mirror: func(_ context.Context, ev eventlog.Event) error {
			mirrored = append(mirrored, ev)
			return nil
		},
	})
	ctx := context.Background()
	_, err := l.Append(ctx, eventlog.TypeStageChange, eventlog.StageChangePayload{To: "start"})
	require.NoError(t, err)
	_, err = l.Append(ctx, eventlog.TypeStageChange, eventlog.StageChangePayload{From: "start", To: "done"})
	require.NoError(t, err)

	require.Len(t, mirrored, 2)
	require.Equal(t, uint64(1), mirrored[0].Seq)
	require.Equal(t, uint64(2), mirrored[1].Seq)
}

func TestSealRejectsAppends(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{})
	_, err := l.Append(context.Background(), eventlog.TypeLog, nil)
	require.NoError(t, err)

	l.Seal()
	_, err = l.Append(context.Background(), eventlog.TypeLog, nil)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.KindInternal))
	require.Len(t, l.Snapshot(), 1)
}

func TestSubscribeBacklogThenLive(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{})
	ctx := context.Background()
	_, err := l.Append(ctx, eventlog.TypeLog, eventlog.LogPayload{Message: "first"})
	require.NoError(t, err)

	ch, cancel := l.Subscribe(0)
	defer cancel()

	_, err = l.Append(ctx, eventlog.TypeLog, eventlog.LogPayload{Message: "second"})
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
}

func TestCloseEndsSubscribers(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{})
	ch, cancel := l.Subscribe(0)
	defer cancel()

	l.Close()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Subscribing after close still yields the backlog, then closes.
	ch2, cancel2 := l.Subscribe(0)
	defer cancel2()
	_, ok := <-ch2
	require.False(t, ok)
}

func TestDecodePayload(t *testing.T) {
	l := eventlog.New("inv-1", eventlog.Options{Clock: func() time.Time { return time.Unix(42, 0) }})
	ev, err := l.Append(context.Background(), eventlog.TypeToolCall, eventlog.ToolCallPayload{
		Tool: "done", Agent: "greeter", Args: map[string]any{"reason": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, time.Unix(42, 0).UTC(), ev.Timestamp)

	var p eventlog.ToolCallPayload
	require.NoError(t, ev.Decode(&p))
	require.Equal(t, "done", p.Tool)
	require.Equal(t, "hi", p.Args["reason"])
}
