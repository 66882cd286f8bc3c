package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
)

// testDecoder feeds a fixed event sequence into an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func newTestStream(events []ssestream.Event, err error) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events, err: err}, nil)
}

func sseEvent(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func TestStreamerTranslatesEvents(t *testing.T) {
	events := []ssestream.Event{
		sseEvent("content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		sseEvent("content_block_start",
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"search"}}`),
		sseEvent("content_block_delta",
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}`),
		sseEvent("content_block_delta",
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"1}"}}`),
		sseEvent("content_block_stop",
			`{"type":"content_block_stop","index":1}`),
		sseEvent("message_delta",
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":9,"output_tokens":4}}`),
		sseEvent("message_stop",
			`{"type":"message_stop"}`),
	}

	st := newStreamer(context.Background(), newTestStream(events, nil))
	defer st.Close()

	chunks := drainChunks(t, st)
	require.Len(t, chunks, 4)

	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, "hello", chunks[0].Text)

	require.Equal(t, model.ChunkTypeToolCall, chunks[1].Type)
	require.NotNil(t, chunks[1].ToolCall)
	require.Equal(t, "t1", chunks[1].ToolCall.ID)
	require.Equal(t, "search", chunks[1].ToolCall.Name)
	require.Equal(t, map[string]any{"x": float64(1)}, chunks[1].ToolCall.Args)

	require.Equal(t, model.ChunkTypeUsage, chunks[2].Type)
	require.NotNil(t, chunks[2].Usage)
	require.Equal(t, 9, chunks[2].Usage.InputTokens)
	require.Equal(t, 4, chunks[2].Usage.OutputTokens)
	require.Equal(t, 13, chunks[2].Usage.TotalTokens)

	require.Equal(t, model.ChunkTypeStop, chunks[3].Type)
	require.Equal(t, model.FinishToolCalls, chunks[3].FinishReason)
}

func TestStreamerKeepsMalformedToolInput(t *testing.T) {
	events := []ssestream.Event{
		sseEvent("content_block_start",
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"search"}}`),
		sseEvent("content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"broken"}}`),
		sseEvent("content_block_stop",
			`{"type":"content_block_stop","index":0}`),
		sseEvent("message_stop",
			`{"type":"message_stop"}`),
	}

	st := newStreamer(context.Background(), newTestStream(events, nil))
	defer st.Close()

	chunks := drainChunks(t, st)
	require.Len(t, chunks, 2)
	require.Equal(t, model.ChunkTypeToolCall, chunks[0].Type)
	require.Equal(t, map[string]any{"raw": `{"broken`}, chunks[0].ToolCall.Args)
	require.Equal(t, model.FinishToolCalls, chunks[1].FinishReason)
}

func TestStreamerEmptyToolInputDecodesToEmptyArgs(t *testing.T) {
	var got *model.ToolCall
	processor := newChunkProcessor(func(chunk model.Chunk) error {
		if chunk.Type == model.ChunkTypeToolCall {
			got = chunk.ToolCall
		}
		return nil
	})

	var start sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t2","name":"done"}}`), &start))
	var stop sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"content_block_stop","index":0}`), &stop))

	require.NoError(t, processor.Handle(start))
	require.NoError(t, processor.Handle(stop))

	require.NotNil(t, got)
	require.Equal(t, "t2", got.ID)
	require.Empty(t, got.Args)
}

func TestStreamerSurfacesDecoderError(t *testing.T) {
	st := newStreamer(context.Background(), newTestStream(nil, errors.New("stream interrupted")))
	defer st.Close()

	_, err := st.Recv()
	require.Error(t, err)
	require.Equal(t, fault.KindProviderRetryable, fault.KindOf(err))
	require.Contains(t, err.Error(), "stream interrupted")
}

func drainChunks(t *testing.T, st model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}
