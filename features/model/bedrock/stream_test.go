package bedrock

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
)

func TestStreamerTranslatesEvents(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{
			Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{
			Value: brtypes.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "All"},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{
			Value: brtypes.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &brtypes.ContentBlockDeltaMemberText{Value: " done."},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{
			Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{
			Value: brtypes.ContentBlockStartEvent{
				ContentBlockIndex: aws.Int32(1),
				Start: &brtypes.ContentBlockStartMemberToolUse{
					Value: brtypes.ToolUseBlockStart{
						ToolUseId: aws.String("t-1"),
						Name:      aws.String("search"),
					},
				},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{
			Value: brtypes.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(1),
				Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"query":`)}},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{
			Value: brtypes.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(1),
				Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`"docs"}`)}},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{
			Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)},
		},
		&brtypes.ConverseStreamOutputMemberMessageStop{
			Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
		},
		&brtypes.ConverseStreamOutputMemberMetadata{
			Value: brtypes.ConverseStreamMetadataEvent{Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(9),
				OutputTokens: aws.Int32(4),
				TotalTokens:  aws.Int32(13),
			}},
		},
	}

	st := newStreamer(context.Background(), newFakeEventStream(events, nil))
	defer st.Close()

	chunks := drainChunks(t, st)
	require.Len(t, chunks, 5)

	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, "All", chunks[0].Text)
	require.Equal(t, model.ChunkTypeText, chunks[1].Type)
	require.Equal(t, " done.", chunks[1].Text)

	require.Equal(t, model.ChunkTypeToolCall, chunks[2].Type)
	require.NotNil(t, chunks[2].ToolCall)
	require.Equal(t, "t-1", chunks[2].ToolCall.ID)
	require.Equal(t, "search", chunks[2].ToolCall.Name)
	require.Equal(t, map[string]any{"query": "docs"}, chunks[2].ToolCall.Args)

	require.Equal(t, model.ChunkTypeStop, chunks[3].Type)
	require.Equal(t, model.FinishToolCalls, chunks[3].FinishReason)

	// Converse emits usage metadata after messageStop.
	require.Equal(t, model.ChunkTypeUsage, chunks[4].Type)
	require.NotNil(t, chunks[4].Usage)
	require.Equal(t, 9, chunks[4].Usage.InputTokens)
	require.Equal(t, 4, chunks[4].Usage.OutputTokens)
	require.Equal(t, 13, chunks[4].Usage.TotalTokens)
}

func TestStreamerKeepsMalformedToolInput(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberContentBlockStart{
			Value: brtypes.ContentBlockStartEvent{
				ContentBlockIndex: aws.Int32(0),
				Start: &brtypes.ContentBlockStartMemberToolUse{
					Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t-1"), Name: aws.String("search")},
				},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{
			Value: brtypes.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"broken`)}},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{
			Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
		},
		&brtypes.ConverseStreamOutputMemberMessageStop{
			Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
		},
	}

	st := newStreamer(context.Background(), newFakeEventStream(events, nil))
	defer st.Close()

	chunks := drainChunks(t, st)
	require.Len(t, chunks, 2)
	require.Equal(t, model.ChunkTypeToolCall, chunks[0].Type)
	require.Equal(t, map[string]any{"raw": `{"broken`}, chunks[0].ToolCall.Args)
}

func TestStreamerEmptyToolInputDecodesToEmptyArgs(t *testing.T) {
	var got *model.ToolCall
	processor := newChunkProcessor(func(chunk model.Chunk) bool {
		if chunk.Type == model.ChunkTypeToolCall {
			got = chunk.ToolCall
		}
		return true
	})

	require.NoError(t, processor.Handle(&brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(0),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t-2"), Name: aws.String("done")},
			},
		},
	}))
	require.NoError(t, processor.Handle(&brtypes.ConverseStreamOutputMemberContentBlockStop{
		Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
	}))

	require.NotNil(t, got)
	require.Equal(t, "t-2", got.ID)
	require.Empty(t, got.Args)
}

func TestStreamerSurfacesReaderError(t *testing.T) {
	st := newStreamer(context.Background(), newFakeEventStream(nil, errors.New("stream interrupted")))
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

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                               { return nil }
func (r *fakeStreamReader) Err() error                                 { return r.err }

func newFakeEventStream(events []brtypes.ConverseStreamOutput, err error) *bedrockruntime.ConverseStreamEventStream {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	return bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
}
