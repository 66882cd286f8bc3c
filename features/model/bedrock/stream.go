package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
)

// streamer adapts a ConverseStream event stream to the model.Streamer
// interface. A goroutine drains the AWS event channel and publishes neutral
// chunks; Recv surfaces the first stream error after the channel closes.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream
	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) model.Streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    sctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv returns the next chunk, io.EOF once the stream is drained, or the
// first error observed by the reader goroutine.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.err(); err != nil {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Chunk{}, s.err()
	}
}

// Close stops the reader goroutine and releases the underlying event stream.
func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	processor := newChunkProcessor(s.emit)
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(classify("converse_stream", err))
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.chunks <- chunk:
		return true
	}
}

func (s *streamer) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor folds ConverseStream events into neutral chunks. Tool input
// arrives as JSON fragments between contentBlockStart and contentBlockStop;
// fragments are buffered per block index and decoded once the block closes.
type chunkProcessor struct {
	emit       func(model.Chunk) bool
	toolBlocks map[int]*toolBuffer
	stopReason string
	sawTool    bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newChunkProcessor(emit func(model.Chunk) bool) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		p.sawTool = false
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		index, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			buffer := &toolBuffer{}
			if start.Value.ToolUseId != nil {
				buffer.id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				buffer.name = *start.Value.Name
			}
			p.toolBlocks[index] = buffer
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		index, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			buffer, ok := p.toolBlocks[index]
			if !ok {
				buffer = &toolBuffer{}
				p.toolBlocks[index] = buffer
			}
			if delta.Value.Input != nil {
				buffer.fragments = append(buffer.fragments, *delta.Value.Input)
			}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		index, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		buffer, ok := p.toolBlocks[index]
		if !ok {
			return nil
		}
		delete(p.toolBlocks, index)
		p.sawTool = true
		p.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:   buffer.id,
				Name: buffer.name,
				Args: decodeToolPayload(buffer.finalInput()),
			},
		})
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopReason = string(ev.Value.StopReason)
		p.emit(model.Chunk{
			Type:         model.ChunkTypeStop,
			FinishReason: finishReason(p.stopReason, p.sawTool),
		})
		return nil

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if usage := ev.Value.Usage; usage != nil {
			p.emit(model.Chunk{
				Type: model.ChunkTypeUsage,
				Usage: &model.TokenUsage{
					InputTokens:  int(ptrValue(usage.InputTokens)),
					OutputTokens: int(ptrValue(usage.OutputTokens)),
					TotalTokens:  int(ptrValue(usage.TotalTokens)),
				},
			})
		}
		return nil
	}
	// Unknown event members are skipped so SDK additions stay non-fatal.
	return nil
}

func (b *toolBuffer) finalInput() string {
	joined := strings.Join(b.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func contentIndex(index *int32) (int, error) {
	if index == nil {
		return 0, fault.New(fault.KindProviderFatal, "bedrock: stream event is missing a content block index")
	}
	return int(*index), nil
}

// decodeToolPayload decodes accumulated tool input JSON. Malformed payloads
// are preserved under a "raw" key so the tool layer can report them.
func decodeToolPayload(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}
