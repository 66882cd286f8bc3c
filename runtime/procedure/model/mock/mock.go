// Package mock implements the deterministic model client used by mock-mode
// runs and the BDD harness. Turns are scripted per agent; once the script is
// exhausted the client requests the built-in done tool exactly once so
// iteration-loop procedures terminate, then answers with plain stop turns.
package mock

import (
	"context"
	"io"
	"sync"

	"tactus.dev/tactus/runtime/procedure/model"
)

// Turn is one scripted model response.
type Turn struct {
	Text         string           `json:"text,omitempty"`
	ToolCalls    []model.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        model.TokenUsage `json:"usage,omitempty"`
}

// TextTurn scripts a plain text response.
func TextTurn(text string) Turn {
	return Turn{Text: text, FinishReason: model.FinishStop}
}

// ToolTurn scripts a response that calls one tool.
func ToolTurn(name string, args map[string]any) Turn {
	return Turn{
		ToolCalls:    []model.ToolCall{{ID: "mock-" + name, Name: name, Args: args}},
		FinishReason: model.FinishToolCalls,
	}
}

// DoneTurn scripts a response that calls the built-in done tool.
func DoneTurn(reason string) Turn {
	return ToolTurn("done", map[string]any{"reason": reason})
}

// Client implements model.Client with scripted turns.
type Client struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	doneSent bool
}

var _ model.Client = (*Client)(nil)

// New returns a client that replays turns in order.
func New(turns ...Turn) *Client {
	return &Client{turns: turns}
}

// Remaining reports how many scripted turns are left.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns) - c.next
}

func (c *Client) nextTurn() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next < len(c.turns) {
		t := c.turns[c.next]
		c.next++
		if t.FinishReason == "" {
			if len(t.ToolCalls) > 0 {
				t.FinishReason = model.FinishToolCalls
			} else {
				t.FinishReason = model.FinishStop
			}
		}
		return t
	}
	if !c.doneSent {
		c.doneSent = true
		return DoneTurn("completed")
	}
	return Turn{FinishReason: model.FinishStop}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	t := c.nextTurn()
	return model.Response{
		Text:         t.Text,
		ToolCalls:    t.ToolCalls,
		FinishReason: t.FinishReason,
		Usage:        t.Usage,
	}, nil
}

// Stream implements model.Client by replaying the next scripted turn as a
// chunk sequence, exercising the same accumulation path real providers use.
func (c *Client) Stream(ctx context.Context, _ model.Request) (model.Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := c.nextTurn()
	var chunks []model.Chunk
	if t.Text != "" {
		// Split the text so accumulation over multiple deltas is covered.
		mid := len(t.Text) / 2
		if mid > 0 {
			chunks = append(chunks, model.Chunk{Type: model.ChunkTypeText, Text: t.Text[:mid]})
			chunks = append(chunks, model.Chunk{Type: model.ChunkTypeText, Text: t.Text[mid:]})
		} else {
			chunks = append(chunks, model.Chunk{Type: model.ChunkTypeText, Text: t.Text})
		}
	}
	for i := range t.ToolCalls {
		tc := t.ToolCalls[i]
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &tc})
	}
	usage := t.Usage
	chunks = append(chunks,
		model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage},
		model.Chunk{Type: model.ChunkTypeStop, FinishReason: t.FinishReason},
	)
	return &streamer{chunks: chunks}, nil
}

type streamer struct {
	mu     sync.Mutex
	chunks []model.Chunk
	pos    int
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return nil }
