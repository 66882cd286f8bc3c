// Package model defines the provider-neutral LLM client contract used by
// agents. Adapters for OpenAI, Anthropic, and Bedrock live under
// features/model; the mock provider used in tests and BDD runs lives in the
// mock subpackage. Adapters classify provider failures into the fault
// taxonomy (provider_retryable vs provider_fatal) before returning them.
package model

import (
	"context"
	"errors"
)

// ErrStreamingUnsupported is returned by Stream when a client only supports
// request/response completion. Callers fall back to Complete.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Finish reasons reported by Response and the final stream chunk.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishMaxTokens = "max_tokens"
)

type (
	// Request is one completion call.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the conversation window, oldest first.
		Messages []Message
		// Tools the model may call this turn.
		Tools []ToolDefinition
		// Temperature of 0 disables sampling variance where the provider
		// allows it.
		Temperature float64
		// MaxTokens caps the completion length. Zero means provider default.
		MaxTokens int
		// Settings carries provider-specific knobs (top_p, stop sequences)
		// passed through the adapter untranslated.
		Settings map[string]any
	}

	// Message is one provider-neutral chat message.
	Message struct {
		Role      string
		Content   string
		ToolCalls []ToolCall
		// CallID and Name identify the tool invocation a role:"tool" message
		// responds to.
		CallID string
		Name   string
	}

	// ToolDefinition describes a callable tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object for the arguments.
		InputSchema map[string]any
	}

	// ToolCall is a model-requested tool invocation.
	ToolCall struct {
		ID   string         `json:"id,omitempty"`
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}

	// Response is a completed turn.
	Response struct {
		Text         string
		ToolCalls    []ToolCall
		FinishReason string
		Usage        TokenUsage
	}

	// TokenUsage reports provider-metered token counts.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Chunk is one streaming increment.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text carries a content delta for ChunkTypeText.
		Text string
		// ToolCall carries a complete tool call for ChunkTypeToolCall.
		ToolCall *ToolCall
		// Usage carries final token counts for ChunkTypeUsage.
		Usage *TokenUsage
		// FinishReason is set on ChunkTypeStop.
		FinishReason string
	}

	// Streamer yields chunks until io.EOF.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Client is the contract every provider adapter implements.
	Client interface {
		// Complete performs one blocking completion.
		Complete(ctx context.Context, req Request) (Response, error)
		// Stream starts a streaming completion, or returns
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}
)

// Chunk types.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)
