// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates agent requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps responses back into
// the provider-neutral structures. The adapter is request/response only:
// Stream returns model.ErrStreamingUnsupported and agents fall back to
// Complete.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
// *openai.Client satisfies it; tests substitute a scripted fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders one chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(response), nil
}

// Stream reports that Chat Completions streaming is not supported by this
// adapter. Callers fall back to Complete.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) encodeRequest(req model.Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, fault.New(fault.KindValidation, "openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Tools:       tools,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	applySettings(&request, req.Settings)
	return request, nil
}

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system", "user":
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		case "assistant":
			cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
			for _, call := range m.ToolCalls {
				args, err := marshalArgs(call.Args)
				if err != nil {
					return nil, fault.Wrap(fault.KindInternal, err, "openai: marshal %s arguments", call.Name)
				}
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, cm)
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.Name,
				ToolCallID: m.CallID,
			})
		default:
			return nil, fault.New(fault.KindValidation, "openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		params, err := json.Marshal(schema)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "openai: marshal tool %s schema", def.Name)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

// applySettings maps the provider-neutral settings bag onto the request
// fields go-openai exposes. Keys the API does not support are dropped.
func applySettings(req *openai.ChatCompletionRequest, settings map[string]any) {
	for key, value := range settings {
		switch key {
		case "top_p":
			if f, ok := toFloat(value); ok {
				req.TopP = float32(f)
			}
		case "stop":
			req.Stop = toStringSlice(value)
		case "presence_penalty":
			if f, ok := toFloat(value); ok {
				req.PresencePenalty = float32(f)
			}
		case "frequency_penalty":
			if f, ok := toFloat(value); ok {
				req.FrequencyPenalty = float32(f)
			}
		case "seed":
			if f, ok := toFloat(value); ok {
				seed := int(f)
				req.Seed = &seed
			}
		case "user":
			if s, ok := value.(string); ok {
				req.User = s
			}
		}
	}
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.FinishReason = model.FinishStop
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: parseToolArguments(call.Function.Arguments),
		})
	}
	out.FinishReason = finishReason(choice.FinishReason, len(out.ToolCalls) > 0)
	return out
}

func finishReason(reason openai.FinishReason, hasToolCalls bool) string {
	switch reason {
	case openai.FinishReasonStop:
		return model.FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.FinishToolCalls
	case openai.FinishReasonLength:
		return model.FinishMaxTokens
	case "":
		if hasToolCalls {
			return model.FinishToolCalls
		}
		return model.FinishStop
	}
	return string(reason)
}

// parseToolArguments decodes a tool call's JSON arguments. Models
// occasionally emit malformed JSON; the raw text is preserved under "raw" so
// the runtime surfaces it as a tool fault instead of dropping the call.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func marshalArgs(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// classify maps transport and API errors onto the fault taxonomy: rate
// limits and server-side failures are retryable, request and auth errors are
// not.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCancelled, err, "openai chat completion")
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTimeout, err, "openai chat completion")
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fault.Wrap(statusKind(apiErr.HTTPStatusCode), err, "openai chat completion").
			WithDetail("status", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fault.Wrap(statusKind(reqErr.HTTPStatusCode), err, "openai chat completion").
			WithDetail("status", reqErr.HTTPStatusCode)
	}
	// Transport-level failures (connection reset, DNS) are worth retrying.
	return fault.Wrap(fault.KindProviderRetryable, err, "openai chat completion")
}

func statusKind(status int) fault.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return fault.KindProviderRetryable
	case status >= http.StatusInternalServerError:
		return fault.KindProviderRetryable
	default:
		return fault.KindProviderFatal
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
