// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. Requests are encoded into Converse inputs (tool
// schemas travel as smithy documents), responses and ConverseStream events
// are translated back into the provider-neutral structures, and smithy
// errors are classified into the fault taxonomy: throttling and 5xx
// responses retry, validation and auth failures do not.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
)

type (
	// RuntimeClient captures the subset of the Bedrock runtime client used by
	// the adapter. It is satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput,
			optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput,
			optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime is the Bedrock runtime client.
		Runtime RuntimeClient

		// DefaultModel is the model identifier used when model.Request.Model
		// is empty, for example "anthropic.claude-sonnet-4-20250514-v1:0".
		DefaultModel string

		// MaxTokens caps completions when a request does not specify
		// MaxTokens. Zero leaves the provider default in place.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of the Bedrock Converse API.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float64
	}

	// requestParts holds a request encoded once and shared by the Converse
	// and ConverseStream input builders.
	requestParts struct {
		modelID    string
		messages   []brtypes.Message
		system     []brtypes.SystemContentBlock
		toolConfig *brtypes.ToolConfiguration
		inference  *brtypes.InferenceConfiguration
	}
)

// New builds a Bedrock-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, buildConverseInput(parts))
	if err != nil {
		return model.Response{}, classify("converse", err)
	}
	return translateResponse(output), nil
}

// Stream invokes ConverseStream and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, buildConverseStreamInput(parts))
	if err != nil {
		return nil, classify("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, fault.New(fault.KindInternal, "bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) encodeRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindValidation, "bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		inference:  c.inferenceConfig(req.MaxTokens, req.Temperature),
	}, nil
}

func buildConverseInput(parts *requestParts) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if parts.inference != nil {
		input.InferenceConfig = parts.inference
	}
	return input
}

func buildConverseStreamInput(parts *requestParts) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if parts.inference != nil {
		input.InferenceConfig = parts.inference
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	// toolUseIDMap rewrites correlation ids that violate Bedrock's toolUseId
	// constraints ([a-zA-Z0-9_-]+, <=64 chars) into provider-safe synthetic
	// ids, consistently across tool_use and tool_result blocks of one
	// request.
	toolUseIDMap := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case "user":
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case "assistant":
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				tb := brtypes.ToolUseBlock{Input: argsDocument(call.Args)}
				if call.Name != "" {
					tb.Name = aws.String(call.Name)
				}
				if id := toolUseIDFor(call.ID, toolUseIDMap, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case "tool":
			// Converse expects tool results in user messages correlated to a
			// prior tool_use.
			tr := brtypes.ToolResultBlock{
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			if id := toolUseIDFor(m.CallID, toolUseIDMap, &nextToolUseID); id != "" {
				tr.ToolUseId = aws.String(id)
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		default:
			return nil, nil, fault.New(fault.KindValidation, "bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, fault.New(fault.KindValidation, "bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fault.New(fault.KindValidation, "bedrock: tool definition is missing a name")
		}
		description := def.Description
		if description == "" {
			// Bedrock rejects tool specs without a description.
			description = def.Name
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func schemaDocument(schema map[string]any) document.Interface {
	if len(schema) == 0 {
		return lazyDocument(map[string]any{"type": "object"})
	}
	return lazyDocument(schema)
}

func argsDocument(args map[string]any) document.Interface {
	if args == nil {
		return lazyDocument(map[string]any{})
	}
	return lazyDocument(args)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func toolUseIDFor(canonical string, toolUseIDMap map[string]string, nextToolUseID *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := toolUseIDMap[canonical]; ok {
		return id
	}
	*nextToolUseID++
	id := "t" + strconv.Itoa(*nextToolUseID)
	toolUseIDMap[canonical] = id
	return id
}

// isProviderSafeToolUseID reports whether id conforms to Bedrock's documented
// toolUseId constraints: pattern [a-zA-Z0-9_-]+ and length <= 64.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func translateResponse(output *bedrockruntime.ConverseOutput) model.Response {
	var out model.Response
	var text strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				call := model.ToolCall{Args: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = *v.Value.Name
				}
				out.ToolCalls = append(out.ToolCalls, call)
			}
		}
	}
	out.Text = text.String()
	if usage := output.Usage; usage != nil {
		out.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	out.FinishReason = finishReason(string(output.StopReason), len(out.ToolCalls) > 0)
	return out
}

// finishReason maps the Converse stop reason vocabulary onto the neutral
// finish constants. Unknown reasons pass through verbatim.
func finishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case string(brtypes.StopReasonEndTurn), string(brtypes.StopReasonStopSequence):
		return model.FinishStop
	case string(brtypes.StopReasonToolUse):
		return model.FinishToolCalls
	case string(brtypes.StopReasonMaxTokens):
		return model.FinishMaxTokens
	case "":
		if hasToolCalls {
			return model.FinishToolCalls
		}
		return model.FinishStop
	}
	return reason
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return args
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// classify maps smithy transport and API errors onto the fault taxonomy.
// Throttling codes and 429/5xx responses are retryable; validation and auth
// failures are fatal.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCancelled, err, "bedrock %s", op)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTimeout, err, "bedrock %s", op)
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return fault.Wrap(statusKind(status), err, "bedrock %s", op).WithDetail("status", status)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := fault.KindProviderFatal
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException":
			kind = fault.KindProviderRetryable
		}
		return fault.Wrap(kind, err, "bedrock %s", op).WithDetail("code", apiErr.ErrorCode())
	}
	return fault.Wrap(fault.KindProviderRetryable, err, "bedrock %s", op)
}

func statusKind(status int) fault.Kind {
	switch {
	case status == 429:
		return fault.KindProviderRetryable
	case status >= 500:
		return fault.KindProviderRetryable
	default:
		return fault.KindProviderFatal
	}
}
