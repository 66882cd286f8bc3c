// Package agent implements the agent primitive: a named model configuration
// bound to a session history and the invocation's tool registry. Turn runs
// one provider round-trip plus every tool call the model requests, all
// through the checkpoint journal so replay reconstructs identical results
// without touching the provider.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/model"
	"tactus.dev/tactus/runtime/procedure/session"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/telemetry"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type (
	// Config declares one agent.
	Config struct {
		Name     string
		Provider string
		Model    string
		// Temperature of zero keeps sampling deterministic where the
		// provider allows it.
		Temperature float64
		MaxTokens   int
		// Settings passes provider-specific knobs through untranslated.
		Settings map[string]any
		// SystemPrompt and InitialMessage are text/template sources rendered
		// against {params, state}.
		SystemPrompt   string
		InitialMessage string
		// Tools restricts the agent to a subset of registered tools. Nil
		// exposes everything.
		Tools []string
		// Pricing computes the USD estimate on cost events. Nil reports 0.
		Pricing *Pricing
	}

	// Pricing is the per-million-token price of a model.
	Pricing struct {
		InputPerMTok  float64
		OutputPerMTok float64
	}

	// Options wires an agent into its invocation.
	Options struct {
		Client     model.Client
		Registry   *tools.Registry
		History    *session.History
		Filter     session.Filter
		Journal    *journal.Journal
		Log        *eventlog.Log
		Iterations *Iterations
		Params     map[string]any
		State      state.Store
		Retry      RetryPolicy
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		Clock      func() time.Time
	}

	// Agent is ready to take turns.
	Agent struct {
		cfg        Config
		client     model.Client
		registry   *tools.Registry
		history    *session.History
		filter     session.Filter
		journal    *journal.Journal
		log        *eventlog.Log
		iterations *Iterations
		params     map[string]any
		state      state.Store
		retry      RetryPolicy
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		clock      func() time.Time

		sysTmpl  *template.Template
		initTmpl *template.Template
	}

	// ToolCallResult is one tool call within a turn result.
	ToolCallResult struct {
		Name   string         `json:"name"`
		Args   map[string]any `json:"args,omitempty"`
		Result any            `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
	}

	// Cost aggregates provider usage for one turn.
	Cost struct {
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		USD          float64 `json:"usd"`
	}

	// TurnResult is what Turn hands back to the script.
	TurnResult struct {
		Text         string           `json:"text,omitempty"`
		ToolCalls    []ToolCallResult `json:"tool_calls,omitempty"`
		FinishReason string           `json:"finish_reason"`
		Cost         Cost             `json:"cost"`
		Iteration    int              `json:"iteration"`
	}

	// completion is the journalled value of one provider round-trip.
	completion struct {
		Text         string           `json:"text,omitempty"`
		ToolCalls    []model.ToolCall `json:"tool_calls,omitempty"`
		FinishReason string           `json:"finish_reason"`
		Usage        model.TokenUsage `json:"usage"`
	}
)

// New builds an agent, parsing its prompt templates.
func New(cfg Config, opts Options) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fault.New(fault.KindValidation, "agent name is required")
	}
	if opts.Client == nil {
		return nil, fault.New(fault.KindValidation, "agent %q has no model client", cfg.Name)
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.KindValidation, "agent %q has no tool registry", cfg.Name)
	}
	history := opts.History
	if history == nil {
		history = session.NewHistory(cfg.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	iterations := opts.Iterations
	if iterations == nil {
		iterations = NewIterations(0)
	}

	a := &Agent{
		cfg:        cfg,
		client:     opts.Client,
		registry:   opts.Registry,
		history:    history,
		filter:     opts.Filter,
		journal:    opts.Journal,
		log:        opts.Log,
		iterations: iterations,
		params:     opts.Params,
		state:      opts.State,
		retry:      opts.Retry.withDefaults(),
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
	}

	var err error
	if cfg.SystemPrompt != "" {
		a.sysTmpl, err = parsePrompt(cfg.Name+".system", cfg.SystemPrompt)
		if err != nil {
			return nil, err
		}
	}
	if cfg.InitialMessage != "" {
		a.initTmpl, err = parsePrompt(cfg.Name+".initial", cfg.InitialMessage)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func parsePrompt(name, src string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse %s template", name)
	}
	return t, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// History returns the agent's session history.
func (a *Agent) History() *session.History { return a.history }

// Turn performs one agent turn anchored at callsite (e.g. "llm:12"). The
// provider completion journals under the turn's step id; each requested tool
// call journals through the registry under its own id. Tool faults are
// surfaced back into the session as tool results so the model can react;
// every other error aborts the turn.
func (a *Agent) Turn(ctx context.Context, callsite string) (TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return TurnResult{}, fault.Wrap(fault.KindCancelled, err, "agent %s turn", a.cfg.Name)
	}
	if a.iterations.Exhausted() {
		return TurnResult{}, fault.New(fault.KindInternal, "iteration budget exhausted (%d)", a.iterations.Limit()).
			WithDetail("agent", a.cfg.Name).
			WithDetail("iterations", a.iterations.Current())
	}
	if callsite == "" {
		callsite = "llm"
	}

	// Seed the opening user message on the very first turn. Replay takes the
	// same path, so the session rebuilds identically.
	if a.history.Len() == 0 && a.initTmpl != nil {
		text, err := a.render(a.initTmpl)
		if err != nil {
			return TurnResult{}, err
		}
		a.history.Append(session.Message{Role: session.RoleUser, Content: text, Visibility: session.VisibilityChat})
	}

	stepID := a.journal.StepID(callsite)
	fresh := !a.journal.Has(stepID)
	started := a.clock()

	if fresh {
		a.appendEvent(ctx, eventlog.TypeAgentTurn, eventlog.AgentTurnPayload{
			Agent:     a.cfg.Name,
			Stage:     "started",
			Iteration: a.iterations.Current() + 1,
		})
	}

	comp, replayed, err := journal.Step(ctx, a.journal, stepID, "llm", func(ctx context.Context) (completion, error) {
		req, rerr := a.buildRequest()
		if rerr != nil {
			return completion{}, rerr
		}
		resp, rerr := a.completeWithRetry(ctx, req)
		if rerr != nil {
			return completion{}, rerr
		}
		return completion{
			Text:         resp.Text,
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		}, nil
	})
	if err != nil {
		return TurnResult{}, err
	}

	iteration := a.iterations.Increment()
	a.history.Append(assistantMessage(comp))

	results := make([]ToolCallResult, 0, len(comp.ToolCalls))
	for _, tc := range comp.ToolCalls {
		res, terr := a.registry.Invoke(ctx, tools.Invocation{
			Agent:    a.cfg.Name,
			Name:     tc.Name,
			Callsite: toolCallsite(callsite, tc.Name),
			Args:     tc.Args,
		})
		r := ToolCallResult{Name: tc.Name, Args: tc.Args}
		var content string
		if terr != nil {
			if !fault.Is(terr, fault.KindTool) {
				return TurnResult{}, terr
			}
			fe, _ := fault.As(terr)
			r.Error = fe.Message
			content = "error: " + fe.Message
		} else {
			r.Result = res
			content = encodeToolContent(res)
		}
		a.history.Append(session.Message{
			Role:       session.RoleTool,
			Content:    content,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
		results = append(results, r)
	}

	cost := Cost{InputTokens: comp.Usage.InputTokens, OutputTokens: comp.Usage.OutputTokens}
	if a.cfg.Pricing != nil {
		cost.USD = float64(comp.Usage.InputTokens)/1e6*a.cfg.Pricing.InputPerMTok +
			float64(comp.Usage.OutputTokens)/1e6*a.cfg.Pricing.OutputPerMTok
	}

	if !replayed {
		a.appendEvent(ctx, eventlog.TypeAgentTurn, eventlog.AgentTurnPayload{
			Agent:        a.cfg.Name,
			Stage:        "responded",
			Iteration:    iteration,
			Text:         comp.Text,
			FinishReason: comp.FinishReason,
		})
		a.appendEvent(ctx, eventlog.TypeCost, eventlog.CostPayload{
			Agent:        a.cfg.Name,
			Model:        a.cfg.Model,
			InputTokens:  comp.Usage.InputTokens,
			OutputTokens: comp.Usage.OutputTokens,
			USD:          cost.USD,
		})
		a.metrics.IncCounter(telemetry.MetricTurns, 1, "agent", a.cfg.Name)
		a.metrics.RecordTimer(telemetry.MetricTurnDuration, a.clock().Sub(started), "agent", a.cfg.Name)
	}

	return TurnResult{
		Text:         comp.Text,
		ToolCalls:    results,
		FinishReason: comp.FinishReason,
		Cost:         cost,
		Iteration:    iteration,
	}, nil
}

func (a *Agent) appendEvent(ctx context.Context, typ eventlog.Type, payload any) {
	if a.log == nil {
		return
	}
	if _, err := a.log.Append(ctx, typ, payload); err != nil {
		a.logger.Warn(ctx, "event append failed", "agent", a.cfg.Name, "type", string(typ), "err", err)
	}
}

// buildRequest renders the system prompt fresh and converts the filtered
// history into the provider window.
func (a *Agent) buildRequest() (model.Request, error) {
	var msgs []model.Message
	if a.sysTmpl != nil {
		text, err := a.render(a.sysTmpl)
		if err != nil {
			return model.Request{}, err
		}
		msgs = append(msgs, model.Message{Role: string(session.RoleSystem), Content: text})
	}
	window := a.history.Messages()
	if a.filter != nil {
		window = a.filter.Apply(window)
	}
	for _, m := range window {
		msgs = append(msgs, convertMessage(m))
	}
	return model.Request{
		Model:       a.cfg.Model,
		Messages:    msgs,
		Tools:       a.registry.Definitions(a.cfg.Tools),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Settings:    a.cfg.Settings,
	}, nil
}

func (a *Agent) render(t *template.Template) (string, error) {
	data := map[string]any{"params": a.params}
	if a.state != nil {
		data["state"] = a.state.Dump()
	} else {
		data["state"] = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fault.Wrap(fault.KindValidation, err, "render %s", t.Name())
	}
	return buf.String(), nil
}

// completeWithRetry retries transient provider failures with exponential
// backoff. Exhausting the budget converts the last transient error into a
// fatal one.
func (a *Agent) completeWithRetry(ctx context.Context, req model.Request) (model.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := a.retry.backoff(attempt - 1)
			a.logger.Warn(ctx, "provider retry",
				"agent", a.cfg.Name, "attempt", attempt, "delay", delay.String(), "err", lastErr)
			if err := a.retry.Sleep(ctx, delay); err != nil {
				return model.Response{}, fault.Wrap(fault.KindCancelled, err, "retry wait")
			}
		}
		resp, err := a.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !fault.Retryable(err) {
			return model.Response{}, err
		}
		lastErr = err
	}
	return model.Response{}, fault.Wrap(fault.KindProviderFatal, lastErr,
		"retry budget exhausted after %d attempts", a.retry.MaxAttempts)
}

// completeOnce prefers streaming, accumulating chunks into a Response.
// Partial output from a failed stream is discarded so retries start clean.
func (a *Agent) completeOnce(ctx context.Context, req model.Request) (model.Response, error) {
	st, err := a.client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return a.client.Complete(ctx, req)
	}
	if err != nil {
		return model.Response{}, err
	}
	defer st.Close()

	var resp model.Response
	for {
		chunk, rerr := st.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return model.Response{}, rerr
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			resp.Text += chunk.Text
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		case model.ChunkTypeStop:
			resp.FinishReason = chunk.FinishReason
		}
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = model.FinishToolCalls
		} else {
			resp.FinishReason = model.FinishStop
		}
	}
	return resp, nil
}

func assistantMessage(comp completion) session.Message {
	visibility := session.VisibilityInternal
	if comp.Text != "" {
		visibility = session.VisibilityChat
	}
	calls := make([]session.ToolCall, 0, len(comp.ToolCalls))
	for _, tc := range comp.ToolCalls {
		calls = append(calls, session.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return session.Message{
		Role:       session.RoleAssistant,
		Content:    comp.Text,
		ToolCalls:  calls,
		Visibility: visibility,
	}
}

func convertMessage(m session.Message) model.Message {
	calls := make([]model.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, model.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return model.Message{
		Role:      string(m.Role),
		Content:   m.Content,
		ToolCalls: calls,
		CallID:    m.ToolCallID,
		Name:      m.ToolName,
	}
}

// toolCallsite anchors a tool call's journal id to the turn's script line.
func toolCallsite(turnCallsite, tool string) string {
	if i := strings.LastIndexByte(turnCallsite, ':'); i >= 0 {
		line := turnCallsite[i+1:]
		if line != "" && isDigits(line) {
			return "tool." + tool + ":" + line
		}
	}
	return "tool." + tool
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func encodeToolContent(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
