// Package tools implements the per-invocation tool registry. Tools are named
// handlers with JSON Schema argument contracts; invocations flow through the
// checkpoint journal so replay reproduces results without re-running
// handlers, and through the event log so every call is observable. A registry
// may carry a MockSet, in which case canned responses take the place of
// handlers while producing identical journal entries and events.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/model"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

type (
	// Handler executes one tool call. Args are canonical JSON shapes; the
	// returned value must be JSON-compatible. Errors become tool faults
	// surfaced into the calling agent's session, not invocation failures.
	Handler func(ctx context.Context, args map[string]any) (any, error)

	// Tool is a registered callable.
	Tool struct {
		Name        string
		Description string
		// Schema is a JSON Schema object validating Args. Nil accepts
		// anything.
		Schema map[string]any
		// Handler runs the tool. May be nil when a MockSet answers for it.
		Handler Handler
	}

	// Call records one completed invocation, mock or live.
	Call struct {
		Tool   string         `json:"tool"`
		Agent  string         `json:"agent,omitempty"`
		Args   map[string]any `json:"args,omitempty"`
		Result any            `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
		At     time.Time      `json:"at"`
	}

	// Options configures a Registry.
	Options struct {
		// Journal checkpoints each call. Nil disables journalling.
		Journal *journal.Journal
		// Log receives a tool_call event per fresh (non-replayed) call.
		Log *eventlog.Log
		// Mocks intercepts calls when non-nil.
		Mocks *MockSet
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Registry is the tool table of one invocation.
	Registry struct {
		journal *journal.Journal
		log     *eventlog.Log
		mocks   *MockSet
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time

		mu      sync.Mutex
		tools   map[string]Tool
		order   []string
		schemas map[string]*jsonschema.Schema
		calls   []Call
	}

	// Invocation names one tool call. Callsite anchors the journal step id;
	// the registry appends the per-callsite ordinal.
	Invocation struct {
		Agent    string
		Name     string
		Callsite string
		Args     map[string]any
	}

	// outcome is the journalled result of one call.
	outcome struct {
		Result any    `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}
)

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
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
	return &Registry{
		journal: opts.Journal,
		log:     opts.Log,
		mocks:   opts.Mocks,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Registering a duplicate name or an invalid schema is
// a validation fault.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fault.New(fault.KindValidation, "tool name is required")
	}
	var schema *jsonschema.Schema
	if t.Schema != nil {
		compiler := jsonschema.NewCompiler()
		url := "tactus://tools/" + t.Name + ".json"
		if err := compiler.AddResource(url, t.Schema); err != nil {
			return fault.Wrap(fault.KindValidation, err, "tool %q schema", t.Name)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fault.Wrap(fault.KindValidation, err, "tool %q schema", t.Name)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fault.New(fault.KindValidation, "tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	if schema != nil {
		r.schemas[t.Name] = schema
	}
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns model tool definitions for the named subset, or for
// every registered tool when names is nil. Unknown names are skipped; the
// runtime validates references at registration time.
func (r *Registry) Definitions(names []string) []model.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	pick := r.order
	if names != nil {
		pick = names
	}
	out := make([]model.ToolDefinition, 0, len(pick))
	for _, name := range pick {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Invoke runs one tool call through the journal. On replay the stored
// outcome is returned and the call re-recorded in memory without events.
// Tool failures (unknown tool, schema violation, handler error) return a
// tool fault whose message the agent surfaces into the session.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, err, "tool %s", inv.Name)
	}

	run := func(ctx context.Context) (outcome, error) {
		return r.execute(ctx, inv), nil
	}

	var (
		out      outcome
		replayed bool
		err      error
	)
	if r.journal != nil {
		callsite := inv.Callsite
		if callsite == "" {
			callsite = "tool." + inv.Name
		}
		stepID := r.journal.StepID(callsite)
		out, replayed, err = journal.Step(ctx, r.journal, stepID, "tool", run)
	} else {
		out, err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	call := Call{
		Tool:   inv.Name,
		Agent:  inv.Agent,
		Args:   inv.Args,
		Result: out.Result,
		Error:  out.Error,
		At:     r.clock().UTC(),
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if !replayed {
		if r.log != nil {
			if _, lerr := r.log.Append(ctx, eventlog.TypeToolCall, eventlog.ToolCallPayload{
				Tool:   inv.Name,
				Agent:  inv.Agent,
				Args:   inv.Args,
				Result: out.Result,
				Error:  out.Error,
			}); lerr != nil {
				r.logger.Warn(ctx, "tool_call event append failed", "tool", inv.Name, "err", lerr)
			}
		}
		r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", inv.Name)
	}

	if out.Error != "" {
		return nil, fault.New(fault.KindTool, "%s", out.Error).WithDetail("tool", inv.Name)
	}
	return out.Result, nil
}

// execute resolves one call against mocks or the live handler. Failures are
// folded into the outcome so they journal and replay like results.
func (r *Registry) execute(ctx context.Context, inv Invocation) outcome {
	r.mu.Lock()
	t, known := r.tools[inv.Name]
	schema := r.schemas[inv.Name]
	r.mu.Unlock()

	if r.mocks != nil {
		if resp, errMsg, ok := r.mocks.Resolve(inv.Name, inv.Args); ok {
			if errMsg != "" {
				return outcome{Error: errMsg}
			}
			norm, err := state.Normalize(resp)
			if err != nil {
				return outcome{Error: fmt.Sprintf("mock response for %s: %v", inv.Name, err)}
			}
			return outcome{Result: norm}
		}
	}

	if !known {
		return outcome{Error: fmt.Sprintf("unknown tool %q", inv.Name)}
	}
	if schema != nil {
		norm, err := state.Normalize(inv.Args)
		if err != nil {
			return outcome{Error: fmt.Sprintf("tool %s arguments: %v", inv.Name, err)}
		}
		if norm == nil {
			norm = map[string]any{}
		}
		if err := schema.Validate(norm); err != nil {
			return outcome{Error: fmt.Sprintf("tool %s arguments: %v", inv.Name, err)}
		}
	}
	if t.Handler == nil {
		return outcome{Error: fmt.Sprintf("tool %q has no handler and no mock", inv.Name)}
	}

	result, err := t.Handler(ctx, inv.Args)
	if err != nil {
		return outcome{Error: err.Error()}
	}
	norm, err := state.Normalize(result)
	if err != nil {
		return outcome{Error: fmt.Sprintf("tool %s result: %v", inv.Name, err)}
	}
	return outcome{Result: norm}
}

// Calls returns every recorded call in order.
func (r *Registry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Called reports whether name was invoked at least once.
func (r *Registry) Called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Tool == name {
			return true
		}
	}
	return false
}

// LastCall returns the most recent call of name.
func (r *Registry) LastCall(name string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Tool == name {
			return r.calls[i], true
		}
	}
	return Call{}, false
}

// CallsOf returns every call of name in order.
func (r *Registry) CallsOf(name string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Tool == name {
			out = append(out, c)
		}
	}
	return out
}

// ToolsUsed returns the sorted set of distinct tools called.
func (r *Registry) ToolsUsed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for _, c := range r.calls {
		seen[c.Tool] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
