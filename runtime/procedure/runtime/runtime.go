// Package runtime orchestrates procedure invocations. It holds the
// registered procedure definitions, host tools, and resource dependencies;
// assembles the per-invocation machinery (state store, checkpoint journal,
// event log, tool registry, agents, human gateway); runs the Lua source on
// an execution engine; and persists records so interrupted invocations
// resume from their checkpoints on any storage backend.
package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/engine"
	engineinmem "tactus.dev/tactus/runtime/procedure/engine/inmem"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/model"
	"tactus.dev/tactus/runtime/procedure/script"
	"tactus.dev/tactus/runtime/procedure/storage"
	storageinmem "tactus.dev/tactus/runtime/procedure/storage/inmem"
	"tactus.dev/tactus/runtime/procedure/telemetry"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type (
	// ClientFactory builds the provider client for one agent declaration.
	// Mock-mode runs never call it.
	ClientFactory func(ctx context.Context, spec AgentSpec) (model.Client, error)

	// Dependency is one instantiated resource: a callable tool surface plus
	// an optional closer invoked when the owning invocation ends.
	Dependency struct {
		Tool  tools.Tool
		Close func(ctx context.Context) error
	}

	// DependencyBuilder constructs a dependency at invocation start. Child
	// invocations reuse the parent's instance instead of building their own.
	DependencyBuilder func(ctx context.Context) (Dependency, error)

	// Options configures a Runtime. Zero values select in-memory storage, a
	// goroutine engine, a silent human gateway, and no-op telemetry.
	Options struct {
		Storage storage.Backend
		Engine  engine.Engine
		// Clients builds live model clients. Required for procedures that
		// declare agents unless every run is mocked.
		Clients ClientFactory
		// HITL answers human interaction requests.
		HITL  hitl.Handler
		Sinks []eventlog.Sink

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		Clock   func() time.Time

		// Retry shapes provider retries on retryable faults.
		Retry agent.RetryPolicy
		// MaxIterations caps agent loops for procedures that set none.
		MaxIterations int
		// Mock, when set, runs every invocation in mock mode.
		Mock *MockConfig
	}

	// RunOptions tunes one submission.
	RunOptions struct {
		// InvocationID overrides the generated id.
		InvocationID string
		Params       map[string]any
		// Mock switches this invocation tree to mock mode, overriding the
		// runtime-level default.
		Mock *MockConfig
		// HITL overrides the runtime handler for this invocation tree.
		HITL hitl.Handler
	}

	// Outcome is the final word on one invocation.
	Outcome struct {
		InvocationID string
		Procedure    string
		Status       storage.Status
		Result       any
		// Err is set when Status is failed or cancelled.
		Err *fault.Error
		// StopReason is the done-tool reason when the script used one, the
		// fault message on failure, and "completed" otherwise.
		StopReason string
		Stage      string
		State      map[string]any
		Iterations int
		ToolCalls  []tools.Call
		// Events holds what this run emitted. A resumed run carries only its
		// own events; the full history lives in storage.
		Events       []eventlog.Event
		InputTokens  int
		OutputTokens int
		CostUSD      float64
		Duration     time.Duration
	}

	// Runtime is the top-level orchestrator. All methods are safe for
	// concurrent use.
	Runtime struct {
		storage storage.Backend
		engine  engine.Engine
		clients ClientFactory
		handler hitl.Handler
		sinks   []eventlog.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		clock   func() time.Time
		retry   agent.RetryPolicy
		maxIter int
		mock    *MockConfig

		mu    sync.Mutex
		procs map[string]*registered
		tools map[string]tools.Tool
		order []string
		deps  map[string]DependencyBuilder
		live  map[string]*invocation
	}
)

// New constructs a runtime.
func New(opts Options) *Runtime {
	r := &Runtime{
		storage: opts.Storage,
		engine:  opts.Engine,
		clients: opts.Clients,
		handler: opts.HITL,
		sinks:   opts.Sinks,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		clock:   opts.Clock,
		retry:   opts.Retry,
		maxIter: opts.MaxIterations,
		mock:    opts.Mock,
		procs:   make(map[string]*registered),
		tools:   make(map[string]tools.Tool),
		deps:    make(map[string]DependencyBuilder),
		live:    make(map[string]*invocation),
	}
	if r.storage == nil {
		r.storage = storageinmem.New()
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.engine == nil {
		r.engine = engineinmem.New(engineinmem.Options{Logger: r.logger})
	}
	if r.handler == nil {
		r.handler = hitl.Silent()
	}
	return r
}

// Register validates and stores a procedure definition. Re-registering a
// name replaces the previous definition.
func (r *Runtime) Register(p *Procedure) error {
	reg, err := r.validate(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Name] = reg
	return nil
}

// RegisterTool adds a host tool available to every procedure.
func (r *Runtime) RegisterTool(t tools.Tool) error {
	if t.Name == "" {
		return fault.New(fault.KindValidation, "tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fault.New(fault.KindValidation, "tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// RegisterDependency adds a named resource builder. Procedures opt in by
// listing the name in Dependencies.
func (r *Runtime) RegisterDependency(name string, build DependencyBuilder) error {
	if name == "" {
		return fault.New(fault.KindValidation, "dependency name is required")
	}
	if build == nil {
		return fault.New(fault.KindValidation, "dependency %q needs a builder", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.deps[name]; dup {
		return fault.New(fault.KindValidation, "dependency %q already registered", name)
	}
	r.deps[name] = build
	return nil
}

// Validate checks a definition without registering it: the Lua chunks must
// compile, param and output schemas must build, agent globals must not
// shadow capability tables, and agent tool references must resolve.
// Dependency builders and tool-binding targets are resolved at run time so
// definitions can be validated before the runtime is fully wired.
func (r *Runtime) Validate(p *Procedure) error {
	_, err := r.validate(p)
	return err
}

func (r *Runtime) validate(p *Procedure) (*registered, error) {
	if p == nil {
		return nil, fault.New(fault.KindValidation, "procedure is nil")
	}
	if p.Name == "" {
		return nil, fault.New(fault.KindValidation, "procedure name is required")
	}
	if p.Source == "" {
		return nil, fault.New(fault.KindValidation, "procedure %q has no source", p.Name)
	}
	if err := script.Check(p.Source); err != nil {
		return nil, err
	}
	if p.Steps != "" {
		if err := script.Check(p.Steps); err != nil {
			return nil, err
		}
	}
	reg, err := compile(p)
	if err != nil {
		return nil, err
	}

	globals := make(map[string]string, len(p.Agents))
	known := r.knownToolNames(p)
	for name, spec := range p.Agents {
		global := script.GlobalName(name)
		if script.ReservedGlobal(global) {
			return nil, fault.New(fault.KindValidation, "agent %q shadows the %s capability", name, global)
		}
		if prev, dup := globals[global]; dup {
			return nil, fault.New(fault.KindValidation, "agents %q and %q share the global %s", prev, name, global)
		}
		globals[global] = name
		for _, ref := range spec.Tools {
			if !known[ref] {
				return nil, fault.New(fault.KindValidation, "agent %q references unknown tool %q", name, ref)
			}
		}
	}
	for name, binding := range p.Tools {
		if binding.Procedure == "" {
			return nil, fault.New(fault.KindValidation, "tool %q needs a procedure", name)
		}
		if binding.Procedure == p.Name {
			return nil, fault.New(fault.KindValidation, "tool %q calls its own procedure %q", name, p.Name)
		}
	}
	return reg, nil
}

// knownToolNames collects every tool name an agent of p could reference.
func (r *Runtime) knownToolNames(p *Procedure) map[string]bool {
	known := map[string]bool{"done": true, "todo": true}
	r.mu.Lock()
	for name := range r.tools {
		known[name] = true
	}
	r.mu.Unlock()
	for name := range p.Tools {
		known[name] = true
	}
	for _, name := range p.Dependencies {
		known[name] = true
	}
	return known
}

// Procedure returns a registered definition.
func (r *Runtime) Procedure(name string) (*Procedure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.procs[name]
	if !ok {
		return nil, false
	}
	return reg.proc, true
}

// Procedures lists registered names, sorted.
func (r *Runtime) Procedures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run submits an invocation and blocks until it reaches a terminal status.
// Submission problems (unknown procedure, rejected params, duplicate id)
// return an error; invocation failures come back inside the Outcome.
func (r *Runtime) Run(ctx context.Context, name string, opts RunOptions) (*Outcome, error) {
	id, err := r.Start(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, id)
}

// Start submits an invocation and returns its id without waiting.
func (r *Runtime) Start(ctx context.Context, name string, opts RunOptions) (string, error) {
	inv, err := r.launch(ctx, name, opts, nil)
	if err != nil {
		return "", err
	}
	return inv.id, nil
}

// Resume reloads a persisted invocation and relaunches it from its
// checkpoints. Journalled steps replay without re-executing their effects;
// resuming an already-terminal invocation replays the whole script and
// reaches the same result. The invocation id is returned; use Wait to block.
func (r *Runtime) Resume(ctx context.Context, id string) (string, error) {
	inv, err := r.relaunch(ctx, id)
	if err != nil {
		return "", err
	}
	return inv.id, nil
}

// Wait blocks until the invocation finishes and returns its outcome. For
// invocations that finished in an earlier process the outcome is rebuilt
// from storage.
func (r *Runtime) Wait(ctx context.Context, id string) (*Outcome, error) {
	if h, ok := r.engine.Get(id); ok {
		select {
		case <-h.Done():
		case <-ctx.Done():
			// The task context derives from ctx, so termination follows.
			<-h.Done()
		}
		r.mu.Lock()
		inv := r.live[id]
		r.mu.Unlock()
		if inv != nil {
			return inv.outcome(), nil
		}
	}
	rec, err := r.storage.LoadInvocation(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invocation %q", id)
	}
	if !rec.Status.Terminal() {
		return nil, fault.New(fault.KindValidation, "invocation %q is not running here", id)
	}
	return r.recordOutcome(ctx, rec)
}

// Cancel requests cooperative cancellation. Cancelling a terminal
// invocation is a no-op.
func (r *Runtime) Cancel(ctx context.Context, id string) error {
	if h, ok := r.engine.Get(id); ok {
		h.Cancel(fault.New(fault.KindCancelled, "cancelled by request"))
		return nil
	}
	rec, err := r.storage.LoadInvocation(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "invocation %q", id)
	}
	if rec.Status.Terminal() {
		return nil
	}
	return fault.New(fault.KindValidation, "invocation %q is not running here", id)
}

// Subscribe streams events of one invocation from seq (exclusive). Live
// invocations stream until their log closes; finished ones replay from
// storage into a closed channel. The returned func releases the
// subscription.
func (r *Runtime) Subscribe(ctx context.Context, id string, since uint64) (<-chan eventlog.Event, func(), error) {
	r.mu.Lock()
	inv := r.live[id]
	r.mu.Unlock()
	if inv != nil {
		ch, cancel := inv.log.Subscribe(since)
		return ch, cancel, nil
	}
	events, err := r.storage.ReadEvents(ctx, id, since)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindValidation, err, "invocation %q events", id)
	}
	ch := make(chan eventlog.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

// Status returns the persisted record of an invocation.
func (r *Runtime) Status(ctx context.Context, id string) (storage.Record, error) {
	rec, err := r.storage.LoadInvocation(ctx, id)
	if err != nil {
		return storage.Record{}, fault.Wrap(fault.KindValidation, err, "invocation %q", id)
	}
	return rec, nil
}

// List returns every persisted invocation record, newest first.
func (r *Runtime) List(ctx context.Context) ([]storage.Record, error) {
	return r.storage.ListInvocations(ctx)
}

// Shutdown cancels live invocations and waits for them to finish. The
// storage backend is not closed; its owner closes it.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.engine.Shutdown(ctx)
}

// launch builds and starts a fresh invocation. A nil parent marks a
// top-level submission; children derive their context, mock configuration,
// and human gateway from the parent.
func (r *Runtime) launch(ctx context.Context, name string, opts RunOptions, parent *invocation) (*invocation, error) {
	r.mu.Lock()
	reg := r.procs[name]
	r.mu.Unlock()
	if reg == nil {
		return nil, fault.New(fault.KindValidation, "procedure %q is not registered", name)
	}

	chain := []string{name}
	if parent != nil {
		for _, ancestor := range parent.chain {
			if ancestor == name {
				return nil, fault.New(fault.KindInternal, "procedure cycle: %s", cycleText(parent.chain, name))
			}
		}
		chain = append(append([]string{}, parent.chain...), name)
	}

	params, err := reg.resolveParams(opts.Params)
	if err != nil {
		return nil, err
	}

	id := opts.InvocationID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := r.storage.LoadInvocation(ctx, id); err == nil {
		return nil, fault.New(fault.KindValidation, "invocation %q already exists", id)
	}

	inv := r.newInvocation(reg, id, chain, params, opts, parent)
	now := r.clock().UTC()
	inv.rec = storage.Record{
		ID:        id,
		Procedure: name,
		Version:   reg.proc.Version,
		Params:    params,
		Status:    storage.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != nil {
		inv.rec.ParentID = parent.id
	}
	if err := r.storage.SaveInvocation(ctx, inv.rec); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "save invocation %q", id)
	}
	inv.assemble(nil, 0)

	r.mu.Lock()
	r.live[id] = inv
	r.mu.Unlock()

	if _, err := r.engine.Start(ctx, id, inv.task); err != nil {
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
		return nil, err
	}
	r.logger.Info(ctx, "invocation started", "invocation_id", id, "procedure", name)
	return inv, nil
}

// relaunch rebuilds an invocation from its persisted record, checkpoints,
// and event watermark, then restarts it on the engine.
func (r *Runtime) relaunch(ctx context.Context, id string) (*invocation, error) {
	if h, ok := r.engine.Get(id); ok && !h.Terminal() {
		return nil, fault.New(fault.KindValidation, "invocation %q is still running", id)
	}
	rec, err := r.storage.LoadInvocation(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invocation %q", id)
	}
	r.mu.Lock()
	reg := r.procs[rec.Procedure]
	r.mu.Unlock()
	if reg == nil {
		return nil, fault.New(fault.KindValidation, "procedure %q is not registered", rec.Procedure)
	}
	entries, err := r.storage.ListCheckpoints(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "checkpoints of %q", id)
	}
	lastSeq, err := storage.LastEventSeq(ctx, r.storage, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "event watermark of %q", id)
	}

	inv := r.newInvocation(reg, id, []string{rec.Procedure}, rec.Params, RunOptions{}, nil)
	inv.resumed = true
	rec.Status = storage.StatusRunning
	rec.Result = nil
	rec.ErrorKind = ""
	rec.Error = ""
	rec.FinishedAt = nil
	rec.UpdatedAt = r.clock().UTC()
	inv.rec = rec
	if err := r.storage.SaveInvocation(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "save invocation %q", id)
	}
	inv.assemble(entries, lastSeq)

	r.mu.Lock()
	r.live[id] = inv
	r.mu.Unlock()

	if _, err := r.engine.Start(ctx, id, inv.task); err != nil {
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
		return nil, err
	}
	r.logger.Info(ctx, "invocation resumed", "invocation_id", id, "procedure", rec.Procedure)
	return inv, nil
}

// newInvocation wires the pieces that need no context: identity, mock
// resolution, and inherited dependencies.
func (r *Runtime) newInvocation(reg *registered, id string, chain []string, params map[string]any, opts RunOptions, parent *invocation) *invocation {
	mock := opts.Mock
	if mock == nil && parent != nil {
		mock = parent.mock
	}
	if mock == nil {
		mock = r.mock
	}
	handler := opts.HITL
	if handler == nil && parent != nil {
		handler = parent.handler
	}
	if handler == nil {
		if mock != nil {
			handler = mock.handler()
		} else {
			handler = r.handler
		}
	}
	inv := &invocation{
		rt:       r,
		reg:      reg,
		id:       id,
		chain:    chain,
		params:   params,
		mock:     mock,
		handler:  handler,
		children: make(map[string]engine.Handle),
		depTools: make(map[string]tools.Tool),
	}
	if parent != nil {
		inv.inherited = parent.depTools
	}
	return inv
}

func (r *Runtime) liveInvocation(id string) *invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

// recordOutcome rebuilds an outcome for an invocation that finished outside
// this process.
func (r *Runtime) recordOutcome(ctx context.Context, rec storage.Record) (*Outcome, error) {
	events, err := r.storage.ReadEvents(ctx, rec.ID, 0)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "events of %q", rec.ID)
	}
	out := &Outcome{
		InvocationID: rec.ID,
		Procedure:    rec.Procedure,
		Status:       rec.Status,
		Result:       rec.Result,
		Stage:        rec.Stage,
		State:        rec.State,
		Iterations:   rec.Iterations,
		Events:       events,
		StopReason:   "completed",
	}
	if rec.ErrorKind != "" {
		out.Err = fault.New(fault.Kind(rec.ErrorKind), "%s", rec.Error)
		out.StopReason = rec.Error
	}
	for _, ev := range events {
		switch ev.Type {
		case eventlog.TypeToolCall:
			var p eventlog.ToolCallPayload
			if ev.Decode(&p) == nil {
				out.ToolCalls = append(out.ToolCalls, tools.Call{
					Tool: p.Tool, Agent: p.Agent, Args: p.Args,
					Result: p.Result, Error: p.Error, At: ev.Timestamp,
				})
			}
		case eventlog.TypeCost:
			var p eventlog.CostPayload
			if ev.Decode(&p) == nil {
				out.InputTokens += p.InputTokens
				out.OutputTokens += p.OutputTokens
				out.CostUSD += p.USD
			}
		}
	}
	if rec.FinishedAt != nil {
		out.Duration = rec.FinishedAt.Sub(rec.CreatedAt)
	}
	return out, nil
}

func cycleText(chain []string, repeat string) string {
	text := ""
	for _, name := range chain {
		text += name + " -> "
	}
	return text + repeat
}
