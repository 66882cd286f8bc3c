package runtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/engine"
	engineinmem "tactus.dev/tactus/runtime/procedure/engine/inmem"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/model"
	mockmodel "tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/script"
	"tactus.dev/tactus/runtime/procedure/state"
	stateinmem "tactus.dev/tactus/runtime/procedure/state/inmem"
	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/telemetry"
	"tactus.dev/tactus/runtime/procedure/tools"
)

// invocation is one running procedure. It owns the per-invocation machinery
// and implements the script's Stager and Scheduler contracts so stage
// transitions and child procedures route back through the runtime.
type invocation struct {
	rt      *Runtime
	reg     *registered
	id      string
	chain   []string
	params  map[string]any
	mock    *MockConfig
	handler hitl.Handler
	resumed bool
	// inherited maps dependency names to the parent's instances.
	inherited map[string]tools.Tool

	journal    *journal.Journal
	log        *eventlog.Log
	store      state.Store
	registry   *tools.Registry
	gateway    *hitl.Gateway
	iterations *agent.Iterations
	agents     map[string]*agent.Agent

	mu          sync.Mutex
	rec         storage.Record
	children    map[string]engine.Handle
	closers     []func(ctx context.Context) error
	depTools    map[string]tools.Tool
	startAt     time.Time
	freshResult bool
	done        *Outcome
}

var (
	_ script.Stager    = (*invocation)(nil)
	_ script.Scheduler = (*invocation)(nil)
)

// assemble wires the context-free machinery: state, journal, event log, tool
// registry, iteration budget, and human gateway. Resume passes the persisted
// journal entries and the event watermark; fresh starts pass nil and zero.
func (inv *invocation) assemble(entries []journal.Entry, startSeq uint64) {
	r := inv.rt
	inv.store = stateinmem.New()

	jopts := journal.Options{
		Persist: func(ctx context.Context, e journal.Entry) error {
			return r.storage.WriteCheckpoint(ctx, inv.id, e)
		},
		OnWrite: func(ctx context.Context, e journal.Entry) {
			inv.emit(ctx, eventlog.TypeCheckpointWritten, eventlog.CheckpointWrittenPayload{StepID: e.StepID, Kind: e.Kind})
			r.metrics.IncCounter(telemetry.MetricCheckpointWrites, 1, "procedure", inv.reg.proc.Name)
		},
		Clock: r.clock,
	}
	if entries != nil {
		inv.journal = journal.Load(inv.id, entries, jopts)
	} else {
		inv.journal = journal.New(inv.id, jopts)
	}

	inv.log = eventlog.New(inv.id, eventlog.Options{
		Mirror: func(ctx context.Context, ev eventlog.Event) error {
			return r.storage.AppendEvent(ctx, inv.id, ev)
		},
		Sinks:    r.sinks,
		StartSeq: startSeq,
		Clock:    r.clock,
		Logger:   r.logger,
	})

	var mocks *tools.MockSet
	if inv.mock != nil {
		mocks = inv.mock.mockSet()
	}
	inv.registry = tools.NewRegistry(tools.Options{
		Journal: inv.journal,
		Log:     inv.log,
		Mocks:   mocks,
		Logger:  r.logger,
		Metrics: r.metrics,
		Clock:   r.clock,
	})

	limit := inv.reg.proc.MaxIterations
	if limit == 0 {
		limit = r.maxIter
	}
	inv.iterations = agent.NewIterations(limit)

	inv.gateway = hitl.NewGateway(hitl.Options{
		Handler:   inv.handler,
		Journal:   inv.journal,
		Log:       inv.log,
		OnWaiting: inv.waitingHuman,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
}

// task adapts execute to the engine contract.
func (inv *invocation) task(ctx context.Context) (any, error) {
	out := inv.execute(ctx)
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

func (inv *invocation) execute(ctx context.Context) *Outcome {
	r := inv.rt
	inv.mu.Lock()
	inv.startAt = r.clock()
	inv.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "tactus.invocation")
	defer span.End()

	lifecycle := eventlog.LifecycleStart
	if inv.resumed {
		lifecycle = eventlog.LifecycleResumed
	}
	inv.emit(ctx, eventlog.TypeExecution, eventlog.ExecutionPayload{
		Lifecycle: lifecycle,
		Procedure: inv.reg.proc.Name,
	})

	value, err := inv.run(ctx)
	out := inv.finish(ctx, value, err)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Message)
	}
	return out
}

// run opens dependencies, builds agents, executes the script, and gates the
// result behind one journalled step so a resumed terminal invocation replays
// the identical result without re-validating or re-emitting its output.
func (inv *invocation) run(ctx context.Context) (any, error) {
	if err := inv.openTools(ctx); err != nil {
		return nil, err
	}
	if err := inv.buildAgents(ctx); err != nil {
		return nil, err
	}

	value, err := script.Execute(ctx, inv.reg.proc.Source, inv.bindings())
	if err != nil {
		return nil, err
	}

	result, replayed, err := journal.Step(ctx, inv.journal, "procedure:result", "procedure", func(ctx context.Context) (any, error) {
		if verr := inv.reg.validateOutputs(value); verr != nil {
			inv.emit(ctx, eventlog.TypeValidation, eventlog.ValidationPayload{
				Target: "outputs",
				OK:     false,
				Errors: faultMessages(verr),
			})
			return nil, verr
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	if !replayed {
		inv.mu.Lock()
		inv.freshResult = true
		inv.mu.Unlock()
		inv.emit(ctx, eventlog.TypeOutput, eventlog.OutputPayload{Result: result})
	}
	return result, nil
}

// openTools registers builtins, host tools, procedure bindings, and
// dependencies in a deterministic order. Mock runs register dependency
// placeholders instead of building real resources; the mock set answers
// their calls.
func (inv *invocation) openTools(ctx context.Context) error {
	r := inv.rt
	proc := inv.reg.proc

	for _, t := range tools.Builtins(tools.NewTodoList()) {
		if err := inv.registry.Register(t); err != nil {
			return err
		}
	}

	r.mu.Lock()
	order := append([]string(nil), r.order...)
	host := make(map[string]tools.Tool, len(r.tools))
	for name, t := range r.tools {
		host[name] = t
	}
	r.mu.Unlock()
	for _, name := range order {
		if err := inv.registry.Register(host[name]); err != nil {
			return err
		}
	}

	bindings := make([]string, 0, len(proc.Tools))
	for name := range proc.Tools {
		bindings = append(bindings, name)
	}
	sort.Strings(bindings)
	for _, name := range bindings {
		t, err := inv.bindingTool(name, proc.Tools[name])
		if err != nil {
			return err
		}
		if err := inv.registry.Register(t); err != nil {
			return err
		}
	}

	for _, name := range proc.Dependencies {
		t, closer, err := inv.openDependency(ctx, name)
		if err != nil {
			return err
		}
		if err := inv.registry.Register(t); err != nil {
			return err
		}
		inv.mu.Lock()
		inv.depTools[name] = t
		if closer != nil {
			inv.closers = append(inv.closers, closer)
		}
		inv.mu.Unlock()
	}
	return nil
}

func (inv *invocation) openDependency(ctx context.Context, name string) (tools.Tool, func(context.Context) error, error) {
	if t, ok := inv.inherited[name]; ok {
		return t, nil, nil
	}
	if inv.mock != nil {
		return tools.Tool{Name: name, Description: "mocked dependency"}, nil, nil
	}
	inv.rt.mu.Lock()
	build := inv.rt.deps[name]
	inv.rt.mu.Unlock()
	if build == nil {
		return tools.Tool{}, nil, fault.New(fault.KindValidation, "dependency %q is not registered", name)
	}
	dep, err := build(ctx)
	if err != nil {
		if _, ok := fault.As(err); ok {
			return tools.Tool{}, nil, err
		}
		return tools.Tool{}, nil, fault.Wrap(fault.KindInternal, err, "dependency %q", name)
	}
	t := dep.Tool
	t.Name = name
	return t, dep.Close, nil
}

// bindingTool exposes another procedure as a tool. The handler runs the
// child synchronously; the tool's journal entry gates re-execution on
// replay, so the handler itself journals nothing.
func (inv *invocation) bindingTool(name string, binding ToolBinding) (tools.Tool, error) {
	inv.rt.mu.Lock()
	child := inv.rt.procs[binding.Procedure]
	inv.rt.mu.Unlock()
	if child == nil {
		return tools.Tool{}, fault.New(fault.KindValidation, "tool %q references unregistered procedure %q", name, binding.Procedure)
	}
	description := binding.Description
	if description == "" {
		description = child.proc.Description
	}
	var schema map[string]any
	if len(child.proc.Params) > 0 {
		doc, err := paramsDoc(child.proc.Params)
		if err != nil {
			return tools.Tool{}, err
		}
		schema = doc
	}
	target := binding.Procedure
	return tools.Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			childInv, err := inv.rt.launch(ctx, target, RunOptions{Params: args}, inv)
			if err != nil {
				return nil, err
			}
			h, ok := inv.rt.engine.Get(childInv.id)
			if !ok {
				return nil, fault.New(fault.KindInternal, "child %q has no handle", childInv.id)
			}
			result, herr := h.Wait(ctx)
			if herr != nil {
				return nil, herr
			}
			return result, nil
		},
	}, nil
}

func (inv *invocation) buildAgents(ctx context.Context) error {
	proc := inv.reg.proc
	if len(proc.Agents) == 0 {
		return nil
	}
	r := inv.rt
	inv.agents = make(map[string]*agent.Agent, len(proc.Agents))
	names := make([]string, 0, len(proc.Agents))
	for name := range proc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := proc.Agents[name]
		client, err := inv.clientFor(ctx, name, spec)
		if err != nil {
			return err
		}
		ag, err := agent.New(agent.Config{
			Name:           name,
			Provider:       spec.Provider,
			Model:          spec.Model,
			Temperature:    spec.Temperature,
			MaxTokens:      spec.MaxTokens,
			Settings:       spec.Settings,
			SystemPrompt:   spec.SystemPrompt,
			InitialMessage: spec.InitialMessage,
			Tools:          spec.Tools,
			Pricing:        spec.Pricing,
		}, agent.Options{
			Client:     client,
			Registry:   inv.registry,
			Journal:    inv.journal,
			Log:        inv.log,
			Iterations: inv.iterations,
			Params:     inv.params,
			State:      inv.store,
			Retry:      r.retry,
			Logger:     r.logger,
			Metrics:    r.metrics,
			Clock:      r.clock,
		})
		if err != nil {
			return err
		}
		inv.agents[name] = ag
	}
	return nil
}

func (inv *invocation) clientFor(ctx context.Context, name string, spec AgentSpec) (model.Client, error) {
	if inv.mock != nil {
		return mockmodel.New(inv.mock.Agents[name]...), nil
	}
	if inv.rt.clients == nil {
		return nil, fault.New(fault.KindValidation, "agent %q needs a model client factory", name)
	}
	client, err := inv.rt.clients(ctx, spec)
	if err != nil {
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, err, "model client for agent %q", name)
	}
	return client, nil
}

func (inv *invocation) bindings() script.Bindings {
	return script.Bindings{
		InvocationID: inv.id,
		Params:       inv.params,
		State:        inv.store,
		Journal:      inv.journal,
		Log:          inv.log,
		Registry:     inv.registry,
		Agents:       inv.agents,
		HITL:         inv.gateway,
		Iterations:   inv.iterations,
		Stage:        inv,
		Procedures:   inv,
		Logger:       inv.rt.logger,
	}
}

// finish runs the terminal sequence: cancel stray children, close owned
// dependencies, emit the terminal lifecycle event (plus the summary unless
// the result replayed from the journal), seal the log, and persist the
// terminal record. It uses a detached context so cancellation cannot block
// its own bookkeeping.
func (inv *invocation) finish(ctx context.Context, result any, runErr error) *Outcome {
	r := inv.rt
	ctx = context.WithoutCancel(ctx)
	name := inv.reg.proc.Name

	status := storage.StatusCompleted
	var f *fault.Error
	if runErr != nil {
		var ok bool
		if f, ok = fault.As(runErr); !ok {
			f = fault.New(fault.KindInternal, "%s", runErr.Error())
		}
		if f.Kind == fault.KindCancelled {
			status = storage.StatusCancelled
		} else {
			status = storage.StatusFailed
		}
		result = nil
	}

	inv.cancelChildren()
	inv.closeDependencies(ctx)

	lifecycle := eventlog.LifecycleComplete
	switch status {
	case storage.StatusFailed:
		lifecycle = eventlog.LifecycleError
	case storage.StatusCancelled:
		lifecycle = eventlog.LifecycleCancelled
	}
	payload := eventlog.ExecutionPayload{Lifecycle: lifecycle, Procedure: name}
	if f != nil {
		payload.ErrorKind = string(f.Kind)
		payload.Error = f.Message
	}
	inv.emit(ctx, eventlog.TypeExecution, payload)

	inTok, outTok, cost := inv.usage()
	inv.mu.Lock()
	duration := r.clock().Sub(inv.startAt)
	fresh := inv.freshResult
	inv.mu.Unlock()
	if f != nil || fresh {
		inv.emit(ctx, eventlog.TypeExecutionSummary, eventlog.ExecutionSummaryPayload{
			Status:       string(status),
			Iterations:   inv.iterations.Current(),
			ToolsUsed:    inv.registry.ToolsUsed(),
			DurationMS:   duration.Milliseconds(),
			InputTokens:  inTok,
			OutputTokens: outTok,
			CostUSD:      cost,
		})
	}
	inv.log.Seal()

	now := r.clock().UTC()
	inv.mu.Lock()
	inv.rec.Status = status
	inv.rec.Result = result
	if f != nil {
		inv.rec.ErrorKind = string(f.Kind)
		inv.rec.Error = f.Message
	}
	inv.rec.State = inv.store.Dump()
	inv.rec.Iterations = inv.iterations.Current()
	inv.rec.EventSeq = inv.log.Seq()
	inv.rec.UpdatedAt = now
	inv.rec.FinishedAt = &now
	rec := inv.rec
	inv.mu.Unlock()
	if err := r.storage.SaveInvocation(ctx, rec); err != nil {
		r.logger.Error(ctx, "terminal record save failed", "invocation_id", inv.id, "err", err)
	}

	out := &Outcome{
		InvocationID: inv.id,
		Procedure:    name,
		Status:       status,
		Result:       result,
		Err:          f,
		StopReason:   inv.stopReason(f),
		Stage:        rec.Stage,
		State:        rec.State,
		Iterations:   rec.Iterations,
		ToolCalls:    inv.registry.Calls(),
		Events:       inv.log.Snapshot(),
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      cost,
		Duration:     duration,
	}
	inv.mu.Lock()
	inv.done = out
	inv.mu.Unlock()
	inv.log.Close()

	r.metrics.IncCounter(telemetry.MetricInvocations, 1, "procedure", name, "status", string(status))
	r.metrics.RecordTimer(telemetry.MetricInvocationDuration, duration, "procedure", name)
	r.logger.Info(ctx, "invocation finished", "invocation_id", inv.id, "procedure", name, "status", string(status))
	return out
}

func (inv *invocation) outcome() *Outcome {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.done
}

// usage sums the cost events this run emitted.
func (inv *invocation) usage() (inTok, outTok int, usd float64) {
	for _, ev := range inv.log.Snapshot() {
		if ev.Type != eventlog.TypeCost {
			continue
		}
		var p eventlog.CostPayload
		if ev.Decode(&p) != nil {
			continue
		}
		inTok += p.InputTokens
		outTok += p.OutputTokens
		usd += p.USD
	}
	return inTok, outTok, usd
}

func (inv *invocation) stopReason(f *fault.Error) string {
	if f != nil {
		return f.Message
	}
	if call, ok := inv.registry.LastCall("done"); ok {
		if reason, ok := call.Args["reason"].(string); ok && reason != "" {
			return reason
		}
		return "done"
	}
	return "completed"
}

func (inv *invocation) cancelChildren() {
	inv.mu.Lock()
	children := make([]engine.Handle, 0, len(inv.children))
	for _, h := range inv.children {
		children = append(children, h)
	}
	inv.mu.Unlock()
	cause := fault.New(fault.KindCancelled, "parent invocation finished")
	for _, h := range children {
		if !h.Terminal() {
			h.Cancel(cause)
		}
	}
}

func (inv *invocation) closeDependencies(ctx context.Context) {
	inv.mu.Lock()
	closers := inv.closers
	inv.closers = nil
	inv.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			inv.rt.logger.Warn(ctx, "dependency close failed", "invocation_id", inv.id, "err", err)
		}
	}
}

func (inv *invocation) emit(ctx context.Context, typ eventlog.Type, payload any) {
	if _, err := inv.log.Append(ctx, typ, payload); err != nil {
		inv.rt.logger.Warn(ctx, "event append failed", "invocation_id", inv.id, "type", string(typ), "err", err)
	}
}

// Stage implements script.Stager.
func (inv *invocation) Stage() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.rec.Stage
}

// SetStage implements script.Stager. Setting the current stage again is a
// no-op persist, which keeps replay idempotent.
func (inv *invocation) SetStage(ctx context.Context, name string) error {
	if stages := inv.reg.proc.Stages; len(stages) > 0 {
		known := false
		for _, s := range stages {
			if s == name {
				known = true
				break
			}
		}
		if !known {
			return fault.New(fault.KindValidation, "stage %q is not declared (have %s)", name, strings.Join(stages, ", "))
		}
	}
	inv.mu.Lock()
	inv.rec.Stage = name
	inv.mu.Unlock()
	return inv.persist(ctx)
}

// persist saves the current record snapshot: status, stage, state, and
// iteration count.
func (inv *invocation) persist(ctx context.Context) error {
	inv.mu.Lock()
	inv.rec.State = inv.store.Dump()
	inv.rec.Iterations = inv.iterations.Current()
	inv.rec.UpdatedAt = inv.rt.clock().UTC()
	rec := inv.rec
	inv.mu.Unlock()
	return inv.rt.storage.SaveInvocation(ctx, rec)
}

func (inv *invocation) setStatus(ctx context.Context, status storage.Status) error {
	inv.mu.Lock()
	inv.rec.Status = status
	inv.mu.Unlock()
	return inv.persist(ctx)
}

// waitingHuman flips the record between running and waiting_human around
// blocking gateway waits.
func (inv *invocation) waitingHuman(ctx context.Context, waiting bool) error {
	status := storage.StatusRunning
	if waiting {
		status = storage.StatusWaitingHuman
	}
	return inv.setStatus(ctx, status)
}

// waitOutcome is the journalled value of one wait. Timed-out waits journal
// as such so replay stays stable; child failures journal kind and message
// for re-raising.
type waitOutcome struct {
	TimedOut  bool   `json:"timed_out,omitempty"`
	Status    string `json:"status,omitempty"`
	Result    any    `json:"result,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunChild implements script.Scheduler: spawn plus indefinite wait, two
// journal entries under one call site.
func (inv *invocation) RunChild(ctx context.Context, callsite, name string, params map[string]any) (any, error) {
	handle, err := inv.Spawn(ctx, callsite, name, params)
	if err != nil {
		return nil, err
	}
	result, _, err := inv.Wait(ctx, callsite, handle, nil)
	return result, err
}

// Spawn implements script.Scheduler. The journalled value is the child id;
// replaying a spawn re-attaches to the child, resuming it when it did not
// reach a terminal state.
func (inv *invocation) Spawn(ctx context.Context, callsite, name string, params map[string]any) (string, error) {
	stepID := inv.journal.StepID(callsite)
	childID, replayed, err := journal.Step(ctx, inv.journal, stepID, "spawn", func(ctx context.Context) (string, error) {
		child, err := inv.rt.launch(ctx, name, RunOptions{Params: params}, inv)
		if err != nil {
			return "", err
		}
		h, ok := inv.rt.engine.Get(child.id)
		if !ok {
			return "", fault.New(fault.KindInternal, "child %q has no handle", child.id)
		}
		inv.mu.Lock()
		inv.children[child.id] = h
		inv.mu.Unlock()
		return child.id, nil
	})
	if err != nil {
		return "", err
	}
	if replayed {
		if _, err := inv.childHandle(ctx, childID); err != nil {
			return "", err
		}
	}
	return childID, nil
}

// childHandle returns the engine handle for a child, rebuilding it from
// storage after a resume: terminal children become pre-finished handles,
// interrupted ones are resumed.
func (inv *invocation) childHandle(ctx context.Context, id string) (engine.Handle, error) {
	inv.mu.Lock()
	h, ok := inv.children[id]
	inv.mu.Unlock()
	if ok {
		return h, nil
	}
	if h, ok := inv.rt.engine.Get(id); ok {
		inv.mu.Lock()
		inv.children[id] = h
		inv.mu.Unlock()
		return h, nil
	}
	rec, err := inv.rt.storage.LoadInvocation(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "child %q", id)
	}
	if rec.Status.Terminal() {
		h := engineinmem.Completed(id, rec.Result, recordFault(rec))
		inv.mu.Lock()
		inv.children[id] = h
		inv.mu.Unlock()
		return h, nil
	}
	child, err := inv.rt.relaunch(ctx, id)
	if err != nil {
		return nil, err
	}
	got, ok := inv.rt.engine.Get(child.id)
	if !ok {
		return nil, fault.New(fault.KindInternal, "child %q has no handle", id)
	}
	inv.mu.Lock()
	inv.children[id] = got
	inv.mu.Unlock()
	return got, nil
}

// Status implements script.Scheduler. Reads are never journalled.
func (inv *invocation) Status(ctx context.Context, handle string) (map[string]any, error) {
	if live := inv.rt.liveInvocation(handle); live != nil {
		return live.statusTable(), nil
	}
	rec, err := inv.rt.storage.LoadInvocation(ctx, handle)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invocation %q", handle)
	}
	return map[string]any{
		"id":                rec.ID,
		"procedure":         rec.Procedure,
		"status":            string(rec.Status),
		"stage":             rec.Stage,
		"iterations":        rec.Iterations,
		"waiting_for_human": rec.Status == storage.StatusWaitingHuman,
	}, nil
}

func (inv *invocation) statusTable() map[string]any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return map[string]any{
		"id":                inv.id,
		"procedure":         inv.reg.proc.Name,
		"status":            string(inv.rec.Status),
		"stage":             inv.rec.Stage,
		"iterations":        inv.iterations.Current(),
		"waiting_for_human": inv.rec.Status == storage.StatusWaitingHuman,
	}
}

// Wait implements script.Scheduler. A nil timeout waits indefinitely; zero
// polls. The boolean is false when the wait timed out.
func (inv *invocation) Wait(ctx context.Context, callsite, handle string, timeout *time.Duration) (any, bool, error) {
	stepID := inv.journal.StepID(callsite)
	out, _, err := journal.Step(ctx, inv.journal, stepID, "wait", func(ctx context.Context) (waitOutcome, error) {
		return inv.awaitChild(ctx, handle, timeout)
	})
	if err != nil {
		return nil, false, err
	}
	if out.TimedOut {
		return nil, false, nil
	}
	if out.ErrorKind != "" {
		return nil, true, fault.New(fault.Kind(out.ErrorKind), "%s", out.Error).WithDetail("invocation_id", handle)
	}
	return out.Result, true, nil
}

func (inv *invocation) awaitChild(ctx context.Context, handle string, timeout *time.Duration) (waitOutcome, error) {
	h, err := inv.childHandle(ctx, handle)
	if err != nil {
		return waitOutcome{}, err
	}
	if timeout != nil && *timeout == 0 {
		if !h.Terminal() {
			return waitOutcome{TimedOut: true}, nil
		}
		return childOutcome(h), nil
	}

	if err := inv.setStatus(ctx, storage.StatusWaitingChild); err != nil {
		return waitOutcome{}, fault.Wrap(fault.KindInternal, err, "persist waiting_child")
	}
	defer func() {
		if err := inv.setStatus(ctx, storage.StatusRunning); err != nil {
			inv.rt.logger.Warn(ctx, "status restore failed", "invocation_id", inv.id, "err", err)
		}
	}()

	waitCtx := ctx
	if timeout != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	select {
	case <-h.Done():
		return childOutcome(h), nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return waitOutcome{}, interrupted(ctx)
		}
		return waitOutcome{TimedOut: true}, nil
	}
}

// WaitAll implements script.Scheduler. All handles must reach a terminal
// state; failed children yield nil entries and their errors surface through
// result.
func (inv *invocation) WaitAll(ctx context.Context, callsite string, handles []string) ([]any, error) {
	stepID := inv.journal.StepID(callsite)
	outs, _, err := journal.Step(ctx, inv.journal, stepID, "wait", func(ctx context.Context) ([]waitOutcome, error) {
		outs := make([]waitOutcome, len(handles))
		if len(handles) == 0 {
			return outs, nil
		}
		if err := inv.setStatus(ctx, storage.StatusWaitingChild); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "persist waiting_child")
		}
		defer func() {
			if err := inv.setStatus(ctx, storage.StatusRunning); err != nil {
				inv.rt.logger.Warn(ctx, "status restore failed", "invocation_id", inv.id, "err", err)
			}
		}()
		for i, handle := range handles {
			h, err := inv.childHandle(ctx, handle)
			if err != nil {
				return nil, err
			}
			select {
			case <-h.Done():
			case <-ctx.Done():
				return nil, interrupted(ctx)
			}
			outs[i] = childOutcome(h)
		}
		return outs, nil
	})
	if err != nil {
		return nil, err
	}
	results := make([]any, len(outs))
	for i, out := range outs {
		if out.Status == string(storage.StatusCompleted) {
			results[i] = out.Result
		}
	}
	return results, nil
}

// Result implements script.Scheduler. It blocks until the child is terminal
// and re-raises failures with the child id attached. Results are not
// journalled: the spawn entry pins the child id and the child's own journal
// pins its result.
func (inv *invocation) Result(ctx context.Context, handle string) (any, error) {
	h, err := inv.childHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		return nil, interrupted(ctx)
	}
	result, herr := h.Result()
	if herr != nil {
		msg := herr.Error()
		if f, ok := fault.As(herr); ok {
			msg = f.Message
		}
		return nil, fault.New(fault.KindOf(herr), "%s", msg).WithDetail("invocation_id", handle)
	}
	return result, nil
}

// Cancel implements script.Scheduler. Cancelling a terminal child is a
// no-op.
func (inv *invocation) Cancel(ctx context.Context, handle string) error {
	h, err := inv.childHandle(ctx, handle)
	if err != nil {
		return err
	}
	h.Cancel(fault.New(fault.KindCancelled, "cancelled by parent"))
	return nil
}

func childOutcome(h engine.Handle) waitOutcome {
	result, err := h.Result()
	if err == nil {
		return waitOutcome{Status: string(storage.StatusCompleted), Result: result}
	}
	kind := fault.KindOf(err)
	status := storage.StatusFailed
	if kind == fault.KindCancelled {
		status = storage.StatusCancelled
	}
	msg := err.Error()
	if f, ok := fault.As(err); ok {
		msg = f.Message
	}
	return waitOutcome{Status: string(status), ErrorKind: string(kind), Error: msg}
}

func recordFault(rec storage.Record) error {
	if rec.ErrorKind == "" {
		return nil
	}
	return fault.New(fault.Kind(rec.ErrorKind), "%s", rec.Error)
}

func interrupted(ctx context.Context) error {
	kind := fault.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = fault.KindTimeout
	}
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fault.Wrap(kind, cause, "wait interrupted")
}

func faultMessages(err error) []string {
	f, ok := fault.As(err)
	if !ok {
		return []string{err.Error()}
	}
	if msgs, ok := f.Detail["errors"].([]string); ok && len(msgs) > 0 {
		return msgs
	}
	return []string{f.Message}
}
