// Package script embeds the Lua procedure language and exposes the runtime
// primitives to it as capability tables. One Execute call owns one lua.LState
// for its whole life; every capability method is a blocking Go call and
// therefore a suspension point of the invocation. Host errors cross the
// boundary as catchable tables tagged with their fault kind; values cross as
// canonical JSON shapes in both directions.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"

	lua "github.com/yuin/gopher-lua"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/session"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/telemetry"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type (
	// Stager tracks the named stage of the invocation. Implemented by the
	// runtime so stage transitions persist with the invocation record.
	Stager interface {
		// Stage returns the current stage name, empty before the first set.
		Stage() string
		// SetStage records a transition. Must be idempotent: replay re-applies
		// journalled transitions in order.
		SetStage(ctx context.Context, name string) error
	}

	// Scheduler runs child procedures on behalf of the script. Implemented
	// by the runtime; every operation that blocks or has effects journals
	// under the given callsite so resumed scripts replay deterministically.
	Scheduler interface {
		// RunChild spawns a child and blocks until it terminates, returning
		// its result or re-raising its failure.
		RunChild(ctx context.Context, callsite, name string, params map[string]any) (any, error)
		// Spawn starts a child and returns its handle immediately.
		Spawn(ctx context.Context, callsite, name string, params map[string]any) (string, error)
		// Status reports a live snapshot of the child. Never journalled.
		Status(ctx context.Context, handle string) (map[string]any, error)
		// Wait blocks until the child is terminal or the timeout elapses.
		// The second return is false when the wait timed out; a nil timeout
		// waits indefinitely and a zero timeout polls.
		Wait(ctx context.Context, callsite, handle string, timeout *time.Duration) (any, bool, error)
		// WaitAll blocks until every handle is terminal and returns their
		// results in handle order. Failed children yield nil entries; their
		// errors re-raise through Result.
		WaitAll(ctx context.Context, callsite string, handles []string) ([]any, error)
		// Result returns the final result of a terminal child or re-raises
		// its failure.
		Result(ctx context.Context, handle string) (any, error)
		// Cancel requests cooperative cancellation of the child tree.
		Cancel(ctx context.Context, handle string) error
	}

	// Bindings wires one invocation's primitives into the script globals.
	Bindings struct {
		InvocationID string
		// Params is installed as the read-only Params global.
		Params map[string]any
		State  state.Store
		// Journal is required: every mutating capability checkpoints
		// through it.
		Journal *journal.Journal
		// Log receives events for fresh (non-replayed) effects. Nil drops
		// them.
		Log *eventlog.Log
		// Registry backs the Tool query capability and agent tool calls.
		Registry *tools.Registry
		// Agents are installed as title-cased globals (greeter -> Greeter).
		Agents map[string]*agent.Agent
		// HITL backs Human.approve/input/review. Nil makes Human raise.
		HITL       *hitl.Gateway
		Iterations *agent.Iterations
		Stage      Stager
		Procedures Scheduler
		Logger     telemetry.Logger
	}

	// bridge holds the per-execution state shared by every capability
	// closure. The context is fixed for the lifetime of the LState.
	bridge struct {
		ctx       context.Context
		b         Bindings
		logger    telemetry.Logger
		histories map[string]*session.History
	}
)

// Execute runs source to completion against the bound primitives and returns
// the script's first return value as a canonical JSON shape. The LState is
// private to this call and torn down before it returns.
func Execute(ctx context.Context, source string, b Bindings) (any, error) {
	if b.Journal == nil {
		return nil, fault.New(fault.KindInternal, "script bindings need a journal")
	}
	br := newBridge(ctx, b)
	L, err := newState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()
	br.install(L)

	chunk, err := L.LoadString(source)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "load script")
	}
	L.Push(chunk)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, runtimeError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return FromLua(ret)
}

// Check compiles source without running it, reporting syntax errors as
// validation faults. Used by procedure validation.
func Check(source string) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if _, err := L.LoadString(source); err != nil {
		return fault.Wrap(fault.KindValidation, err, "compile script")
	}
	return nil
}

// newState opens a sandboxed interpreter: package, base, table, string and
// math only. No io, no os, no coroutines; everything effectful reaches the
// host through capabilities.
func newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fault.Wrap(fault.KindInternal, err, "open lua lib %s", lib.name)
		}
	}
	L.SetContext(ctx)
	return L, nil
}

func newBridge(ctx context.Context, b Bindings) *bridge {
	logger := b.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if b.Iterations == nil {
		b.Iterations = agent.NewIterations(0)
	}
	br := &bridge{ctx: ctx, b: b, logger: logger, histories: make(map[string]*session.History, len(b.Agents))}
	for name, ag := range b.Agents {
		br.histories[name] = ag.History()
	}
	return br
}

// reservedGlobals are the capability tables every script sees. Agent globals
// may not shadow them.
var reservedGlobals = map[string]bool{
	"Params": true, "State": true, "Stage": true, "Log": true, "Human": true,
	"Procedure": true, "Step": true, "Tool": true, "Iterations": true,
	"Session": true,
}

// GlobalName returns the Lua global an agent is exported under: the declared
// name with its first rune upper-cased.
func GlobalName(agent string) string { return exportName(agent) }

// ReservedGlobal reports whether name collides with a capability table.
func ReservedGlobal(name string) bool { return reservedGlobals[name] }

// install publishes the capability tables and agent globals.
func (br *bridge) install(L *lua.LState) {
	L.SetGlobal("Params", paramsTable(L, br.b.Params))
	L.SetGlobal("State", br.stateTable(L))
	L.SetGlobal("Stage", br.stageTable(L))
	L.SetGlobal("Log", br.logTable(L))
	L.SetGlobal("Human", br.humanTable(L))
	L.SetGlobal("Procedure", br.procedureTable(L))
	L.SetGlobal("Step", br.stepTable(L))
	L.SetGlobal("Tool", br.toolTable(L))
	L.SetGlobal("Iterations", br.iterationsTable(L))
	L.SetGlobal("Session", br.sessionTable(L))
	for name, ag := range br.b.Agents {
		L.SetGlobal(exportName(name), br.agentTable(L, name, ag))
	}
}

// check raises into the script when the invocation context is done. Every
// capability calls it first, making capability calls the cancellation points
// of the cooperative model.
func (br *bridge) check(L *lua.LState) {
	err := br.ctx.Err()
	if err == nil {
		return
	}
	kind := fault.KindCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = fault.KindTimeout
	}
	cause := context.Cause(br.ctx)
	if cause == nil {
		cause = err
	}
	raise(L, fault.Wrap(kind, cause, "invocation interrupted"))
}

// callsite derives the journal callsite for the capability call in flight,
// anchored at the calling script line.
func (br *bridge) callsite(L *lua.LState, primitive string) string {
	if line := currentLine(L); line > 0 {
		return fmt.Sprintf("%s:%d", primitive, line)
	}
	return primitive
}

// currentLine reports the script line of the innermost Lua frame, 0 when the
// call does not originate from script code.
func currentLine(L *lua.LState) int {
	dbg, ok := L.GetStack(1)
	if !ok {
		return 0
	}
	if _, err := L.GetInfo("Sl", dbg, lua.LNil); err != nil {
		return 0
	}
	return dbg.CurrentLine
}

// emitLog appends a log event for a fresh effect. Append failures degrade to
// host warnings so script execution never depends on the event mirror.
func (br *bridge) emitLog(ctx context.Context, level, msg string, fields map[string]any) {
	if br.b.Log == nil {
		return
	}
	if _, err := br.b.Log.Append(ctx, eventlog.TypeLog, eventlog.LogPayload{
		Level:   level,
		Message: msg,
		Fields:  fields,
	}); err != nil {
		br.logger.Warn(ctx, "append log event", "err", err)
	}
}

// emit appends an arbitrary event for a fresh effect.
func (br *bridge) emit(ctx context.Context, typ eventlog.Type, payload any) {
	if br.b.Log == nil {
		return
	}
	if _, err := br.b.Log.Append(ctx, typ, payload); err != nil {
		br.logger.Warn(ctx, "append event", "err", err, "type", string(typ))
	}
}

// argString fetches a required string argument, raising a validation fault
// on mismatch.
func (br *bridge) argString(L *lua.LState, n int, what string) string {
	v := L.Get(n)
	s, ok := v.(lua.LString)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "%s expects a string, got %s", what, v.Type().String()))
	}
	return string(s)
}

// argTable fetches a required table argument.
func (br *bridge) argTable(L *lua.LState, n int, what string) *lua.LTable {
	v := L.Get(n)
	t, ok := v.(*lua.LTable)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "%s expects a table, got %s", what, v.Type().String()))
	}
	return t
}

// optMap converts an optional table argument to a map, nil when absent.
func (br *bridge) optMap(L *lua.LState, n int, what string) map[string]any {
	v := L.Get(n)
	if v == lua.LNil {
		return nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "%s expects a table, got %s", what, v.Type().String()))
	}
	converted, err := FromLua(t)
	if err != nil {
		raise(L, err)
	}
	m, ok := converted.(map[string]any)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "%s expects named values, got an array", what))
	}
	return m
}

// exportName maps an agent name to its script global: first rune upper-cased.
func exportName(name string) string {
	r := []rune(name)
	if len(r) == 0 {
		return name
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// paramsTable builds the read-only Params global: an empty proxy whose
// metatable forwards reads to the data table and rejects writes.
func paramsTable(L *lua.LState, params map[string]any) *lua.LTable {
	data := L.NewTable()
	for k, v := range params {
		data.RawSetString(k, ToLua(L, v))
	}
	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", data)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		raise(L, fault.New(fault.KindValidation, "params are read-only"))
		return 0
	}))
	L.SetMetatable(proxy, mt)
	return proxy
}

// fn registers a capability method on tbl.
func fn(L *lua.LState, tbl *lua.LTable, name string, f lua.LGFunction) {
	tbl.RawSetString(name, L.NewFunction(f))
}
