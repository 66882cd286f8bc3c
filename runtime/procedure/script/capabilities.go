package script

import (
	"context"
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/session"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/tools"
)

// Journal kinds owned by the bridge. Agent turns journal as "llm", tool
// calls as "tool" and human requests as "hitl" inside their own packages.
const (
	kindState   = "state"
	kindStage   = "stage"
	kindLog     = "log"
	kindSession = "session"
	kindStep    = "step"
)

// --- State ---------------------------------------------------------------

func (br *bridge) stateTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "set", br.stateSet)
	fn(L, tbl, "get", br.stateGet)
	fn(L, tbl, "incr", br.stateIncr)
	fn(L, tbl, "has", br.stateHas)
	fn(L, tbl, "clear", br.stateClear)
	fn(L, tbl, "dump", br.stateDump)
	fn(L, tbl, "keys", br.stateKeys)
	return tbl
}

func (br *bridge) stateSet(L *lua.LState) int {
	br.check(L)
	key := br.argString(L, 1, "State.set")
	value, err := FromLua(L.Get(2))
	if err != nil {
		raise(L, err)
	}
	stepID := br.b.Journal.StepID(br.callsite(L, "state.set"))
	stored, replayed, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindState, func(ctx context.Context) (any, error) {
		v, err := br.b.State.Set(key, value)
		if err != nil {
			return nil, err
		}
		br.emitLog(ctx, "debug", "state.set", map[string]any{"key": key, "value": v})
		return v, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		if _, err := br.b.State.Set(key, stored); err != nil {
			raise(L, err)
		}
	}
	return 0
}

func (br *bridge) stateGet(L *lua.LState) int {
	br.check(L)
	key := br.argString(L, 1, "State.get")
	v, ok := br.b.State.Get(key)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(ToLua(L, v))
	return 1
}

func (br *bridge) stateIncr(L *lua.LState) int {
	br.check(L)
	key := br.argString(L, 1, "State.incr")
	delta := 1.0
	if v := L.Get(2); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok {
			raise(L, fault.New(fault.KindValidation, "State.incr expects a numeric delta, got %s", v.Type().String()))
		}
		delta = float64(n)
	}
	stepID := br.b.Journal.StepID(br.callsite(L, "state.incr"))
	total, replayed, err := journal.Step[float64](br.ctx, br.b.Journal, stepID, kindState, func(ctx context.Context) (float64, error) {
		t, err := br.b.State.Incr(key, delta)
		if err != nil {
			return 0, err
		}
		br.emitLog(ctx, "debug", "state.incr", map[string]any{"key": key, "delta": delta, "total": t})
		return t, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		if _, err := br.b.State.Set(key, total); err != nil {
			raise(L, err)
		}
	}
	L.Push(lua.LNumber(total))
	return 1
}

func (br *bridge) stateHas(L *lua.LState) int {
	br.check(L)
	key := br.argString(L, 1, "State.has")
	L.Push(lua.LBool(br.b.State.Has(key)))
	return 1
}

func (br *bridge) stateClear(L *lua.LState) int {
	br.check(L)
	stepID := br.b.Journal.StepID(br.callsite(L, "state.clear"))
	_, replayed, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindState, func(ctx context.Context) (any, error) {
		br.b.State.Clear()
		br.emitLog(ctx, "debug", "state.clear", nil)
		return nil, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		br.b.State.Clear()
	}
	return 0
}

func (br *bridge) stateDump(L *lua.LState) int {
	br.check(L)
	L.Push(ToLua(L, br.b.State.Dump()))
	return 1
}

func (br *bridge) stateKeys(L *lua.LState) int {
	br.check(L)
	L.Push(ToLua(L, br.b.State.Keys()))
	return 1
}

// --- Stage ---------------------------------------------------------------

func (br *bridge) stageTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "set", br.stageSet)
	fn(L, tbl, "get", br.stageGet)
	fn(L, tbl, "current", br.stageGet)
	return tbl
}

func (br *bridge) stageSet(L *lua.LState) int {
	br.check(L)
	if br.b.Stage == nil {
		raise(L, fault.New(fault.KindValidation, "no stage tracking configured"))
	}
	name := br.argString(L, 1, "Stage.set")
	stepID := br.b.Journal.StepID(br.callsite(L, "stage.set"))
	change, replayed, err := journal.Step[eventlog.StageChangePayload](br.ctx, br.b.Journal, stepID, kindStage, func(ctx context.Context) (eventlog.StageChangePayload, error) {
		from := br.b.Stage.Stage()
		if err := br.b.Stage.SetStage(ctx, name); err != nil {
			return eventlog.StageChangePayload{}, err
		}
		payload := eventlog.StageChangePayload{From: from, To: name}
		br.emit(ctx, eventlog.TypeStageChange, payload)
		return payload, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		if err := br.b.Stage.SetStage(br.ctx, change.To); err != nil {
			raise(L, err)
		}
	}
	return 0
}

func (br *bridge) stageGet(L *lua.LState) int {
	br.check(L)
	if br.b.Stage == nil {
		raise(L, fault.New(fault.KindValidation, "no stage tracking configured"))
	}
	current := br.b.Stage.Stage()
	if current == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(current))
	return 1
}

// --- Log -----------------------------------------------------------------

func (br *bridge) logTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "debug", br.logAt("debug"))
	fn(L, tbl, "info", br.logAt("info"))
	fn(L, tbl, "warn", br.logAt("warn"))
	fn(L, tbl, "error", br.logAt("error"))
	return tbl
}

// logAt journals the line so replay does not re-emit it. The journalled
// value is null: the payload lives in the event stream.
func (br *bridge) logAt(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		br.check(L)
		msg := br.argString(L, 1, "Log."+level)
		fields := br.optMap(L, 2, "Log."+level)
		stepID := br.b.Journal.StepID(br.callsite(L, "log."+level))
		_, _, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindLog, func(ctx context.Context) (any, error) {
			br.emitLog(ctx, level, msg, fields)
			br.hostLog(ctx, level, msg)
			return nil, nil
		})
		if err != nil {
			raise(L, err)
		}
		return 0
	}
}

func (br *bridge) hostLog(ctx context.Context, level, msg string) {
	switch level {
	case "debug":
		br.logger.Debug(ctx, msg, "source", "script")
	case "warn":
		br.logger.Warn(ctx, msg, "source", "script")
	case "error":
		br.logger.Error(ctx, msg, "source", "script")
	default:
		br.logger.Info(ctx, msg, "source", "script")
	}
}

// --- Human ---------------------------------------------------------------

func (br *bridge) humanTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "approve", br.humanApprove)
	fn(L, tbl, "input", br.humanInput)
	fn(L, tbl, "review", br.humanReview)
	return tbl
}

func (br *bridge) humanApprove(L *lua.LState) int {
	br.check(L)
	ask := br.humanAsk(L, "human.approve")
	ok, err := br.gateway(L).Approve(br.ctx, ask)
	if err != nil {
		raise(L, err)
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (br *bridge) humanInput(L *lua.LState) int {
	br.check(L)
	ask := br.humanAsk(L, "human.input")
	text, err := br.gateway(L).Input(br.ctx, ask)
	if err != nil {
		raise(L, err)
	}
	L.Push(lua.LString(text))
	return 1
}

func (br *bridge) humanReview(L *lua.LState) int {
	br.check(L)
	ask := br.humanAsk(L, "human.review")
	value, err := br.gateway(L).Review(br.ctx, ask)
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, value))
	return 1
}

func (br *bridge) gateway(L *lua.LState) *hitl.Gateway {
	if br.b.HITL == nil {
		raise(L, fault.New(fault.KindValidation, "no human gateway configured"))
	}
	return br.b.HITL
}

// humanAsk accepts either a message string with an optional options table, or
// a single options table carrying message, timeout (seconds), default and
// context fields.
func (br *bridge) humanAsk(L *lua.LState, primitive string) hitl.Ask {
	ask := hitl.Ask{Callsite: br.callsite(L, primitive)}
	var opts *lua.LTable
	switch arg := L.Get(1).(type) {
	case lua.LString:
		ask.Message = string(arg)
		if t, ok := L.Get(2).(*lua.LTable); ok {
			opts = t
		}
	case *lua.LTable:
		opts = arg
	default:
		raise(L, fault.New(fault.KindValidation, "Human.%s expects a message or an options table", primitive[len("human."):]))
	}
	if opts == nil {
		return ask
	}
	if s, ok := opts.RawGetString("message").(lua.LString); ok {
		ask.Message = string(s)
	}
	if n, ok := opts.RawGetString("timeout").(lua.LNumber); ok {
		ask.Timeout = time.Duration(float64(n) * float64(time.Second))
	}
	if d := opts.RawGetString("default"); d != lua.LNil {
		v, err := FromLua(d)
		if err != nil {
			raise(L, err)
		}
		ask.Default = v
		ask.HasDefault = true
	}
	if c, ok := opts.RawGetString("context").(*lua.LTable); ok {
		v, err := FromLua(c)
		if err != nil {
			raise(L, err)
		}
		if m, ok := v.(map[string]any); ok {
			ask.Context = m
		}
	}
	return ask
}

// --- Procedure -----------------------------------------------------------

func (br *bridge) procedureTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "run", br.procedureRun)
	fn(L, tbl, "spawn", br.procedureSpawn)
	fn(L, tbl, "status", br.procedureStatus)
	fn(L, tbl, "wait", br.procedureWait)
	fn(L, tbl, "wait_all", br.procedureWaitAll)
	fn(L, tbl, "result", br.procedureResult)
	fn(L, tbl, "cancel", br.procedureCancel)
	return tbl
}

func (br *bridge) scheduler(L *lua.LState) Scheduler {
	if br.b.Procedures == nil {
		raise(L, fault.New(fault.KindValidation, "no child scheduler configured"))
	}
	return br.b.Procedures
}

func (br *bridge) procedureRun(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	name := br.argString(L, 1, "Procedure.run")
	params := br.optMap(L, 2, "Procedure.run")
	result, err := sched.RunChild(br.ctx, br.callsite(L, "procedure.run"), name, params)
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, result))
	return 1
}

func (br *bridge) procedureSpawn(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	name := br.argString(L, 1, "Procedure.spawn")
	params := br.optMap(L, 2, "Procedure.spawn")
	handle, err := sched.Spawn(br.ctx, br.callsite(L, "procedure.spawn"), name, params)
	if err != nil {
		raise(L, err)
	}
	L.Push(lua.LString(handle))
	return 1
}

func (br *bridge) procedureStatus(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	handle := br.argString(L, 1, "Procedure.status")
	status, err := sched.Status(br.ctx, handle)
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, status))
	return 1
}

func (br *bridge) procedureWait(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	handle := br.argString(L, 1, "Procedure.wait")
	var timeout *time.Duration
	if v := L.Get(2); v != lua.LNil {
		tbl, ok := v.(*lua.LTable)
		if !ok {
			raise(L, fault.New(fault.KindValidation, "Procedure.wait expects an options table, got %s", v.Type().String()))
		}
		if n, ok := tbl.RawGetString("timeout").(lua.LNumber); ok {
			d := time.Duration(float64(n) * float64(time.Second))
			timeout = &d
		}
	}
	result, terminal, err := sched.Wait(br.ctx, br.callsite(L, "procedure.wait"), handle, timeout)
	if err != nil {
		raise(L, err)
	}
	if !terminal {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(ToLua(L, result))
	return 1
}

func (br *bridge) procedureWaitAll(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	arg := br.argTable(L, 1, "Procedure.wait_all")
	converted, err := FromLua(arg)
	if err != nil {
		raise(L, err)
	}
	var handles []string
	switch list := converted.(type) {
	case []any:
		handles = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				raise(L, fault.New(fault.KindValidation, "Procedure.wait_all handles must be strings"))
			}
			handles = append(handles, s)
		}
	case map[string]any:
		if len(list) > 0 {
			raise(L, fault.New(fault.KindValidation, "Procedure.wait_all expects an array of handles"))
		}
	}
	results, err := sched.WaitAll(br.ctx, br.callsite(L, "procedure.wait_all"), handles)
	if err != nil {
		raise(L, err)
	}
	if results == nil {
		results = []any{}
	}
	L.Push(ToLua(L, results))
	return 1
}

func (br *bridge) procedureResult(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	handle := br.argString(L, 1, "Procedure.result")
	result, err := sched.Result(br.ctx, handle)
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, result))
	return 1
}

func (br *bridge) procedureCancel(L *lua.LState) int {
	br.check(L)
	sched := br.scheduler(L)
	handle := br.argString(L, 1, "Procedure.cancel")
	if err := sched.Cancel(br.ctx, handle); err != nil {
		raise(L, err)
	}
	return 0
}

// --- Step ----------------------------------------------------------------

func (br *bridge) stepTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "run", br.stepRun)
	return tbl
}

// stepRun wraps a scripted computation in a named checkpoint. The step id is
// the bare name, not the callsite: calling Step.run twice with the same name
// runs the function once and replays its value everywhere else.
func (br *bridge) stepRun(L *lua.LState) int {
	br.check(L)
	name := br.argString(L, 1, "Step.run")
	body, ok := L.Get(2).(*lua.LFunction)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "Step.run expects a function, got %s", L.Get(2).Type().String()))
	}
	stepID := "step:" + name
	value, _, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindStep, func(ctx context.Context) (any, error) {
		if err := L.CallByParam(lua.P{Fn: body, NRet: 1, Protect: true}); err != nil {
			return nil, decodeError(err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		return FromLua(ret)
	})
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, value))
	return 1
}

// --- Tool ----------------------------------------------------------------

func (br *bridge) toolTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "called", br.toolCalled)
	fn(L, tbl, "last_call", br.toolLastCall)
	fn(L, tbl, "calls_of", br.toolCallsOf)
	return tbl
}

func (br *bridge) registry(L *lua.LState) *tools.Registry {
	if br.b.Registry == nil {
		raise(L, fault.New(fault.KindValidation, "no tool registry configured"))
	}
	return br.b.Registry
}

func (br *bridge) toolCalled(L *lua.LState) int {
	br.check(L)
	name := br.argString(L, 1, "Tool.called")
	L.Push(lua.LBool(br.registry(L).Called(name)))
	return 1
}

func (br *bridge) toolLastCall(L *lua.LState) int {
	br.check(L)
	name := br.argString(L, 1, "Tool.last_call")
	call, ok := br.registry(L).LastCall(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(br.callValue(L, call))
	return 1
}

func (br *bridge) toolCallsOf(L *lua.LState) int {
	br.check(L)
	name := br.argString(L, 1, "Tool.calls_of")
	calls := br.registry(L).CallsOf(name)
	tbl := L.CreateTable(len(calls), 0)
	for i, call := range calls {
		tbl.RawSetInt(i+1, br.callValue(L, call))
	}
	L.Push(tbl)
	return 1
}

func (br *bridge) callValue(L *lua.LState, call tools.Call) lua.LValue {
	norm, err := state.Normalize(call)
	if err != nil {
		raise(L, err)
	}
	return ToLua(L, norm)
}

// --- Iterations ----------------------------------------------------------

func (br *bridge) iterationsTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "current", func(L *lua.LState) int {
		br.check(L)
		L.Push(lua.LNumber(br.b.Iterations.Current()))
		return 1
	})
	fn(L, tbl, "limit", func(L *lua.LState) int {
		br.check(L)
		L.Push(lua.LNumber(br.b.Iterations.Limit()))
		return 1
	})
	fn(L, tbl, "exceeded", func(L *lua.LState) int {
		br.check(L)
		n := br.argNumber(L, 1, "Iterations.exceeded")
		L.Push(lua.LBool(br.b.Iterations.Exceeded(int(n))))
		return 1
	})
	return tbl
}

func (br *bridge) argNumber(L *lua.LState, n int, what string) float64 {
	v := L.Get(n)
	num, ok := v.(lua.LNumber)
	if !ok {
		raise(L, fault.New(fault.KindValidation, "%s expects a number, got %s", what, v.Type().String()))
	}
	return float64(num)
}

// --- Session -------------------------------------------------------------

func (br *bridge) sessionTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	fn(L, tbl, "history", br.sessionHistory)
	fn(L, tbl, "clear", br.sessionClear)
	fn(L, tbl, "inject_system", br.sessionInject)
	fn(L, tbl, "save_to", br.sessionSaveTo)
	fn(L, tbl, "load_from", br.sessionLoadFrom)
	return tbl
}

// sessionTarget resolves the optional leading agent-name argument. With one
// declared agent the name may be omitted; with several it is required.
func (br *bridge) sessionTarget(L *lua.LState, what string) (string, *session.History, int) {
	if s, ok := L.Get(1).(lua.LString); ok {
		if h, ok := br.histories[string(s)]; ok {
			return string(s), h, 2
		}
	}
	switch len(br.histories) {
	case 0:
		raise(L, fault.New(fault.KindValidation, "%s requires a declared agent", what))
	case 1:
		for name, h := range br.histories {
			return name, h, 1
		}
	}
	raise(L, fault.New(fault.KindValidation, "%s needs an agent name when several agents are declared", what))
	return "", nil, 0
}

func (br *bridge) sessionHistory(L *lua.LState) int {
	br.check(L)
	_, h, _ := br.sessionTarget(L, "Session.history")
	msgs := h.Messages()
	if len(msgs) == 0 {
		L.Push(L.NewTable())
		return 1
	}
	norm, err := state.Normalize(msgs)
	if err != nil {
		raise(L, err)
	}
	L.Push(ToLua(L, norm))
	return 1
}

func (br *bridge) sessionClear(L *lua.LState) int {
	br.check(L)
	name, h, _ := br.sessionTarget(L, "Session.clear")
	stepID := br.b.Journal.StepID(br.callsite(L, "session.clear"))
	_, replayed, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindSession, func(ctx context.Context) (any, error) {
		h.Clear()
		br.emitLog(ctx, "debug", "session.clear", map[string]any{"agent": name})
		return nil, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		h.Clear()
	}
	return 0
}

func (br *bridge) sessionInject(L *lua.LState) int {
	br.check(L)
	name, h, off := br.sessionTarget(L, "Session.inject_system")
	text := br.argString(L, off, "Session.inject_system")
	stepID := br.b.Journal.StepID(br.callsite(L, "session.inject"))
	value, replayed, err := journal.Step[string](br.ctx, br.b.Journal, stepID, kindSession, func(ctx context.Context) (string, error) {
		h.InjectSystem(text)
		br.emitLog(ctx, "debug", "session.inject_system", map[string]any{"agent": name})
		return text, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		h.InjectSystem(value)
	}
	return 0
}

func (br *bridge) sessionSaveTo(L *lua.LState) int {
	br.check(L)
	name, h, off := br.sessionTarget(L, "Session.save_to")
	key := br.argString(L, off, "Session.save_to")
	stepID := br.b.Journal.StepID(br.callsite(L, "session.save"))
	snapshot, replayed, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindSession, func(ctx context.Context) (any, error) {
		norm, err := state.Normalize(h.Messages())
		if err != nil {
			return nil, err
		}
		if norm == nil {
			norm = []any{}
		}
		if _, err := br.b.State.Set(key, norm); err != nil {
			return nil, err
		}
		br.emitLog(ctx, "debug", "session.save_to", map[string]any{"agent": name, "key": key, "messages": h.Len()})
		return norm, nil
	})
	if err != nil {
		raise(L, err)
	}
	if replayed {
		if _, err := br.b.State.Set(key, snapshot); err != nil {
			raise(L, err)
		}
	}
	return 0
}

func (br *bridge) sessionLoadFrom(L *lua.LState) int {
	br.check(L)
	name, h, off := br.sessionTarget(L, "Session.load_from")
	key := br.argString(L, off, "Session.load_from")
	stepID := br.b.Journal.StepID(br.callsite(L, "session.load"))
	snapshot, _, err := journal.Step[any](br.ctx, br.b.Journal, stepID, kindSession, func(ctx context.Context) (any, error) {
		v, ok := br.b.State.Get(key)
		if !ok {
			return nil, fault.New(fault.KindValidation, "no session stored under %q", key)
		}
		br.emitLog(ctx, "debug", "session.load_from", map[string]any{"agent": name, "key": key})
		return v, nil
	})
	if err != nil {
		raise(L, err)
	}
	msgs, err := decodeMessages(snapshot)
	if err != nil {
		raise(L, err)
	}
	h.Restore(msgs)
	return 0
}

func decodeMessages(v any) ([]session.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "encode session snapshot")
	}
	var msgs []session.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "session snapshot does not decode")
	}
	return msgs, nil
}

// --- Agents --------------------------------------------------------------

func (br *bridge) agentTable(L *lua.LState, name string, ag *agent.Agent) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("name", lua.LString(name))
	fn(L, tbl, "turn", func(L *lua.LState) int {
		br.check(L)
		res, err := ag.Turn(br.ctx, br.callsite(L, "llm"))
		if err != nil {
			raise(L, err)
		}
		norm, err := state.Normalize(res)
		if err != nil {
			raise(L, err)
		}
		L.Push(ToLua(L, norm))
		return 1
	})
	return tbl
}
