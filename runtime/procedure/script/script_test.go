package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/model/mock"
	stateinmem "tactus.dev/tactus/runtime/procedure/state/inmem"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type fakeStage struct {
	mu      sync.Mutex
	current string
	sets    []string
}

func (s *fakeStage) Stage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeStage) SetStage(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
	s.sets = append(s.sets, name)
	return nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	callsites []string
	spawned   []string
	cancelled []string
}

func (s *fakeScheduler) record(callsite string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callsites = append(s.callsites, callsite)
}

func (s *fakeScheduler) RunChild(_ context.Context, callsite, name string, params map[string]any) (any, error) {
	s.record(callsite)
	return map[string]any{"child": name, "params": params}, nil
}

func (s *fakeScheduler) Spawn(_ context.Context, callsite, name string, _ map[string]any) (string, error) {
	s.record(callsite)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, name)
	return fmt.Sprintf("child-%d", len(s.spawned)), nil
}

func (s *fakeScheduler) Status(_ context.Context, handle string) (map[string]any, error) {
	return map[string]any{"status": "running", "handle": handle}, nil
}

func (s *fakeScheduler) Wait(_ context.Context, callsite, _ string, timeout *time.Duration) (any, bool, error) {
	s.record(callsite)
	if timeout != nil && *timeout == 0 {
		return nil, false, nil
	}
	return map[string]any{"sum": 3.0}, true, nil
}

func (s *fakeScheduler) WaitAll(_ context.Context, callsite string, handles []string) ([]any, error) {
	s.record(callsite)
	out := make([]any, len(handles))
	for i := range handles {
		out[i] = float64(i + 1)
	}
	return out, nil
}

func (s *fakeScheduler) Result(_ context.Context, handle string) (any, error) {
	return nil, fault.New(fault.KindInternal, "child %s failed", handle)
}

func (s *fakeScheduler) Cancel(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, handle)
	return nil
}

type fixture struct {
	journal  *journal.Journal
	log      *eventlog.Log
	store    *stateinmem.Store
	registry *tools.Registry
	stage    *fakeStage
	sched    *fakeScheduler
	bindings Bindings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureFrom(t, nil)
}

// newFixtureFrom seeds the journal with a previous run's entries, modelling
// a resumed invocation with a fresh event log, state store and registry.
func newFixtureFrom(t *testing.T, entries []journal.Entry) *fixture {
	t.Helper()
	f := &fixture{
		log:   eventlog.New("inv-1", eventlog.Options{}),
		store: stateinmem.New(),
		stage: &fakeStage{},
		sched: &fakeScheduler{},
	}
	if entries == nil {
		f.journal = journal.New("inv-1", journal.Options{})
	} else {
		f.journal = journal.Load("inv-1", entries, journal.Options{})
	}
	f.registry = tools.NewRegistry(tools.Options{Journal: f.journal, Log: f.log})
	f.bindings = Bindings{
		InvocationID: "inv-1",
		Params:       map[string]any{"name": "World"},
		State:        f.store,
		Journal:      f.journal,
		Log:          f.log,
		Registry:     f.registry,
		Stage:        f.stage,
		Procedures:   f.sched,
	}
	return f
}

func (f *fixture) withHITL(handler hitl.Handler) *fixture {
	f.bindings.HITL = hitl.NewGateway(hitl.Options{
		Handler: handler,
		Journal: f.journal,
		Log:     f.log,
	})
	return f
}

func (f *fixture) withAgent(t *testing.T, name string, turns ...mock.Turn) *fixture {
	t.Helper()
	require.NoError(t, f.registry.Register(tools.DoneTool()))
	if f.bindings.Iterations == nil {
		f.bindings.Iterations = agent.NewIterations(0)
	}
	ag, err := agent.New(agent.Config{Name: name}, agent.Options{
		Client:     mock.New(turns...),
		Registry:   f.registry,
		Journal:    f.journal,
		Log:        f.log,
		Iterations: f.bindings.Iterations,
	})
	require.NoError(t, err)
	if f.bindings.Agents == nil {
		f.bindings.Agents = make(map[string]*agent.Agent)
	}
	f.bindings.Agents[name] = ag
	return f
}

func (f *fixture) run(t *testing.T, source string) any {
	t.Helper()
	out, err := Execute(context.Background(), source, f.bindings)
	require.NoError(t, err)
	return out
}

func (f *fixture) eventsOf(typ eventlog.Type) []eventlog.Event {
	var out []eventlog.Event
	for _, ev := range f.log.Snapshot() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestExecuteReturnsScriptValue(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `return { n = 3, tags = { "a", "b" } }`)
	assert.Equal(t, map[string]any{"n": 3.0, "tags": []any{"a", "b"}}, out)
}

func TestExecuteNilResult(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.run(t, `return nil`))
	f2 := newFixture(t)
	assert.Nil(t, f2.run(t, `local x = 1`))
}

func TestExecuteRequiresJournal(t *testing.T) {
	_, err := Execute(context.Background(), `return 1`, Bindings{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))
}

func TestSyntaxErrorIsValidation(t *testing.T) {
	f := newFixture(t)
	_, err := Execute(context.Background(), `return {`, f.bindings)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindValidation))

	require.Error(t, Check(`return {`))
	require.NoError(t, Check(`return 1`))
}

func TestStateMutationsJournalAndReplay(t *testing.T) {
	source := `
State.set("n", 0)
State.incr("n")
State.incr("n", 2)
return State.get("n")
`
	first := newFixture(t)
	out := first.run(t, source)
	assert.Equal(t, 3.0, out)
	assert.Equal(t, 3, first.journal.Len())
	assert.Len(t, first.eventsOf(eventlog.TypeLog), 3)

	// Resume: every mutation replays from the journal, rebuilding the same
	// state without emitting events.
	resumed := newFixtureFrom(t, first.journal.Entries())
	out = resumed.run(t, source)
	assert.Equal(t, 3.0, out)
	assert.Empty(t, resumed.log.Snapshot())
	assert.Equal(t, 0, resumed.journal.Pending())
	got, ok := resumed.store.Get("n")
	require.True(t, ok)
	assert.Equal(t, 3.0, got)
}

func TestStagesAndStateTogether(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
Stage.set("start")
State.set("n", 0)
for i = 1, 3 do
  State.incr("n")
end
Stage.set("done")
return { n = State.get("n"), stage = Stage.get() }
`)
	assert.Equal(t, map[string]any{"n": 3.0, "stage": "done"}, out)

	changes := f.eventsOf(eventlog.TypeStageChange)
	require.Len(t, changes, 2)
	var c1, c2 eventlog.StageChangePayload
	require.NoError(t, changes[0].Decode(&c1))
	require.NoError(t, changes[1].Decode(&c2))
	assert.Equal(t, eventlog.StageChangePayload{To: "start"}, c1)
	assert.Equal(t, eventlog.StageChangePayload{From: "start", To: "done"}, c2)
	assert.Equal(t, []string{"start", "done"}, f.stage.sets)
}

func TestLogEmitsOncePerLine(t *testing.T) {
	source := `
Log.info("starting", { attempt = 1 })
Log.warn("be careful")
`
	first := newFixture(t)
	first.run(t, source)
	logs := first.eventsOf(eventlog.TypeLog)
	require.Len(t, logs, 2)
	var p eventlog.LogPayload
	require.NoError(t, logs[0].Decode(&p))
	assert.Equal(t, "info", p.Level)
	assert.Equal(t, "starting", p.Message)
	assert.Equal(t, map[string]any{"attempt": 1.0}, p.Fields)

	resumed := newFixtureFrom(t, first.journal.Entries())
	resumed.run(t, source)
	assert.Empty(t, resumed.log.Snapshot())
}

func TestHumanApproveResolved(t *testing.T) {
	f := newFixture(t).withHITL(hitl.AutoApprove())
	out := f.run(t, `
if Human.approve({ message = "go?", timeout = 5 }) then
  return "yes"
end
return "no"
`)
	assert.Equal(t, "yes", out)
	assert.Len(t, f.eventsOf(eventlog.TypeHITLRequest), 1)
	assert.Len(t, f.eventsOf(eventlog.TypeHITLResolved), 1)
}

func TestHumanTimeoutReturnsDefault(t *testing.T) {
	f := newFixture(t).withHITL(hitl.Silent())
	out := f.run(t, `
return { approved = Human.approve({ message = "go?", timeout = 0.05, default = false }) }
`)
	assert.Equal(t, map[string]any{"approved": false}, out)
	assert.Len(t, f.eventsOf(eventlog.TypeHITLRequest), 1)
	assert.Empty(t, f.eventsOf(eventlog.TypeHITLResolved))
}

func TestHumanWithoutGatewayRaises(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local ok, err = pcall(function()
  Human.approve("go?")
end)
return { ok = ok, kind = err.kind }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "validation"}, out)
}

func TestTaggedErrorsAreCatchable(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local t = {}
t.self = t
local ok, err = pcall(function()
  State.set("x", t)
end)
return { ok = ok, kind = err.kind, has_message = err.message ~= nil }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "validation", "has_message": true}, out)
}

func TestUncaughtErrorsClassified(t *testing.T) {
	f := newFixture(t)
	_, err := Execute(context.Background(), `error({ kind = "tool", message = "bad tool" })`, f.bindings)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTool))
	assert.Contains(t, err.Error(), "bad tool")

	f2 := newFixture(t)
	_, err = Execute(context.Background(), `error("boom")`, f2.bindings)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))
	assert.Contains(t, err.Error(), "boom")
}

func TestCancelledContextRaisesCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, `State.set("a", 1)`, f.bindings)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCancelled))
}

func TestStepRunExecutesOnce(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local calls = 0
local a = Step.run("expensive", function()
  calls = calls + 1
  return calls * 10
end)
local b = Step.run("expensive", function()
  calls = calls + 1
  return calls * 10
end)
return { a = a, b = b, calls = calls }
`)
	assert.Equal(t, map[string]any{"a": 10.0, "b": 10.0, "calls": 1.0}, out)
	entry, ok := f.journal.Lookup("step:expensive")
	require.True(t, ok)
	assert.Equal(t, "step", entry.Kind)
}

func TestStepRunErrorNotJournalled(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local ok, err = pcall(function()
  Step.run("flaky", function() error({ kind = "tool", message = "nope" }) end)
end)
local second = Step.run("flaky", function() return "recovered" end)
return { ok = ok, kind = err.kind, second = second }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "tool", "second": "recovered"}, out)
}

func TestAgentTurnLoop(t *testing.T) {
	f := newFixture(t).withAgent(t, "greeter",
		mock.ToolTurn("done", map[string]any{"reason": "all set"}),
	)
	out := f.run(t, `
repeat Greeter.turn() until Tool.called("done")
local call = Tool.last_call("done")
return { completed = true, greeting = call.args.reason }
`)
	assert.Equal(t, map[string]any{"completed": true, "greeting": "all set"}, out)
	assert.NotEmpty(t, f.eventsOf(eventlog.TypeAgentTurn))
	assert.Len(t, f.eventsOf(eventlog.TypeToolCall), 1)
	assert.Equal(t, 1, f.bindings.Iterations.Current())
}

func TestAgentTurnResultShape(t *testing.T) {
	f := newFixture(t).withAgent(t, "writer", mock.TextTurn("draft ready"))
	out := f.run(t, `
local turn = Writer.turn()
return { text = turn.text, finish = turn.finish_reason, iteration = turn.iteration }
`)
	assert.Equal(t, map[string]any{"text": "draft ready", "finish": "stop", "iteration": 1.0}, out)
}

func TestIterationsCapability(t *testing.T) {
	f := newFixture(t)
	f.bindings.Iterations = agent.NewIterations(3)
	out := f.run(t, `
return { current = Iterations.current(), limit = Iterations.limit(), hit = Iterations.exceeded(1) }
`)
	assert.Equal(t, map[string]any{"current": 0.0, "limit": 3.0, "hit": false}, out)
}

func TestParamsReadOnly(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local ok, err = pcall(function()
  Params.name = "x"
end)
return { ok = ok, kind = err.kind, name = Params.name }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "validation", "name": "World"}, out)
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t).withAgent(t, "greeter", mock.TextTurn("hi"))
	out := f.run(t, `
Greeter.turn()
Session.save_to("snap")
Session.clear()
local cleared = #Session.history()
Session.load_from("snap")
local msgs = Session.history()
return { cleared = cleared, restored = #msgs, role = msgs[1].role, content = msgs[1].content }
`)
	assert.Equal(t, map[string]any{
		"cleared":  0.0,
		"restored": 1.0,
		"role":     "assistant",
		"content":  "hi",
	}, out)
}

func TestSessionInjectSystem(t *testing.T) {
	f := newFixture(t).withAgent(t, "greeter")
	out := f.run(t, `
Session.inject_system("be brief")
local msgs = Session.history()
return { count = #msgs, role = msgs[1].role, content = msgs[1].content }
`)
	assert.Equal(t, map[string]any{"count": 1.0, "role": "system", "content": "be brief"}, out)
}

func TestSessionNeedsAgent(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local ok, err = pcall(function() Session.clear() end)
return { ok = ok, kind = err.kind }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "validation"}, out)
}

func TestProcedureCapabilities(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local h = Procedure.spawn("child", { x = 1 })
local st = Procedure.status(h)
local quick = Procedure.wait(h, { timeout = 0 })
local res = Procedure.wait(h)
local all = Procedure.wait_all({ h })
return {
  handle = h,
  status = st.status,
  quick = quick == nil,
  sum = res.sum,
  first = all[1],
}
`)
	assert.Equal(t, map[string]any{
		"handle": "child-1",
		"status": "running",
		"quick":  true,
		"sum":    3.0,
		"first":  1.0,
	}, out)

	require.Len(t, f.sched.callsites, 4)
	for i, prefix := range []string{"procedure.spawn:", "procedure.wait:", "procedure.wait:", "procedure.wait_all:"} {
		assert.True(t, strings.HasPrefix(f.sched.callsites[i], prefix),
			"callsite %q should carry the %s prefix and a line", f.sched.callsites[i], prefix)
		assert.Greater(t, len(f.sched.callsites[i]), len(prefix))
	}
}

func TestProcedureRunReturnsChildResult(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local res = Procedure.run("summarize", { doc = "x" })
return res.child
`)
	assert.Equal(t, "summarize", out)
}

func TestProcedureResultRaisesChildFailure(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, `
local ok, err = pcall(function() return Procedure.result("missing") end)
return { ok = ok, kind = err.kind }
`)
	assert.Equal(t, map[string]any{"ok": false, "kind": "internal"}, out)
}

func TestProcedureCancel(t *testing.T) {
	f := newFixture(t)
	f.run(t, `Procedure.cancel("child-9")`)
	assert.Equal(t, []string{"child-9"}, f.sched.cancelled)
}
