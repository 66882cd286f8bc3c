package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/model"
	mockmodel "tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/storage"
	storageinmem "tactus.dev/tactus/runtime/procedure/storage/inmem"
	"tactus.dev/tactus/runtime/procedure/tools"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	if opts.Storage == nil {
		opts.Storage = storageinmem.New()
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock()
	}
	return New(opts)
}

func register(t *testing.T, r *Runtime, p *Procedure) {
	t.Helper()
	require.NoError(t, r.Register(p))
}

func lifecycleSeq(events []eventlog.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type != eventlog.TypeExecution {
			continue
		}
		var p eventlog.ExecutionPayload
		if ev.Decode(&p) == nil {
			out = append(out, p.Lifecycle)
		}
	}
	return out
}

func countOf(events []eventlog.Event, typ eventlog.Type) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestMockRunCompletes(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name: "greeter",
		Params: map[string]ParamSpec{
			"name": {Type: "string", Required: true},
		},
		Agents: map[string]AgentSpec{
			"greeter": {Provider: "openai", Model: "gpt-4o-mini", SystemPrompt: "Greet {{.params.name}} warmly."},
		},
		Source: `
repeat
  Greeter.turn()
until Tool.called("done")
local call = Tool.last_call("done")
return { completed = true, greeting = call.args.reason }
`,
	})

	out, err := r.Run(context.Background(), "greeter", RunOptions{
		Params: map[string]any{"name": "World"},
		Mock: &MockConfig{Agents: map[string][]mockmodel.Turn{
			"greeter": {mockmodel.ToolTurn("done", map[string]any{"reason": "all set"})},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Nil(t, out.Err)
	assert.Equal(t, map[string]any{"completed": true, "greeting": "all set"}, out.Result)
	assert.Equal(t, "all set", out.StopReason)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, []string{"start", "complete"}, lifecycleSeq(out.Events))
	// One turn brackets as started + responded.
	assert.Equal(t, 2, countOf(out.Events, eventlog.TypeAgentTurn))
	assert.Equal(t, 1, countOf(out.Events, eventlog.TypeToolCall))
	assert.Equal(t, 1, countOf(out.Events, eventlog.TypeOutput))
	assert.Equal(t, 1, countOf(out.Events, eventlog.TypeExecutionSummary))

	rec, err := r.Status(context.Background(), out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.FinishedAt)
}

func TestStagesStateAndOutputs(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name: "counter",
		Params: map[string]ParamSpec{
			"count": {Type: "number", Default: 2},
		},
		Stages: []string{"start", "done"},
		Outputs: map[string]OutputSpec{
			"total": {Type: "number", Required: true},
		},
		Source: `
Stage.set("start")
for i = 1, Params.count do
  State.incr("n")
end
Stage.set("done")
return { total = State.get("n") }
`,
	})

	out, err := r.Run(context.Background(), "counter", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"total": 2.0}, out.Result)
	assert.Equal(t, "done", out.Stage)
	assert.Equal(t, 2.0, out.State["n"])
	assert.Equal(t, 2, countOf(out.Events, eventlog.TypeStageChange))

	var changes []eventlog.StageChangePayload
	for _, ev := range out.Events {
		if ev.Type != eventlog.TypeStageChange {
			continue
		}
		var p eventlog.StageChangePayload
		require.NoError(t, ev.Decode(&p))
		changes = append(changes, p)
	}
	assert.Equal(t, []eventlog.StageChangePayload{
		{To: "start"},
		{From: "start", To: "done"},
	}, changes)

	rec, err := r.Status(context.Background(), out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Stage)
	assert.Equal(t, map[string]any{"n": 2.0}, rec.State)
}

func TestParamValidation(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name: "strict",
		Params: map[string]ParamSpec{
			"who":   {Type: "string", Required: true},
			"limit": {Type: "integer", Default: 3},
		},
		Source: `return { who = Params.who, limit = Params.limit }`,
	})

	_, err := r.Run(context.Background(), "strict", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = r.Run(context.Background(), "strict", RunOptions{
		Params: map[string]any{"who": "ada", "bogus": 1},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	out, err := r.Run(context.Background(), "strict", RunOptions{
		Params: map[string]any{"who": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"who": "ada", "limit": 3.0}, out.Result)
}

func TestOutputValidationFails(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name: "contract",
		Outputs: map[string]OutputSpec{
			"summary": {Type: "string", Required: true},
		},
		Source: `return { other = 1 }`,
	})

	out, err := r.Run(context.Background(), "contract", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fault.KindValidation, out.Err.Kind)
	assert.Equal(t, 1, countOf(out.Events, eventlog.TypeValidation))
	assert.Equal(t, 0, countOf(out.Events, eventlog.TypeOutput))
	assert.Equal(t, []string{"start", "error"}, lifecycleSeq(out.Events))
}

func TestUndeclaredStageFails(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name:   "staged",
		Stages: []string{"one", "two"},
		Source: `Stage.set("three") return {}`,
	})

	out, err := r.Run(context.Background(), "staged", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fault.KindValidation, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "three")
}

func TestTerminalResumeReplaysIdentically(t *testing.T) {
	store := storageinmem.New()
	r := newTestRuntime(t, Options{Storage: store})
	register(t, r, &Procedure{
		Name:   "deterministic",
		Stages: []string{"work"},
		Source: `
Stage.set("work")
State.set("x", 1)
State.incr("x", 4)
local double = Step.run("derive", function()
  return State.get("x") * 2
end)
return { x = State.get("x"), double = double }
`,
	})

	ctx := context.Background()
	first, err := r.Run(ctx, "deterministic", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, first.Status)
	assert.Equal(t, map[string]any{"x": 5.0, "double": 10.0}, first.Result)

	before, err := store.ReadEvents(ctx, first.InvocationID, 0)
	require.NoError(t, err)
	checkpoints, err := store.ListCheckpoints(ctx, first.InvocationID)
	require.NoError(t, err)

	id, err := r.Resume(ctx, first.InvocationID)
	require.NoError(t, err)
	second, err := r.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, second.Status)
	firstJSON, err := json.Marshal(first.Result)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second.Result)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Stage, second.Stage)

	// The replayed run adds exactly one resumed -> complete pair: no state,
	// stage, output, or checkpoint events repeat.
	after, err := store.ReadEvents(ctx, first.InvocationID, 0)
	require.NoError(t, err)
	diff := after[len(before):]
	require.Len(t, diff, 2)
	assert.Equal(t, []string{"resumed", "complete"}, lifecycleSeq(diff))

	again, err := store.ListCheckpoints(ctx, first.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, len(checkpoints), len(again))

	// Sequence numbering stays dense across the resume.
	for i, ev := range after {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestCancelAndResumeWithAnswer(t *testing.T) {
	store := storageinmem.New()
	proc := &Procedure{
		Name: "approval",
		Source: `
State.set("before", true)
local ok = Human.approve("ship it?")
State.set("after", ok)
return { approved = ok }
`,
	}

	ctx := context.Background()
	r1 := newTestRuntime(t, Options{Storage: store})
	register(t, r1, proc)

	id, err := r1.Start(ctx, "approval", RunOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := store.LoadInvocation(ctx, id)
		return err == nil && rec.Status == storage.StatusWaitingHuman
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r1.Cancel(ctx, id))
	out, err := r1.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fault.KindCancelled, out.Err.Kind)
	assert.Equal(t, 1, countOf(out.Events, eventlog.TypeHITLRequest))
	assert.Equal(t, 0, countOf(out.Events, eventlog.TypeHITLResolved))

	// A second process answers the same request on resume. The journalled
	// request keeps its id; only the outcome is new.
	r2 := newTestRuntime(t, Options{Storage: store, HITL: hitl.AutoApprove()})
	register(t, r2, proc)
	resumedID, err := r2.Resume(ctx, id)
	require.NoError(t, err)
	resumed, err := r2.Wait(ctx, resumedID)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, resumed.Status)
	assert.Equal(t, map[string]any{"approved": true}, resumed.Result)
	assert.Equal(t, true, resumed.State["before"])
	assert.Equal(t, true, resumed.State["after"])
	assert.Equal(t, 0, countOf(resumed.Events, eventlog.TypeHITLRequest))
	assert.Equal(t, 1, countOf(resumed.Events, eventlog.TypeHITLResolved))

	all, err := store.ReadEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "cancelled", "resumed", "complete"}, lifecycleSeq(all))
}

func TestChildFanout(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name:   "double",
		Params: map[string]ParamSpec{"n": {Type: "number", Required: true}},
		Source: `return { value = Params.n * 2 }`,
	})
	register(t, r, &Procedure{
		Name: "fanout",
		Source: `
local first = Procedure.spawn("double", { n = 2 })
local second = Procedure.spawn("double", { n = 3 })
local results = Procedure.wait_all({ first, second })
return { total = results[1].value + results[2].value }
`,
	})

	ctx := context.Background()
	out, err := r.Run(ctx, "fanout", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"total": 10.0}, out.Result)

	recs, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	children := 0
	for _, rec := range recs {
		assert.Equal(t, storage.StatusCompleted, rec.Status)
		if rec.Procedure == "double" {
			children++
			assert.Equal(t, out.InvocationID, rec.ParentID)
		}
	}
	assert.Equal(t, 2, children)
}

func TestChildFailurePropagates(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name:   "bad",
		Source: `error({ kind = "tool", message = "child broke" })`,
	})
	register(t, r, &Procedure{
		Name:   "parent",
		Source: `return Procedure.run("bad", {})`,
	})

	out, err := r.Run(context.Background(), "parent", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fault.KindTool, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "child broke")
}

func TestCycleDetected(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name:   "ping",
		Source: `return Procedure.run("pong", {})`,
	})
	register(t, r, &Procedure{
		Name:   "pong",
		Source: `return Procedure.run("ping", {})`,
	})

	out, err := r.Run(context.Background(), "ping", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fault.KindInternal, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "cycle")
	assert.Contains(t, out.Err.Message, "ping -> pong -> ping")
}

func TestWaitPollAndCancel(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name: "slow",
		Source: `
local ok = Human.approve({ message = "proceed?", timeout = 30, default = true })
return { approved = ok }
`,
	})
	register(t, r, &Procedure{
		Name: "impatient",
		Source: `
local h = Procedure.spawn("slow", {})
local st = Procedure.status(h)
local early = Procedure.wait(h, { timeout = 0 })
Procedure.cancel(h)
return { early_nil = early == nil, handle = h, has_waiting = st.waiting_for_human ~= nil }
`,
	})

	ctx := context.Background()
	out, err := r.Run(ctx, "impatient", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)

	result, ok := out.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["early_nil"])
	assert.Equal(t, true, result["has_waiting"])

	childID, ok := result["handle"].(string)
	require.True(t, ok)
	child, err := r.Wait(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, child.Status)
}

func TestProcedureAsToolBinding(t *testing.T) {
	r := newTestRuntime(t, Options{
		Clients: func(ctx context.Context, spec AgentSpec) (model.Client, error) {
			return mockmodel.New(mockmodel.ToolTurn("boost", map[string]any{"x": 1})), nil
		},
	})
	register(t, r, &Procedure{
		Name:   "helper",
		Params: map[string]ParamSpec{"x": {Type: "number", Required: true}},
		Source: `return { y = Params.x + 1 }`,
	})
	register(t, r, &Procedure{
		Name: "caller",
		Agents: map[string]AgentSpec{
			"caller": {Provider: "openai", Model: "gpt-4o-mini"},
		},
		Tools: map[string]ToolBinding{
			"boost": {Procedure: "helper", Description: "Add one to x."},
		},
		Source: `
repeat
  Caller.turn()
until Tool.called("done")
return { boosted = Tool.last_call("boost").result.y }
`,
	})

	ctx := context.Background()
	out, err := r.Run(ctx, "caller", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"boosted": 2.0}, out.Result)

	recs, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		if rec.Procedure == "helper" {
			assert.Equal(t, out.InvocationID, rec.ParentID)
			assert.Equal(t, storage.StatusCompleted, rec.Status)
		}
	}
}

func TestDependencyLifecycle(t *testing.T) {
	var mu sync.Mutex
	var builds, closes, calls int

	r := newTestRuntime(t, Options{
		Clients: func(ctx context.Context, spec AgentSpec) (model.Client, error) {
			return mockmodel.New(mockmodel.ToolTurn("audit", map[string]any{"note": spec.Model})), nil
		},
	})
	require.NoError(t, r.RegisterDependency("audit", func(ctx context.Context) (Dependency, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return Dependency{
			Tool: tools.Tool{
				Description: "Record an audit note.",
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					mu.Lock()
					calls++
					mu.Unlock()
					return map[string]any{"ok": true}, nil
				},
			},
			Close: func(ctx context.Context) error {
				mu.Lock()
				closes++
				mu.Unlock()
				return nil
			},
		}, nil
	}))

	register(t, r, &Procedure{
		Name:         "leaf",
		Dependencies: []string{"audit"},
		Agents: map[string]AgentSpec{
			"worker": {Provider: "openai", Model: "leaf-model", Tools: []string{"audit", "done"}},
		},
		Source: `
repeat
  Worker.turn()
until Tool.called("done")
return { logged = Tool.called("audit") }
`,
	})
	register(t, r, &Procedure{
		Name:         "root",
		Dependencies: []string{"audit"},
		Agents: map[string]AgentSpec{
			"scribe": {Provider: "openai", Model: "root-model", Tools: []string{"audit", "done"}},
		},
		Source: `
local child = Procedure.run("leaf", {})
repeat
  Scribe.turn()
until Tool.called("done")
return { child_logged = child.logged, parent_logged = Tool.called("audit") }
`,
	})

	out, err := r.Run(context.Background(), "root", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"child_logged": true, "parent_logged": true}, out.Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, builds, "child reuses the parent instance")
	assert.Equal(t, 1, closes, "only the owner closes")
	assert.Equal(t, 2, calls)
}

func TestMockRunsAreDeterministic(t *testing.T) {
	proc := &Procedure{
		Name:   "research",
		Params: map[string]ParamSpec{"topic": {Type: "string", Required: true}},
		Agents: map[string]AgentSpec{
			"researcher": {Provider: "openai", Model: "gpt-4o"},
		},
		Source: `
State.set("topic", Params.topic)
repeat
  Researcher.turn()
until Tool.called("done")
return { topic = State.get("topic"), hits = Tool.last_call("search").result.hits }
`,
	}
	mockCfg := &MockConfig{
		Tools: []tools.Mock{
			{Tool: "search", Response: map[string]any{"hits": 3}},
		},
		Agents: map[string][]mockmodel.Turn{
			"researcher": {
				{
					ToolCalls: []model.ToolCall{{ID: "mock-search", Name: "search", Args: map[string]any{"q": "go"}}},
					Usage:     model.TokenUsage{InputTokens: 10, OutputTokens: 5},
				},
				mockmodel.DoneTurn("research finished"),
			},
		},
	}

	run := func() []eventlog.Event {
		r := newTestRuntime(t, Options{})
		register(t, r, proc)
		out, err := r.Run(context.Background(), "research", RunOptions{
			Params: map[string]any{"topic": "golang"},
			Mock:   mockCfg.Clone(),
		})
		require.NoError(t, err)
		require.Equal(t, storage.StatusCompleted, out.Status)
		return out.Events
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type, "event %d type", i)
		assert.JSONEq(t, string(first[i].Payload), string(second[i].Payload), "event %d payload", i)
	}
}

func TestWaitingHumanStatusVisible(t *testing.T) {
	store := storageinmem.New()
	var observed storage.Status
	handler := hitl.HandlerFunc(func(ctx context.Context, req hitl.Request) (hitl.Response, error) {
		recs, err := store.ListInvocations(ctx)
		if err == nil && len(recs) == 1 {
			observed = recs[0].Status
		}
		return hitl.Response{Value: true}, nil
	})

	r := newTestRuntime(t, Options{Storage: store, HITL: handler})
	register(t, r, &Procedure{
		Name:   "gate",
		Source: `return { ok = Human.approve("continue?") }`,
	})

	out, err := r.Run(context.Background(), "gate", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"ok": true}, out.Result)
	assert.Equal(t, storage.StatusWaitingHuman, observed)

	rec, err := r.Status(context.Background(), out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	r := newTestRuntime(t, Options{})

	err := r.Validate(&Procedure{
		Name:   "shadow",
		Agents: map[string]AgentSpec{"tool": {Model: "m"}},
		Source: `return {}`,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "Tool")

	err = r.Validate(&Procedure{
		Name:   "dangling",
		Agents: map[string]AgentSpec{"a": {Model: "m", Tools: []string{"nope"}}},
		Source: `return {}`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	err = r.Validate(&Procedure{
		Name:   "selfcall",
		Tools:  map[string]ToolBinding{"me": {Procedure: "selfcall"}},
		Source: `return {}`,
	})
	require.Error(t, err)

	err = r.Validate(&Procedure{Name: "broken", Source: `return {`})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	err = r.Validate(&Procedure{
		Name:   "badtype",
		Params: map[string]ParamSpec{"p": {Type: "uuid"}},
		Source: `return {}`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uuid")
}

func TestSubscribeLiveAndReplay(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{
		Name:   "noisy",
		Source: `Log.info("working") return { ok = true }`,
	})

	ctx := context.Background()
	id, err := r.Start(ctx, "noisy", RunOptions{})
	require.NoError(t, err)

	ch, cancel, err := r.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	defer cancel()

	var live []eventlog.Event
	for ev := range ch {
		live = append(live, ev)
	}
	assert.Equal(t, []string{"start", "complete"}, lifecycleSeq(live))
	assert.GreaterOrEqual(t, countOf(live, eventlog.TypeLog), 1)

	out, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)

	replay, cancel2, err := r.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	defer cancel2()
	var stored []eventlog.Event
	for ev := range replay {
		stored = append(stored, ev)
	}
	assert.Equal(t, len(live), len(stored))
}

func TestUnknownProcedureAndDuplicateID(t *testing.T) {
	r := newTestRuntime(t, Options{})
	register(t, r, &Procedure{Name: "one", Source: `return {}`})

	_, err := r.Run(context.Background(), "missing", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	out, err := r.Run(context.Background(), "one", RunOptions{InvocationID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, out.Status)

	_, err = r.Run(context.Background(), "one", RunOptions{InvocationID: "inv-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
