package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/journal"
)

func echoTool() Tool {
	return Tool{
		Name: "echo",
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"text"},
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(echoTool()))
	err := r.Register(echoTool())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInvokeRunsHandler(t *testing.T) {
	r := NewRegistry(Options{Journal: journal.New("inv-1", journal.Options{})})
	require.NoError(t, r.Register(echoTool()))

	res, err := r.Invoke(context.Background(), Invocation{
		Agent:    "greeter",
		Name:     "echo",
		Callsite: "tool.echo:4",
		Args:     map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, res)

	require.True(t, r.Called("echo"))
	last, ok := r.LastCall("echo")
	require.True(t, ok)
	assert.Equal(t, "greeter", last.Agent)
	assert.Equal(t, map[string]any{"text": "hi"}, last.Args)
}

func TestInvokeSchemaViolationIsToolFault(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(echoTool()))

	_, err := r.Invoke(context.Background(), Invocation{Name: "echo", Args: map[string]any{"wrong": 1}})
	require.Error(t, err)
	assert.Equal(t, fault.KindTool, fault.KindOf(err))

	// The failed call is still recorded so assertions can see it.
	last, ok := r.LastCall("echo")
	require.True(t, ok)
	assert.NotEmpty(t, last.Error)
}

func TestInvokeUnknownToolIsToolFault(t *testing.T) {
	r := NewRegistry(Options{})
	_, err := r.Invoke(context.Background(), Invocation{Name: "nope"})
	require.Error(t, err)
	assert.Equal(t, fault.KindTool, fault.KindOf(err))
}

func TestInvokeHandlerErrorIsToolFault(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(Tool{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream down")
		},
	}))
	_, err := r.Invoke(context.Background(), Invocation{Name: "flaky"})
	require.Error(t, err)
	assert.Equal(t, fault.KindTool, fault.KindOf(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestInvokeReplaysFromJournal(t *testing.T) {
	j := journal.New("inv-1", journal.Options{})
	log := eventlog.New("inv-1", eventlog.Options{})
	calls := 0

	build := func(j *journal.Journal) *Registry {
		r := NewRegistry(Options{Journal: j, Log: log})
		require.NoError(t, r.Register(Tool{
			Name: "count",
			Handler: func(context.Context, map[string]any) (any, error) {
				calls++
				return map[string]any{"n": calls}, nil
			},
		}))
		return r
	}

	first := build(j)
	res, err := first.Invoke(context.Background(), Invocation{Name: "count", Callsite: "tool.count:7"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, res)

	// Replay against a journal loaded from the first run's entries.
	resumed := journal.Load("inv-1", j.Entries(), journal.Options{})
	second := build(resumed)
	res, err = second.Invoke(context.Background(), Invocation{Name: "count", Callsite: "tool.count:7"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, res)
	assert.Equal(t, 1, calls, "handler must not re-run on replay")
	assert.True(t, second.Called("count"), "replay rebuilds the call record")
}

func TestToolCallEventEmittedOncePerCall(t *testing.T) {
	j := journal.New("inv-1", journal.Options{})
	log := eventlog.New("inv-1", eventlog.Options{})
	r := NewRegistry(Options{Journal: j, Log: log})
	require.NoError(t, r.Register(echoTool()))

	_, err := r.Invoke(context.Background(), Invocation{Name: "echo", Callsite: "tool.echo:4", Args: map[string]any{"text": "a"}})
	require.NoError(t, err)

	events := log.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.TypeToolCall, events[0].Type)

	var payload eventlog.ToolCallPayload
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, "echo", payload.Tool)
}

func TestMockSetResolutionOrder(t *testing.T) {
	mocks := NewMockSet([]Mock{
		{Tool: "search", Args: map[string]any{"q": "go"}, Response: map[string]any{"hits": float64(1)}},
		{Tool: "search", Response: map[string]any{"hits": float64(0)}},
	}, map[string]any{"ok": true})

	resp, errMsg, ok := mocks.Resolve("search", map[string]any{"q": "go"})
	require.True(t, ok)
	assert.Empty(t, errMsg)
	assert.Equal(t, map[string]any{"hits": float64(1)}, resp)

	resp, _, ok = mocks.Resolve("search", map[string]any{"q": "other"})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"hits": float64(0)}, resp)

	resp, _, ok = mocks.Resolve("unmatched", nil)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, resp)
}

func TestMockedInvokeRecordsLikeLive(t *testing.T) {
	log := eventlog.New("inv-1", eventlog.Options{})
	mocks := NewMockSet([]Mock{{Tool: "weather", Response: map[string]any{"temp": float64(21)}}}, nil)
	r := NewRegistry(Options{Log: log, Mocks: mocks})

	res, err := r.Invoke(context.Background(), Invocation{Name: "weather", Args: map[string]any{"city": "Oslo"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": float64(21)}, res)
	assert.True(t, r.Called("weather"))
	assert.Len(t, log.Snapshot(), 1)
}

func TestMockErrorBecomesToolFault(t *testing.T) {
	mocks := NewMockSet([]Mock{{Tool: "pay", Error: "card declined"}}, nil)
	r := NewRegistry(Options{Mocks: mocks})

	_, err := r.Invoke(context.Background(), Invocation{Name: "pay"})
	require.Error(t, err)
	assert.Equal(t, fault.KindTool, fault.KindOf(err))
	assert.Contains(t, err.Error(), "card declined")
}

func TestDoneTool(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(DoneTool()))

	res, err := r.Invoke(context.Background(), Invocation{Name: "done", Args: map[string]any{"reason": "all set"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res)
}

func TestTodoTool(t *testing.T) {
	list := NewTodoList()
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(TodoTool(list)))
	ctx := context.Background()

	_, err := r.Invoke(ctx, Invocation{Name: "todo", Args: map[string]any{"action": "add", "text": "write tests"}})
	require.NoError(t, err)
	_, err = r.Invoke(ctx, Invocation{Name: "todo", Args: map[string]any{"action": "add", "text": "ship"}})
	require.NoError(t, err)
	_, err = r.Invoke(ctx, Invocation{Name: "todo", Args: map[string]any{"action": "complete", "id": float64(1)}})
	require.NoError(t, err)

	res, err := r.Invoke(ctx, Invocation{Name: "todo", Args: map[string]any{"action": "list"}})
	require.NoError(t, err)
	items := res.(map[string]any)["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, true, first["done"])

	_, err = r.Invoke(ctx, Invocation{Name: "todo", Args: map[string]any{"action": "complete", "id": float64(99)}})
	require.Error(t, err)
	assert.Equal(t, fault.KindTool, fault.KindOf(err))
}

func TestDefinitionsSubset(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(DoneTool()))
	require.NoError(t, r.Register(echoTool()))

	all := r.Definitions(nil)
	require.Len(t, all, 2)

	subset := r.Definitions([]string{"echo"})
	require.Len(t, subset, 1)
	assert.Equal(t, "echo", subset[0].Name)
	assert.Equal(t, "object", subset[0].InputSchema["type"])
}

func TestToolsUsedSorted(t *testing.T) {
	r := NewRegistry(Options{})
	require.NoError(t, r.Register(DoneTool()))
	require.NoError(t, r.Register(echoTool()))
	ctx := context.Background()

	_, _ = r.Invoke(ctx, Invocation{Name: "echo", Args: map[string]any{"text": "x"}})
	_, _ = r.Invoke(ctx, Invocation{Name: "done"})
	_, _ = r.Invoke(ctx, Invocation{Name: "echo", Args: map[string]any{"text": "y"}})

	assert.Equal(t, []string{"done", "echo"}, r.ToolsUsed())
}
