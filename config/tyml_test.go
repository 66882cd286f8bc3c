package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
	mockmodel "tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/tools"
)

const golden = `
name: researcher
version: 0.2.0
class: LuaDSL
description: Researches a topic and reports.
params:
  topic: {type: string, required: true, description: What to research.}
  depth: {type: integer, default: 2}
  dry_run: boolean
agents:
  researcher:
    model:
      name: gpt-4o
      temperature: 0.2
      max_tokens: 800
      settings: {top_p: 0.9}
    system_prompt: Research {{.params.topic}}.
    tools: [search, done]
  reviewer:
    provider: anthropic
    model: claude-sonnet-4-5
    initial_message: Review the findings.
dependencies: [search]
stages: [gather, review]
tools:
  summarize: {procedure: summarizer, description: Condense text.}
outputs:
  report: {type: string, required: true}
  sources: array
max_iterations: 12
procedure: |
  Stage.set("gather")
  return { report = "r", sources = {} }
specifications: |
  Feature: research
steps: |
  step("the report mentions (.+)", function(outcome, term) return true end)
evaluation: {runs: 5, workers: 2}
default_mocks:
  tools:
    search: {hits: 3}
  default: {ok: true}
  agents:
    researcher:
      - text: Looking it up.
        tool_calls:
          - {name: search, args: {q: golang}}
      - finish_reason: stop
        text: All done.
  hitl:
    "human.approve:4:1": true
`

func TestParseGolden(t *testing.T) {
	p, err := Parse([]byte(golden))
	require.NoError(t, err)

	assert.Equal(t, "researcher", p.Name)
	assert.Equal(t, "0.2.0", p.Version)
	assert.Equal(t, "Researches a topic and reports.", p.Description)
	assert.Equal(t, []string{"search"}, p.Dependencies)
	assert.Equal(t, []string{"gather", "review"}, p.Stages)
	assert.Equal(t, 12, p.MaxIterations)
	assert.Contains(t, p.Source, `Stage.set("gather")`)
	assert.Contains(t, p.Specifications, "Feature: research")
	assert.Contains(t, p.Steps, "the report mentions")
	assert.Equal(t, runtime.EvaluationSpec{Runs: 5, Workers: 2}, p.Evaluation)

	require.Len(t, p.Params, 3)
	assert.Equal(t, runtime.ParamSpec{Type: "string", Required: true, Description: "What to research."}, p.Params["topic"])
	assert.Equal(t, runtime.ParamSpec{Type: "integer", Default: 2}, p.Params["depth"])
	assert.Equal(t, runtime.ParamSpec{Type: "boolean"}, p.Params["dry_run"])

	require.Len(t, p.Agents, 2)
	researcher := p.Agents["researcher"]
	assert.Equal(t, "openai", researcher.Provider, "provider defaults to openai")
	assert.Equal(t, "gpt-4o", researcher.Model)
	assert.Equal(t, 0.2, researcher.Temperature)
	assert.Equal(t, 800, researcher.MaxTokens)
	assert.Equal(t, map[string]any{"top_p": 0.9}, researcher.Settings)
	assert.Equal(t, []string{"search", "done"}, researcher.Tools)
	reviewer := p.Agents["reviewer"]
	assert.Equal(t, "anthropic", reviewer.Provider)
	assert.Equal(t, "claude-sonnet-4-5", reviewer.Model)
	assert.Equal(t, "Review the findings.", reviewer.InitialMessage)

	require.Len(t, p.Tools, 1)
	assert.Equal(t, runtime.ToolBinding{Procedure: "summarizer", Description: "Condense text."}, p.Tools["summarize"])

	require.Len(t, p.Outputs, 2)
	assert.Equal(t, runtime.OutputSpec{Type: "string", Required: true}, p.Outputs["report"])
	assert.Equal(t, runtime.OutputSpec{Type: "array"}, p.Outputs["sources"])

	require.NotNil(t, p.DefaultMocks)
	assert.Equal(t, []tools.Mock{{Tool: "search", Response: map[string]any{"hits": 3}}}, p.DefaultMocks.Tools)
	assert.Equal(t, map[string]any{"ok": true}, p.DefaultMocks.ToolDefault)
	assert.Equal(t, map[string]any{"human.approve:4:1": true}, p.DefaultMocks.HITLValues)
	require.Len(t, p.DefaultMocks.Agents["researcher"], 2)
	assert.Equal(t, mockmodel.Turn{
		Text: "Looking it up.",
		ToolCalls: []model.ToolCall{
			{ID: "mock-search", Name: "search", Args: map[string]any{"q": "golang"}},
		},
	}, p.DefaultMocks.Agents["researcher"][0])
	assert.Equal(t, mockmodel.Turn{Text: "All done.", FinishReason: "stop"}, p.DefaultMocks.Agents["researcher"][1])
}

func TestParseRegistersCleanly(t *testing.T) {
	p, err := Parse([]byte(`
name: greeter
params:
  name: {type: string, default: World}
outputs:
  greeting: {type: string, required: true}
procedure: |
  return { greeting = "hello " .. Params.name }
`))
	require.NoError(t, err)
	r := runtime.New(runtime.Options{})
	require.NoError(t, r.Register(p))
}

func TestModelForms(t *testing.T) {
	scalar, err := Parse([]byte(`
name: a
agents:
  helper: {model: gpt-4o-mini}
procedure: return {}
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", scalar.Agents["helper"].Model)
	assert.Zero(t, scalar.Agents["helper"].Temperature)

	mapping, err := Parse([]byte(`
name: b
agents:
  helper:
    model: {name: gpt-4o, temperature: 1.0}
procedure: return {}
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", mapping.Agents["helper"].Model)
	assert.Equal(t, 1.0, mapping.Agents["helper"].Temperature)
}

func TestClassAliases(t *testing.T) {
	for _, class := range []string{"", "LuaDSL", "lua", "Lua", "luadsl"} {
		src := "name: x\nprocedure: return {}\n"
		if class != "" {
			src += "class: " + class + "\n"
		}
		_, err := Parse([]byte(src))
		require.NoError(t, err, "class %q", class)
	}

	_, err := Parse([]byte("name: x\nclass: python\nprocedure: return {}\n"))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "python")
}

func TestStrictDecode(t *testing.T) {
	cases := map[string]string{
		"unknown top-level field": "name: x\nprocedure: return {}\nbogus: 1\n",
		"unknown param field":     "name: x\nparams:\n  p: {type: string, typo: 1}\nprocedure: return {}\n",
		"unknown model field":     "name: x\nagents:\n  a:\n    model: {name: m, temp: 1}\nprocedure: return {}\n",
		"unknown output field":    "name: x\noutputs:\n  o: {type: string, default: 1}\nprocedure: return {}\n",
		"numeric param shorthand": "name: x\nparams:\n  p: 42\nprocedure: return {}\n",
		"second document":         "name: x\nprocedure: return {}\n---\nname: y\n",
		"empty file":              "",
		"missing name":            "procedure: return {}\n",
		"missing procedure":       "name: x\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		})
	}
}

func TestLoadAnnotatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.tyml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, path, f.Detail["file"])

	_, err = Load(filepath.Join(dir, "absent.tyml"))
	require.Error(t, err)
}
