package runtime

import (
	"errors"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"tactus.dev/tactus/runtime/procedure/agent"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
	"tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type (
	// Procedure is one registered procedure definition. The Source field
	// holds the Lua chunk; everything else declares the contract around it:
	// parameters in, outputs back, agents, tools, dependencies, and stages.
	Procedure struct {
		Name        string
		Version     string
		Description string

		// Params declares the input contract. Unknown keys are rejected when
		// at least one parameter is declared; an empty map accepts anything.
		Params map[string]ParamSpec
		// Outputs declares the shape of the result table. When non-empty the
		// result must be a table and is validated before the invocation
		// completes.
		Outputs map[string]OutputSpec

		// Agents declares the LLM agents exported as script globals.
		Agents map[string]AgentSpec
		// Tools exposes other registered procedures as callable tools.
		Tools map[string]ToolBinding
		// Dependencies names runtime-registered resources built at start and
		// closed at terminal status. Each is callable as a tool of the same
		// name.
		Dependencies []string
		// Stages constrains Stage.set when non-empty.
		Stages []string

		// Source is the procedure body.
		Source string
		// Specifications is the Gherkin feature text for the BDD harness.
		Specifications string
		// Steps holds custom step definitions, one Lua chunk.
		Steps string

		// MaxIterations caps agent-loop turns. Zero defers to the runtime
		// default.
		MaxIterations int
		Evaluation    EvaluationSpec
		// DefaultMocks seeds mock-mode runs; scenarios may override.
		DefaultMocks *MockConfig
	}

	// ParamSpec declares one input parameter.
	ParamSpec struct {
		Type        string
		Description string
		Default     any
		Required    bool
	}

	// OutputSpec declares one field of the result table.
	OutputSpec struct {
		Type        string
		Description string
		Required    bool
	}

	// AgentSpec declares one agent. Model identifiers are provider-specific;
	// the client factory receives the whole spec.
	AgentSpec struct {
		Provider       string
		Model          string
		Temperature    float64
		MaxTokens      int
		Settings       map[string]any
		SystemPrompt   string
		InitialMessage string
		// Tools restricts the agent to a subset of registered tools. Nil
		// exposes everything.
		Tools   []string
		Pricing *agent.Pricing
	}

	// ToolBinding exposes a registered procedure as a tool. The tool's
	// arguments become the child invocation's params and the child's result
	// becomes the tool result.
	ToolBinding struct {
		Procedure   string
		Description string
	}

	// EvaluationSpec configures repeated mock runs for consistency scoring.
	EvaluationSpec struct {
		Runs    int
		Workers int
	}

	// MockConfig replaces every external surface of an invocation tree with
	// deterministic substitutes: scripted model turns per agent, canned tool
	// responses, and an auto-answering human gateway.
	MockConfig struct {
		// Tools are canned responses matched by fingerprint, then name.
		Tools []tools.Mock
		// ToolDefault answers unmatched tool calls. Nil means {"ok": true}.
		ToolDefault map[string]any
		// Agents scripts model turns per agent name. An absent agent plays
		// the exhausted-script default: one done call, then stop turns.
		Agents map[string][]mock.Turn
		// HITL overrides the human gateway. When nil, HITLValues answers via
		// hitl.Scripted; when that is empty too, requests auto-approve.
		HITL       hitl.Handler
		HITLValues map[string]any
	}
)

// Clone returns a copy whose mock and value slices can be extended without
// touching the original. The BDD harness clones per scenario.
func (m *MockConfig) Clone() *MockConfig {
	if m == nil {
		return &MockConfig{}
	}
	out := &MockConfig{
		Tools:       append([]tools.Mock(nil), m.Tools...),
		ToolDefault: m.ToolDefault,
		HITL:        m.HITL,
		HITLValues:  make(map[string]any, len(m.HITLValues)),
		Agents:      make(map[string][]mock.Turn, len(m.Agents)),
	}
	for k, v := range m.HITLValues {
		out.HITLValues[k] = v
	}
	for name, turns := range m.Agents {
		out.Agents[name] = append([]mock.Turn(nil), turns...)
	}
	return out
}

// mockSet builds the tool-interception set. The fallback is always non-nil
// in mock mode so no real handler ever runs.
func (m *MockConfig) mockSet() *tools.MockSet {
	fallback := any(map[string]any{"ok": true})
	if m.ToolDefault != nil {
		fallback = m.ToolDefault
	}
	return tools.NewMockSet(m.Tools, fallback)
}

// handler resolves the human gateway for mock runs.
func (m *MockConfig) handler() hitl.Handler {
	switch {
	case m.HITL != nil:
		return m.HITL
	case len(m.HITLValues) > 0:
		return hitl.Scripted(m.HITLValues)
	default:
		return hitl.AutoApprove()
	}
}

// registered pairs a procedure with its compiled schemas.
type registered struct {
	proc    *Procedure
	params  *jsonschema.Schema
	outputs *jsonschema.Schema
}

func compile(p *Procedure) (*registered, error) {
	reg := &registered{proc: p}
	if len(p.Params) > 0 {
		doc, err := paramsDoc(p.Params)
		if err != nil {
			return nil, err
		}
		schema, err := compileDoc("tactus://procedures/"+p.Name+"/params.json", doc)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "procedure %q params schema", p.Name)
		}
		reg.params = schema
	}
	if len(p.Outputs) > 0 {
		doc, err := outputsDoc(p.Outputs)
		if err != nil {
			return nil, err
		}
		schema, err := compileDoc("tactus://procedures/"+p.Name+"/outputs.json", doc)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "procedure %q outputs schema", p.Name)
		}
		reg.outputs = schema
	}
	return reg, nil
}

func compileDoc(url string, doc map[string]any) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func paramsDoc(specs map[string]ParamSpec) (map[string]any, error) {
	props := make(map[string]any, len(specs))
	var required []string
	for name, spec := range specs {
		prop, err := fieldDoc(name, spec.Type, spec.Description)
		if err != nil {
			return nil, err
		}
		props[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = toAnySlice(required)
	}
	return doc, nil
}

func outputsDoc(specs map[string]OutputSpec) (map[string]any, error) {
	props := make(map[string]any, len(specs))
	var required []string
	for name, spec := range specs {
		prop, err := fieldDoc(name, spec.Type, spec.Description)
		if err != nil {
			return nil, err
		}
		props[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = toAnySlice(required)
	}
	return doc, nil
}

// toAnySlice converts a []string to the []any form the jsonschema compiler
// expects for JSON documents supplied as Go values.
func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func fieldDoc(name, typ, description string) (map[string]any, error) {
	doc := make(map[string]any, 2)
	switch typ {
	case "", "any":
	case "string", "number", "boolean", "object", "array", "integer":
		doc["type"] = typ
	case "bool":
		doc["type"] = "boolean"
	case "int":
		doc["type"] = "integer"
	case "float":
		doc["type"] = "number"
	case "map", "table":
		doc["type"] = "object"
	case "list":
		doc["type"] = "array"
	default:
		return nil, fault.New(fault.KindValidation, "field %q has unknown type %q", name, typ)
	}
	if description != "" {
		doc["description"] = description
	}
	return doc, nil
}

// resolveParams applies defaults, canonicalizes values, and validates the
// result against the declared schema.
func (reg *registered) resolveParams(given map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(given)+len(reg.proc.Params))
	for k, v := range given {
		params[k] = v
	}
	for name, spec := range reg.proc.Params {
		if _, ok := params[name]; !ok && spec.Default != nil {
			params[name] = spec.Default
		}
	}
	norm, err := state.Normalize(params)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "params for %q", reg.proc.Name)
	}
	if norm == nil {
		params = map[string]any{}
	} else {
		params = norm.(map[string]any)
	}
	if reg.params != nil {
		if err := reg.params.Validate(params); err != nil {
			f := fault.New(fault.KindValidation, "params for %q rejected", reg.proc.Name)
			return nil, f.WithDetail("errors", schemaErrors(err))
		}
	}
	return params, nil
}

// validateOutputs checks the result table against the declared outputs.
func (reg *registered) validateOutputs(result any) error {
	if reg.outputs == nil {
		return nil
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return fault.New(fault.KindValidation, "procedure %q declares outputs but returned no table", reg.proc.Name)
	}
	if err := reg.outputs.Validate(obj); err != nil {
		f := fault.New(fault.KindValidation, "outputs of %q rejected", reg.proc.Name)
		return f.WithDetail("errors", schemaErrors(err))
	}
	return nil
}

// schemaErrors flattens a jsonschema validation error into one message per
// violated leaf.
func schemaErrors(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	leaves := leafCauses(ve)
	out := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		out = append(out, leaf.Error())
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}
