// Package config reads procedure definitions (.tyml files) and project
// configuration (.tactus/config.yml). Procedure files decode strictly:
// unknown fields are errors, and the model, param, and output fields accept
// either a scalar shorthand or a full mapping. Load returns a
// runtime.Procedure ready for Runtime.Register.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
	mockmodel "tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/tools"
)

type (
	// procedureFile mirrors the .tyml document.
	procedureFile struct {
		Name           string                 `yaml:"name"`
		Version        string                 `yaml:"version"`
		Class          string                 `yaml:"class"`
		Description    string                 `yaml:"description"`
		Params         map[string]paramNode   `yaml:"params"`
		Agents         map[string]agentNode   `yaml:"agents"`
		Dependencies   []string               `yaml:"dependencies"`
		Stages         []string               `yaml:"stages"`
		Tools          map[string]bindingNode `yaml:"tools"`
		Outputs        map[string]outputNode  `yaml:"outputs"`
		MaxIterations  int                    `yaml:"max_iterations"`
		Procedure      string                 `yaml:"procedure"`
		Specifications string                 `yaml:"specifications"`
		Steps          string                 `yaml:"steps"`
		Evaluation     *evaluationNode        `yaml:"evaluation"`
		DefaultMocks   *mocksNode             `yaml:"default_mocks"`
	}

	// paramNode accepts `name: string` shorthand or the full mapping.
	paramNode struct {
		Type        string `yaml:"type"`
		Description string `yaml:"description"`
		Default     any    `yaml:"default"`
		Required    bool   `yaml:"required"`
	}

	// outputNode accepts the same shorthand as paramNode.
	outputNode struct {
		Type        string `yaml:"type"`
		Description string `yaml:"description"`
		Required    bool   `yaml:"required"`
	}

	agentNode struct {
		Provider       string    `yaml:"provider"`
		Model          modelNode `yaml:"model"`
		SystemPrompt   string    `yaml:"system_prompt"`
		InitialMessage string    `yaml:"initial_message"`
		Tools          []string  `yaml:"tools"`
	}

	// modelNode accepts `model: gpt-4o` or a mapping carrying the tuning
	// knobs next to the name.
	modelNode struct {
		Name        string         `yaml:"name"`
		Temperature float64        `yaml:"temperature"`
		MaxTokens   int            `yaml:"max_tokens"`
		Settings    map[string]any `yaml:"settings"`
	}

	bindingNode struct {
		Procedure   string `yaml:"procedure"`
		Description string `yaml:"description"`
	}

	evaluationNode struct {
		Runs    int `yaml:"runs"`
		Workers int `yaml:"workers"`
	}

	mocksNode struct {
		Tools   map[string]any        `yaml:"tools"`
		Default map[string]any        `yaml:"default"`
		Agents  map[string][]turnNode `yaml:"agents"`
		HITL    map[string]any        `yaml:"hitl"`
	}

	turnNode struct {
		Text         string         `yaml:"text"`
		ToolCalls    []toolCallNode `yaml:"tool_calls"`
		FinishReason string         `yaml:"finish_reason"`
	}

	toolCallNode struct {
		Name string         `yaml:"name"`
		Args map[string]any `yaml:"args"`
	}
)

// Load reads and parses one procedure file.
func Load(path string) (*runtime.Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "read procedure file")
	}
	proc, err := Parse(data)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return nil, f.WithDetail("file", path)
		}
		return nil, err
	}
	return proc, nil
}

// Parse decodes one .tyml document. Unknown fields and trailing documents are
// errors.
func Parse(data []byte) (*runtime.Procedure, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f procedureFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fault.New(fault.KindValidation, "procedure file is empty")
		}
		return nil, fault.Wrap(fault.KindValidation, err, "parse procedure file")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fault.New(fault.KindValidation, "procedure file must hold a single document")
	}
	return f.procedure()
}

func (f *procedureFile) procedure() (*runtime.Procedure, error) {
	if f.Name == "" {
		return nil, fault.New(fault.KindValidation, "procedure file needs a name")
	}
	if !knownClass(f.Class) {
		return nil, fault.New(fault.KindValidation, "procedure %q has unsupported class %q (want LuaDSL)", f.Name, f.Class)
	}
	if strings.TrimSpace(f.Procedure) == "" {
		return nil, fault.New(fault.KindValidation, "procedure %q has no procedure block", f.Name)
	}

	p := &runtime.Procedure{
		Name:           f.Name,
		Version:        f.Version,
		Description:    f.Description,
		Dependencies:   f.Dependencies,
		Stages:         f.Stages,
		Source:         f.Procedure,
		Specifications: f.Specifications,
		Steps:          f.Steps,
		MaxIterations:  f.MaxIterations,
	}
	if f.Evaluation != nil {
		p.Evaluation = runtime.EvaluationSpec{Runs: f.Evaluation.Runs, Workers: f.Evaluation.Workers}
	}
	if len(f.Params) > 0 {
		p.Params = make(map[string]runtime.ParamSpec, len(f.Params))
		for name, node := range f.Params {
			p.Params[name] = runtime.ParamSpec{
				Type:        node.Type,
				Description: node.Description,
				Default:     node.Default,
				Required:    node.Required,
			}
		}
	}
	if len(f.Outputs) > 0 {
		p.Outputs = make(map[string]runtime.OutputSpec, len(f.Outputs))
		for name, node := range f.Outputs {
			p.Outputs[name] = runtime.OutputSpec{
				Type:        node.Type,
				Description: node.Description,
				Required:    node.Required,
			}
		}
	}
	if len(f.Agents) > 0 {
		p.Agents = make(map[string]runtime.AgentSpec, len(f.Agents))
		for name, node := range f.Agents {
			provider := node.Provider
			if provider == "" {
				provider = "openai"
			}
			p.Agents[name] = runtime.AgentSpec{
				Provider:       provider,
				Model:          node.Model.Name,
				Temperature:    node.Model.Temperature,
				MaxTokens:      node.Model.MaxTokens,
				Settings:       node.Model.Settings,
				SystemPrompt:   node.SystemPrompt,
				InitialMessage: node.InitialMessage,
				Tools:          node.Tools,
			}
		}
	}
	if len(f.Tools) > 0 {
		p.Tools = make(map[string]runtime.ToolBinding, len(f.Tools))
		for name, node := range f.Tools {
			p.Tools[name] = runtime.ToolBinding{Procedure: node.Procedure, Description: node.Description}
		}
	}
	if f.DefaultMocks != nil {
		p.DefaultMocks = f.DefaultMocks.config()
	}
	return p, nil
}

// knownClass accepts the LuaDSL class and its lua alias, case-insensitively.
// An absent class means LuaDSL.
func knownClass(class string) bool {
	switch strings.ToLower(class) {
	case "", "luadsl", "lua":
		return true
	}
	return false
}

func (m *mocksNode) config() *runtime.MockConfig {
	cfg := &runtime.MockConfig{
		ToolDefault: m.Default,
		HITLValues:  m.HITL,
	}
	if len(m.Tools) > 0 {
		names := make([]string, 0, len(m.Tools))
		for name := range m.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		cfg.Tools = make([]tools.Mock, 0, len(names))
		for _, name := range names {
			cfg.Tools = append(cfg.Tools, tools.Mock{Tool: name, Response: m.Tools[name]})
		}
	}
	if len(m.Agents) > 0 {
		cfg.Agents = make(map[string][]mockmodel.Turn, len(m.Agents))
		for agent, nodes := range m.Agents {
			turns := make([]mockmodel.Turn, len(nodes))
			for i, node := range nodes {
				turns[i] = node.turn()
			}
			cfg.Agents[agent] = turns
		}
	}
	return cfg
}

func (t turnNode) turn() mockmodel.Turn {
	out := mockmodel.Turn{Text: t.Text, FinishReason: t.FinishReason}
	for _, call := range t.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   "mock-" + call.Name,
			Name: call.Name,
			Args: call.Args,
		})
	}
	return out
}

// UnmarshalYAML accepts a bare type name or the full mapping.
func (p *paramNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("param shorthand must be a type name, got %s", value.Tag)
		}
		*p = paramNode{Type: value.Value}
		return nil
	case yaml.MappingNode:
		if err := checkKeys(value, "param", paramKeys); err != nil {
			return err
		}
		type plain paramNode
		var pp plain
		if err := value.Decode(&pp); err != nil {
			return err
		}
		*p = paramNode(pp)
		return nil
	default:
		return fmt.Errorf("param must be a type name or a mapping, got %s", value.Tag)
	}
}

// UnmarshalYAML accepts a bare type name or the full mapping.
func (o *outputNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("output shorthand must be a type name, got %s", value.Tag)
		}
		*o = outputNode{Type: value.Value}
		return nil
	case yaml.MappingNode:
		if err := checkKeys(value, "output", outputKeys); err != nil {
			return err
		}
		type plain outputNode
		var oo plain
		if err := value.Decode(&oo); err != nil {
			return err
		}
		*o = outputNode(oo)
		return nil
	default:
		return fmt.Errorf("output must be a type name or a mapping, got %s", value.Tag)
	}
}

// UnmarshalYAML accepts a bare model name or a mapping with tuning knobs.
func (m *modelNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("model must be a name, got %s", value.Tag)
		}
		*m = modelNode{Name: value.Value}
		return nil
	case yaml.MappingNode:
		if err := checkKeys(value, "model", modelKeys); err != nil {
			return err
		}
		type plain modelNode
		var mm plain
		if err := value.Decode(&mm); err != nil {
			return err
		}
		*m = modelNode(mm)
		return nil
	default:
		return fmt.Errorf("model must be a name or a mapping, got %s", value.Tag)
	}
}

// Key sets for the mapping forms behind custom unmarshallers; KnownFields
// does not reach through yaml.Node.Decode so these are checked by hand.
var (
	paramKeys  = map[string]bool{"type": true, "description": true, "default": true, "required": true}
	outputKeys = map[string]bool{"type": true, "description": true, "required": true}
	modelKeys  = map[string]bool{"name": true, "temperature": true, "max_tokens": true, "settings": true}
)

// checkKeys validates a MappingNode against an allowed key set. Content
// alternates key, value, key, value.
func checkKeys(node *yaml.Node, what string, allowed map[string]bool) error {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if key := node.Content[i].Value; !allowed[key] {
			return fmt.Errorf("%s has unknown field %q", what, key)
		}
	}
	return nil
}
