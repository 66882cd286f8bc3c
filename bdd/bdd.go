// Package bdd runs a procedure's Gherkin specifications against mock-mode
// invocations. Given steps shape the invocation (parameters, canned tool and
// dependency responses, scripted human answers), the When step runs the
// procedure, and Then steps assert on the collected outcome through a step
// library: built-in patterns plus custom Lua steps declared with
// step(pattern, fn) in the procedure's steps block.
package bdd

import (
	"strings"
	"time"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model/mock"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

type (
	// Suite is one parsed specifications block.
	Suite struct {
		Feature   string
		Scenarios []Scenario
	}

	// Scenario is one runnable pickle. Background steps and scenario
	// outline expansion are already folded in.
	Scenario struct {
		ID    string
		Name  string
		Steps []Step
	}

	// Step is one pickle step with its resolved kind. And/But steps carry
	// the kind of the keyword they continue.
	Step struct {
		Kind StepKind
		Text string
	}

	// StepKind partitions steps into setup, the run trigger, and
	// assertions.
	StepKind string
)

const (
	// KindSetup steps (Given) configure params and mocks.
	KindSetup StepKind = "given"
	// KindAction steps (When) execute the invocation.
	KindAction StepKind = "when"
	// KindAssert steps (Then) check the outcome.
	KindAssert StepKind = "then"
	// KindUnknown steps take their role from their position: setup before
	// the action, assertion after.
	KindUnknown StepKind = "unknown"
)

// Parse compiles Gherkin text into a Suite. Backgrounds and scenario
// outlines are supported; rules and tags are accepted and ignored.
func Parse(text string) (*Suite, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.New(fault.KindValidation, "specifications are empty")
	}
	ids := (&messages.Incrementing{}).NewId
	doc, err := gherkin.ParseGherkinDocument(strings.NewReader(text), ids)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse specifications")
	}
	suite := &Suite{}
	if doc.Feature != nil {
		suite.Feature = doc.Feature.Name
	}
	for _, pickle := range gherkin.Pickles(*doc, "specifications", ids) {
		sc := Scenario{ID: pickle.Id, Name: pickle.Name, Steps: make([]Step, 0, len(pickle.Steps))}
		for _, ps := range pickle.Steps {
			sc.Steps = append(sc.Steps, Step{Kind: stepKind(ps.Type), Text: ps.Text})
		}
		suite.Scenarios = append(suite.Scenarios, sc)
	}
	if len(suite.Scenarios) == 0 {
		return nil, fault.New(fault.KindValidation, "specifications declare no scenarios")
	}
	return suite, nil
}

func stepKind(t messages.PickleStepType) StepKind {
	switch t {
	case messages.PickleStepType_CONTEXT:
		return KindSetup
	case messages.PickleStepType_ACTION:
		return KindAction
	case messages.PickleStepType_OUTCOME:
		return KindAssert
	default:
		return KindUnknown
	}
}

type (
	// Harness binds a parsed suite to the runtime that will execute its
	// scenarios. The procedure must already be registered.
	Harness struct {
		rt    *runtime.Runtime
		proc  *runtime.Procedure
		suite *Suite
		steps *stepLibrary
		log   *eventlog.Log
		clock func() time.Time
	}

	// Options configures a Harness.
	Options struct {
		// Sinks receive the harness progress events
		// (test_scenario_* / evaluation_*).
		Sinks []eventlog.Sink
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}
)

// NewHarness parses the procedure's specifications and compiles its custom
// steps. The progress log carries the synthetic invocation id
// "test:<procedure>".
func NewHarness(rt *runtime.Runtime, proc *runtime.Procedure, opts Options) (*Harness, error) {
	if proc == nil {
		return nil, fault.New(fault.KindValidation, "procedure is nil")
	}
	if strings.TrimSpace(proc.Specifications) == "" {
		return nil, fault.New(fault.KindValidation, "procedure %q has no specifications", proc.Name)
	}
	suite, err := Parse(proc.Specifications)
	if err != nil {
		return nil, err
	}
	lib, err := newStepLibrary(proc.Steps)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := eventlog.New("test:"+proc.Name, eventlog.Options{
		Sinks:  opts.Sinks,
		Clock:  clock,
		Logger: opts.Logger,
	})
	return &Harness{rt: rt, proc: proc, suite: suite, steps: lib, log: log, clock: clock}, nil
}

// Suite returns the parsed specifications.
func (h *Harness) Suite() *Suite { return h.suite }

// Events returns the harness progress events appended so far.
func (h *Harness) Events() []eventlog.Event { return h.log.Snapshot() }

// scenarios returns the suite filtered by name; an empty filter keeps
// everything.
func (h *Harness) scenarios(filter string) ([]Scenario, error) {
	if filter == "" {
		return h.suite.Scenarios, nil
	}
	var out []Scenario
	for _, sc := range h.suite.Scenarios {
		if sc.Name == filter || strings.Contains(sc.Name, filter) {
			out = append(out, sc)
		}
	}
	if len(out) == 0 {
		return nil, fault.New(fault.KindValidation, "no scenario matches %q", filter)
	}
	return out, nil
}

// merge layers override mocks on top of base. Slices append, maps merge with
// the override winning, scalar handlers replace.
func merge(base, over *runtime.MockConfig) *runtime.MockConfig {
	out := base.Clone()
	if over == nil {
		return out
	}
	out.Tools = append(out.Tools, over.Tools...)
	if over.ToolDefault != nil {
		out.ToolDefault = over.ToolDefault
	}
	if over.HITL != nil {
		out.HITL = over.HITL
	}
	if out.HITLValues == nil {
		out.HITLValues = make(map[string]any, len(over.HITLValues))
	}
	for k, v := range over.HITLValues {
		out.HITLValues[k] = v
	}
	if out.Agents == nil {
		out.Agents = make(map[string][]mock.Turn, len(over.Agents))
	}
	for name, turns := range over.Agents {
		out.Agents[name] = append([]mock.Turn(nil), turns...)
	}
	return out
}
