// Package eventlog implements the per-invocation append-only event stream.
// Every primitive writes typed events here; the log assigns dense sequence
// numbers starting at 1, keeps an in-memory snapshot, mirrors each event to
// the storage backend, and fans out to sinks and subscribers. Events are the
// single observability surface: the CLI, the IDE stream, the BDD harness and
// the evaluation scorer all consume them.
package eventlog

import (
	"encoding/json"
	"time"
)

// Type tags an event with its schema. The set is closed; payloads are the
// *Payload structs in this package.
type Type string

const (
	// TypeLog is a free-form log line emitted by the script or by state
	// mutations.
	TypeLog Type = "log"
	// TypeExecution marks invocation lifecycle transitions.
	TypeExecution Type = "execution"
	// TypeExecutionSummary closes an invocation with aggregate counters.
	TypeExecutionSummary Type = "execution_summary"
	// TypeAgentTurn brackets one agent turn (started / responded).
	TypeAgentTurn Type = "agent_turn"
	// TypeToolCall records one tool invocation and its outcome.
	TypeToolCall Type = "tool_call"
	// TypeCost records provider token usage and estimated cost for one turn.
	TypeCost Type = "cost"
	// TypeValidation records a parameter or output schema check.
	TypeValidation Type = "validation"
	// TypeOutput records the procedure's final return value.
	TypeOutput Type = "output"
	// TypeHITLRequest records a human-in-the-loop request being issued.
	TypeHITLRequest Type = "hitl_request"
	// TypeHITLResolved records the resolution of a HITL request.
	TypeHITLResolved Type = "hitl_resolved"
	// TypeStageChange records a Stage.set transition.
	TypeStageChange Type = "stage_change"
	// TypeCheckpointWritten records a journal write.
	TypeCheckpointWritten Type = "checkpoint_written"
	// TypeTestScenarioStarted and TypeTestScenarioCompleted bracket one BDD
	// scenario execution.
	TypeTestScenarioStarted   Type = "test_scenario_started"
	TypeTestScenarioCompleted Type = "test_scenario_completed"
	// TypeEvaluationStarted and TypeEvaluationCompleted bracket one
	// evaluation batch.
	TypeEvaluationStarted   Type = "evaluation_started"
	TypeEvaluationCompleted Type = "evaluation_completed"
)

// Event is one record of the invocation event log. Seq is dense and strictly
// increasing per invocation, starting at 1. Events are append-only and never
// mutated.
type Event struct {
	InvocationID string          `json:"invocation_id"`
	Seq          uint64          `json:"seq"`
	Type         Type            `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Lifecycle stages carried by TypeExecution events.
const (
	LifecycleStart     = "start"
	LifecycleResumed   = "resumed"
	LifecycleComplete  = "complete"
	LifecycleError     = "error"
	LifecycleCancelled = "cancelled"
)

type (
	// ExecutionPayload describes a lifecycle transition.
	ExecutionPayload struct {
		Lifecycle string `json:"lifecycle"`
		Procedure string `json:"procedure"`
		ErrorKind string `json:"error_kind,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	// ExecutionSummaryPayload aggregates an invocation after it terminates.
	ExecutionSummaryPayload struct {
		Status       string   `json:"status"`
		Iterations   int      `json:"iterations"`
		ToolsUsed    []string `json:"tools_used,omitempty"`
		DurationMS   int64    `json:"duration_ms"`
		InputTokens  int      `json:"input_tokens"`
		OutputTokens int      `json:"output_tokens"`
		CostUSD      float64  `json:"cost_usd"`
	}

	// AgentTurnPayload brackets one turn. Stage is "started" when the
	// provider call begins and "responded" once the turn result is final.
	AgentTurnPayload struct {
		Agent        string `json:"agent"`
		Stage        string `json:"stage"`
		Iteration    int    `json:"iteration"`
		Text         string `json:"text,omitempty"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// ToolCallPayload records one tool invocation.
	ToolCallPayload struct {
		Tool   string         `json:"tool"`
		Agent  string         `json:"agent,omitempty"`
		Args   map[string]any `json:"args,omitempty"`
		Result any            `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
	}

	// CostPayload records provider usage for one completion.
	CostPayload struct {
		Agent        string  `json:"agent"`
		Model        string  `json:"model"`
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		USD          float64 `json:"usd"`
	}

	// LogPayload is a structured log line.
	LogPayload struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
	}

	// ValidationPayload records a schema check outcome.
	ValidationPayload struct {
		Target string   `json:"target"`
		OK     bool     `json:"ok"`
		Errors []string `json:"errors,omitempty"`
	}

	// OutputPayload carries the procedure's return value.
	OutputPayload struct {
		Result any `json:"result"`
	}

	// HITLRequestPayload records an issued human request.
	HITLRequestPayload struct {
		RequestID      string         `json:"request_id"`
		Kind           string         `json:"kind"`
		Message        string         `json:"message"`
		Context        map[string]any `json:"context,omitempty"`
		TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
		Default        any            `json:"default,omitempty"`
		HasDefault     bool           `json:"has_default"`
	}

	// HITLResolvedPayload records how a human request terminated.
	HITLResolvedPayload struct {
		RequestID string `json:"request_id"`
		Mode      string `json:"mode"`
		Value     any    `json:"value,omitempty"`
	}

	// StageChangePayload records a Stage.set transition.
	StageChangePayload struct {
		From string `json:"from,omitempty"`
		To   string `json:"to"`
	}

	// CheckpointWrittenPayload records a journal write.
	CheckpointWrittenPayload struct {
		StepID string `json:"step_id"`
		Kind   string `json:"kind"`
	}

	// TestScenarioPayload brackets a BDD scenario run.
	TestScenarioPayload struct {
		Feature    string `json:"feature"`
		Scenario   string `json:"scenario"`
		Status     string `json:"status,omitempty"`
		Failed     int    `json:"failed,omitempty"`
		DurationMS int64  `json:"duration_ms,omitempty"`
	}

	// EvaluationPayload brackets an evaluation batch.
	EvaluationPayload struct {
		Scenario    string  `json:"scenario"`
		Runs        int     `json:"runs"`
		SuccessRate float64 `json:"success_rate,omitempty"`
		Consistency float64 `json:"consistency,omitempty"`
	}
)
