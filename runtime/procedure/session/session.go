// Package session holds per-agent conversation histories. Each message
// carries a visibility class so UI surfaces and context filters can treat
// internal reasoning, chat output, and pending human requests differently.
// Histories are plain JSON shapes: Session.save_to round-trips them through
// the invocation state store losslessly.
package session

import "sync"

// Visibility classifies who a message is for.
type Visibility string

const (
	// VisibilityInternal marks messages that only the runtime and model see.
	VisibilityInternal Visibility = "INTERNAL"
	// VisibilityChat marks messages shown in conversational UIs.
	VisibilityChat Visibility = "CHAT"
	// VisibilityNotification marks one-way notices to the user.
	VisibilityNotification Visibility = "NOTIFICATION"
	// VisibilityPendingApproval, VisibilityPendingInput, and
	// VisibilityPendingReview mark in-flight human-in-the-loop requests.
	VisibilityPendingApproval Visibility = "PENDING_APPROVAL"
	VisibilityPendingInput    Visibility = "PENDING_INPUT"
	VisibilityPendingReview   Visibility = "PENDING_REVIEW"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested tool invocation carried on an assistant
// message.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry of a conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// History is the mutable conversation of one agent within one invocation.
// The mutex guards against observers (IDE session views, status queries)
// racing the invocation's own task.
type History struct {
	agent string

	mu   sync.Mutex
	msgs []Message
}

// NewHistory returns an empty history for the named agent.
func NewHistory(agent string) *History {
	return &History{agent: agent}
}

// Agent returns the owning agent name.
func (h *History) Agent() string { return h.agent }

// Append adds messages to the history. Messages without a visibility class
// default to INTERNAL.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.Visibility == "" {
			m.Visibility = VisibilityInternal
		}
		h.msgs = append(h.msgs, m)
	}
}

// InjectSystem appends a system message, the mechanism behind
// Session.inject_system.
func (h *History) InjectSystem(text string) {
	h.Append(Message{Role: RoleSystem, Content: text, Visibility: VisibilityInternal})
}

// Messages returns a copy of the history in order.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear empties the history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}

// Restore replaces the history wholesale, the mechanism behind
// Session.load_from.
func (h *History) Restore(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = make([]Message, len(msgs))
	copy(h.msgs, msgs)
}
