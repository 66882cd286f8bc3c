package tools

import (
	"context"
	"fmt"
	"sync"
)

// DoneTool returns the built-in done tool. Agents call it to signal the
// iteration loop should stop; the reason lands in the call record and becomes
// the invocation's stop reason.
func DoneTool() Tool {
	return Tool{
		Name:        "done",
		Description: "Signal that the task is complete. Call this when there is nothing left to do.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short explanation of why the task is complete.",
				},
			},
		},
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
}

// TodoItem is one entry of the built-in todo list.
type TodoItem struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TodoList is the per-invocation store behind the todo tool.
type TodoList struct {
	mu    sync.Mutex
	next  int
	items []TodoItem
}

// NewTodoList returns an empty list.
func NewTodoList() *TodoList {
	return &TodoList{next: 1}
}

// Items returns a copy of the list.
func (l *TodoList) Items() []TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TodoItem, len(l.items))
	copy(out, l.items)
	return out
}

func (l *TodoList) add(text string) TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := TodoItem{ID: l.next, Text: text}
	l.next++
	l.items = append(l.items, item)
	return item
}

func (l *TodoList) complete(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Done = true
			return true
		}
	}
	return false
}

// TodoTool returns the built-in todo tool bound to list. Actions: add
// (requires text), complete (requires id), list. Every action returns the
// current items.
func TodoTool(list *TodoList) Tool {
	return Tool{
		Name:        "todo",
		Description: "Manage a scratch todo list. Actions: add, complete, list.",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"action"},
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []any{"add", "complete", "list"},
				},
				"text": map[string]any{"type": "string"},
				"id":   map[string]any{"type": "number"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			action, _ := args["action"].(string)
			switch action {
			case "add":
				text, _ := args["text"].(string)
				if text == "" {
					return nil, fmt.Errorf("todo add requires text")
				}
				list.add(text)
			case "complete":
				id, ok := args["id"].(float64)
				if !ok {
					return nil, fmt.Errorf("todo complete requires id")
				}
				if !list.complete(int(id)) {
					return nil, fmt.Errorf("todo item %d not found", int(id))
				}
			case "list":
			default:
				return nil, fmt.Errorf("unknown todo action %q", action)
			}
			return map[string]any{"items": list.Items()}, nil
		},
	}
}

// Builtins returns the standard tool set registered for every invocation.
func Builtins(todo *TodoList) []Tool {
	return []Tool{DoneTool(), TodoTool(todo)}
}
