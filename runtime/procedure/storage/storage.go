// Package storage defines the persistence contract for procedure
// invocations: the invocation record, its append-only event history, and its
// checkpoint journal entries. Backends range from the in-memory default to
// disk, Redis, and MongoDB; the runtime treats them uniformly and resume
// works against any of them.
package storage

import (
	"context"
	"errors"
	"time"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
)

// ErrNotFound is returned when the requested invocation, event range, or
// checkpoint does not exist.
var ErrNotFound = errors.New("storage: not found")

// Status is the persisted lifecycle state of an invocation.
type Status string

const (
	StatusRunning      Status = "running"
	StatusWaitingHuman Status = "waiting_human"
	StatusWaitingChild Status = "waiting_child"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal invocations never
// transition again and their event logs are sealed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the durable snapshot of one invocation. The runtime persists it
// at start, at every waiting transition, and at terminal status; Result and
// State are canonical JSON shapes so byte-identical replays store
// byte-identical records.
type Record struct {
	ID         string         `json:"id"`
	Procedure  string         `json:"procedure"`
	Version    string         `json:"version,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Status     Status         `json:"status"`
	Stage      string         `json:"stage,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Result     any            `json:"result,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Iterations int            `json:"iterations"`
	EventSeq   uint64         `json:"event_seq"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Backend persists invocation records, events, and checkpoints. All methods
// are safe for concurrent use. Deleting an invocation removes its events and
// checkpoints with it; neither outlives the owning record.
type Backend interface {
	// SaveInvocation inserts or replaces the record.
	SaveInvocation(ctx context.Context, rec Record) error
	// LoadInvocation returns the record or ErrNotFound.
	LoadInvocation(ctx context.Context, id string) (Record, error)
	// ListInvocations returns every record, newest first.
	ListInvocations(ctx context.Context) ([]Record, error)
	// DeleteInvocation removes the record, its events, and its checkpoints.
	DeleteInvocation(ctx context.Context, id string) error

	// AppendEvent stores one event of the invocation's log.
	AppendEvent(ctx context.Context, id string, ev eventlog.Event) error
	// ReadEvents returns events with Seq strictly greater than sinceSeq, in
	// sequence order. An unknown invocation yields an empty slice.
	ReadEvents(ctx context.Context, id string, sinceSeq uint64) ([]eventlog.Event, error)

	// WriteCheckpoint stores one journal entry.
	WriteCheckpoint(ctx context.Context, id string, entry journal.Entry) error
	// ReadCheckpoint returns the entry for stepID or ErrNotFound.
	ReadCheckpoint(ctx context.Context, id string, stepID string) (journal.Entry, error)
	// ListCheckpoints returns every journal entry in write order.
	ListCheckpoints(ctx context.Context, id string) ([]journal.Entry, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// LastEventSeq returns the highest sequence number persisted for id, used to
// seed a resumed invocation's event log so numbering stays dense.
func LastEventSeq(ctx context.Context, b Backend, id string) (uint64, error) {
	events, err := b.ReadEvents(ctx, id, 0)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, ev := range events {
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}
