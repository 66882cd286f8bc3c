// Package inmem provides the default storage backend: process-local maps with
// the same contract as the durable backends. Invocations stored here do not
// survive the process, which suits tests, the BDD harness, and one-shot CLI
// runs.
package inmem

import (
	"context"
	"sort"
	"sync"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/storage"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu          sync.RWMutex
	records     map[string]storage.Record
	events      map[string][]eventlog.Event
	checkpoints map[string][]journal.Entry
}

var _ storage.Backend = (*Store)(nil)

// New returns an empty backend.
func New() *Store {
	return &Store{
		records:     make(map[string]storage.Record),
		events:      make(map[string][]eventlog.Event),
		checkpoints: make(map[string][]journal.Entry),
	}
}

// SaveInvocation implements storage.Backend.
func (s *Store) SaveInvocation(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// LoadInvocation implements storage.Backend.
func (s *Store) LoadInvocation(_ context.Context, id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListInvocations implements storage.Backend.
func (s *Store) ListInvocations(_ context.Context) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteInvocation implements storage.Backend.
func (s *Store) DeleteInvocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.records, id)
	delete(s.events, id)
	delete(s.checkpoints, id)
	return nil
}

// AppendEvent implements storage.Backend.
func (s *Store) AppendEvent(_ context.Context, id string, ev eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = append(s.events[id], ev)
	return nil
}

// ReadEvents implements storage.Backend.
func (s *Store) ReadEvents(_ context.Context, id string, sinceSeq uint64) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []eventlog.Event
	for _, ev := range s.events[id] {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// WriteCheckpoint implements storage.Backend.
func (s *Store) WriteCheckpoint(_ context.Context, id string, entry journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[id] = append(s.checkpoints[id], entry)
	return nil
}

// ReadCheckpoint implements storage.Backend.
func (s *Store) ReadCheckpoint(_ context.Context, id string, stepID string) (journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.checkpoints[id] {
		if e.StepID == stepID {
			return e, nil
		}
	}
	return journal.Entry{}, storage.ErrNotFound
}

// ListCheckpoints implements storage.Backend.
func (s *Store) ListCheckpoints(_ context.Context, id string) ([]journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.checkpoints[id]
	out := make([]journal.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Close implements storage.Backend.
func (s *Store) Close(context.Context) error { return nil }
