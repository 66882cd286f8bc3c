// Package disk provides a file-backed storage backend. Each invocation owns
// one directory under the root:
//
//	<root>/<id>/record.json        current invocation record
//	<root>/<id>/events.ndjson      append-only event history
//	<root>/<id>/checkpoints.ndjson append-only journal entries
//
// Records are written atomically via rename; the ndjson files are
// append-only so a crash mid-write loses at most the trailing line.
package disk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/storage"
)

const (
	recordFile      = "record.json"
	eventsFile      = "events.ndjson"
	checkpointsFile = "checkpoints.ndjson"
)

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root string
	mu   sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// New creates the root directory if needed and returns the backend.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the backing directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(id string) string {
	// Invocation ids are UUIDs, but sanitize anyway so a hostile id cannot
	// escape the root.
	return filepath.Join(s.root, filepath.Base(id))
}

// SaveInvocation implements storage.Backend.
func (s *Store) SaveInvocation(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create invocation dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := filepath.Join(dir, recordFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, recordFile))
}

// LoadInvocation implements storage.Backend.
func (s *Store) LoadInvocation(_ context.Context, id string) (storage.Record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), recordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("read record: %w", err)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// ListInvocations implements storage.Backend.
func (s *Store) ListInvocations(ctx context.Context) ([]storage.Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	var out []storage.Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.LoadInvocation(ctx, e.Name())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
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
	dir := s.dir(id)
	if _, err := os.Stat(filepath.Join(dir, recordFile)); errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	return os.RemoveAll(dir)
}

// AppendEvent implements storage.Backend.
func (s *Store) AppendEvent(_ context.Context, id string, ev eventlog.Event) error {
	return s.appendLine(id, eventsFile, ev)
}

// ReadEvents implements storage.Backend.
func (s *Store) ReadEvents(_ context.Context, id string, sinceSeq uint64) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := s.readLines(id, eventsFile, func(line []byte) error {
		var ev eventlog.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// WriteCheckpoint implements storage.Backend.
func (s *Store) WriteCheckpoint(_ context.Context, id string, entry journal.Entry) error {
	return s.appendLine(id, checkpointsFile, entry)
}

// ReadCheckpoint implements storage.Backend.
func (s *Store) ReadCheckpoint(ctx context.Context, id string, stepID string) (journal.Entry, error) {
	entries, err := s.ListCheckpoints(ctx, id)
	if err != nil {
		return journal.Entry{}, err
	}
	for _, e := range entries {
		if e.StepID == stepID {
			return e, nil
		}
	}
	return journal.Entry{}, storage.ErrNotFound
}

// ListCheckpoints implements storage.Backend.
func (s *Store) ListCheckpoints(_ context.Context, id string) ([]journal.Entry, error) {
	var out []journal.Entry
	err := s.readLines(id, checkpointsFile, func(line []byte) error {
		var e journal.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements storage.Backend.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) appendLine(id, file string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create invocation dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", file, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", file, err)
	}
	return f.Sync()
}

func (s *Store) readLines(id, file string, fn func(line []byte) error) error {
	f, err := os.Open(filepath.Join(s.dir(id), file))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}
