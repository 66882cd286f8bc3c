// Package journal implements the checkpoint journal that makes procedure
// invocations resumable. Every journallable primitive derives a deterministic
// step id from its call site, consults the journal before performing its
// effect, and writes the outcome after. On resume the journal is seeded with
// the persisted entries and each repeated step id returns the stored value
// without re-executing the effect.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"tactus.dev/tactus/runtime/procedure/fault"
)

type (
	// Entry is one journalled step outcome. Value holds the canonical JSON
	// encoding of the primitive's result; Kind names the primitive family so
	// a resumed script that diverges onto a different primitive at the same
	// step id is detected as a conflict rather than silently mis-decoded.
	Entry struct {
		StepID    string          `json:"step_id"`
		Kind      string          `json:"kind"`
		Value     json.RawMessage `json:"value,omitempty"`
		WrittenAt time.Time       `json:"written_at"`
	}

	// Options configures a Journal.
	Options struct {
		// Persist writes an entry durably, typically
		// storage.Backend.WriteCheckpoint bound to the invocation. Persist
		// failures ARE fatal: a journal that cannot write cannot guarantee
		// at-most-once re-execution.
		Persist func(ctx context.Context, e Entry) error
		// OnWrite is invoked after a successful write; the runtime uses it to
		// emit checkpoint_written events and count metrics.
		OnWrite func(ctx context.Context, e Entry)
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Journal is the per-invocation checkpoint journal. It is monotonic: a
	// step id holds at most one value and the value never changes. The
	// per-call-site ordinal counters reset with each execution of the script,
	// so a deterministic script derives identical step ids run-to-run.
	Journal struct {
		invocationID string
		persist      func(ctx context.Context, e Entry) error
		onWrite      func(ctx context.Context, e Entry)
		clock        func() time.Time

		mu       sync.Mutex
		entries  map[string]*record
		order    []string
		ordinals map[string]int
		pending  int
	}

	record struct {
		entry    Entry
		loaded   bool
		replayed bool
	}
)

// New constructs an empty journal for a fresh invocation.
func New(invocationID string, opts Options) *Journal {
	return newJournal(invocationID, nil, opts)
}

// Load constructs a journal seeded with previously persisted entries. Every
// loaded entry is pending until the resumed script replays it; a cache miss
// while loaded entries remain pending is a checkpoint conflict (the resumed
// code path diverged from the original run).
func Load(invocationID string, entries []Entry, opts Options) *Journal {
	return newJournal(invocationID, entries, opts)
}

func newJournal(invocationID string, loaded []Entry, opts Options) *Journal {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	j := &Journal{
		invocationID: invocationID,
		persist:      opts.Persist,
		onWrite:      opts.OnWrite,
		clock:        clock,
		entries:      make(map[string]*record, len(loaded)),
		ordinals:     make(map[string]int),
	}
	for _, e := range loaded {
		if _, dup := j.entries[e.StepID]; dup {
			continue
		}
		j.entries[e.StepID] = &record{entry: e, loaded: true}
		j.order = append(j.order, e.StepID)
		j.pending++
	}
	return j
}

// InvocationID returns the owning invocation id.
func (j *Journal) InvocationID() string { return j.invocationID }

// StepID derives the deterministic id for the next use of callsite, of the
// form "<callsite>:<ordinal>". Ordinals start at 1 and count per call site
// within one execution of the script.
func (j *Journal) StepID(callsite string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ordinals[callsite]++
	return fmt.Sprintf("%s:%d", callsite, j.ordinals[callsite])
}

// Has reports whether stepID holds a journalled value.
func (j *Journal) Has(stepID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.entries[stepID]
	return ok
}

// Lookup returns the entry journalled under stepID, if any. Lookup does not
// mark the entry replayed.
func (j *Journal) Lookup(stepID string) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[stepID]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// Pending reports how many loaded entries the resumed script has not yet
// replayed. Zero on fresh invocations and after a complete replay.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending
}

// Len reports the number of journalled steps.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Entries returns every journalled entry in write (load) order.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.entries[id].entry)
	}
	return out
}

// PendingSteps returns the ids of loaded entries not yet replayed, sorted.
// Used in conflict diagnostics.
func (j *Journal) PendingSteps() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for id, rec := range j.entries {
		if rec.loaded && !rec.replayed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// hit marks stepID replayed and returns its entry. Second return reports
// whether the id was journalled at all.
func (j *Journal) hit(stepID, kind string) (Entry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[stepID]
	if !ok {
		if j.pending > 0 {
			return Entry{}, false, fault.New(fault.KindCheckpointConflict,
				"step %q is not journalled but %d journalled steps have not replayed; the resumed code path diverged",
				stepID, j.pending).WithDetail("step_id", stepID)
		}
		return Entry{}, false, nil
	}
	if rec.entry.Kind != kind {
		return Entry{}, false, fault.New(fault.KindCheckpointConflict,
			"step %q was journalled as %q but is now executed as %q", stepID, rec.entry.Kind, kind).
			WithDetail("step_id", stepID)
	}
	if !rec.replayed {
		rec.replayed = true
		if rec.loaded {
			j.pending--
		}
	}
	return rec.entry, true, nil
}

// write journals the value under stepID, persists it, and notifies OnWrite.
func (j *Journal) write(ctx context.Context, stepID, kind string, value json.RawMessage) error {
	e := Entry{StepID: stepID, Kind: kind, Value: value, WrittenAt: j.clock().UTC()}

	j.mu.Lock()
	if _, dup := j.entries[stepID]; dup {
		j.mu.Unlock()
		return fault.New(fault.KindInternal, "step %q journalled twice", stepID)
	}
	j.entries[stepID] = &record{entry: e, replayed: true}
	j.order = append(j.order, stepID)
	j.mu.Unlock()

	if j.persist != nil {
		if err := j.persist(ctx, e); err != nil {
			return fault.Wrap(fault.KindInternal, err, "persist checkpoint %s", stepID)
		}
	}
	if j.onWrite != nil {
		j.onWrite(ctx, e)
	}
	return nil
}

// Step is the read-through protocol shared by every journallable primitive.
// On a journal hit it decodes the stored value into T without running fn; on
// a miss it runs fn, journals the result, and returns it. The second return
// reports whether the value was replayed from the journal, letting callers
// suppress event emission and side effects that must happen at most once.
//
// fn errors are returned unjournalled, so the step re-executes on the next
// attempt. A stored value that does not decode into T is a checkpoint
// conflict: the procedure code changed shape under a live invocation.
func Step[T any](ctx context.Context, j *Journal, stepID, kind string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	entry, ok, err := j.hit(stepID, kind)
	if err != nil {
		return zero, false, err
	}
	if ok {
		var val T
		if len(entry.Value) > 0 {
			if err := json.Unmarshal(entry.Value, &val); err != nil {
				return zero, false, fault.Wrap(fault.KindCheckpointConflict, err,
					"journalled value for step %q does not match the current code", stepID)
			}
		}
		return val, true, nil
	}

	val, err := fn(ctx)
	if err != nil {
		return zero, false, err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return zero, false, fault.Wrap(fault.KindInternal, err, "marshal step %q value", stepID)
	}
	if err := j.write(ctx, stepID, kind, data); err != nil {
		return zero, false, err
	}
	return val, false, nil
}
