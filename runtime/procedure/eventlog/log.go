package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

type (
	// Sink receives every event appended to a log. Sinks bridge the event
	// stream to external systems (Pulse streams, stdout printers). Send
	// errors are logged and do not fail the append.
	Sink interface {
		Send(ctx context.Context, ev Event) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, ev Event) error

	// Options configures a Log.
	Options struct {
		// Mirror persists each event durably, typically
		// storage.Backend.AppendEvent bound to the invocation. Mirror
		// failures are non-fatal: they are logged and counted, never raised
		// into the procedure.
		Mirror func(ctx context.Context, ev Event) error
		// Sinks receive every appended event after the mirror.
		Sinks []Sink
		// StartSeq seeds the sequence counter; a resumed invocation passes
		// the last persisted sequence number so numbering stays dense.
		StartSeq uint64
		// Buffer is the per-subscriber channel capacity. Defaults to 256.
		// A subscriber that falls further behind misses events and must
		// re-read them from storage.
		Buffer int
		// Clock overrides time.Now, letting tests pin timestamps.
		Clock func() time.Time
		// Logger reports mirror and sink failures. Defaults to no-op.
		Logger telemetry.Logger
	}

	// Log is the append-only event stream of one invocation. Sequence
	// numbers are dense and strictly increasing starting at 1. The log keeps
	// an in-memory snapshot for queries and subscribers; durability is the
	// mirror's job.
	Log struct {
		invocationID string
		mirror       func(ctx context.Context, ev Event) error
		sinks        []Sink
		buffer       int
		clock        func() time.Time
		logger       telemetry.Logger

		mu     sync.Mutex
		seq    uint64
		events []Event
		subs   map[*subscriber]struct{}
		sealed bool
		closed bool
	}

	subscriber struct {
		ch   chan Event
		once sync.Once
	}
)

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// New constructs the event log for an invocation.
func New(invocationID string, opts Options) *Log {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Log{
		invocationID: invocationID,
		mirror:       opts.Mirror,
		sinks:        opts.Sinks,
		buffer:       buffer,
		clock:        clock,
		logger:       logger,
		seq:          opts.StartSeq,
		subs:         make(map[*subscriber]struct{}),
	}
}

// InvocationID returns the owning invocation id.
func (l *Log) InvocationID() string { return l.invocationID }

// Append records an event of the given type. The payload is marshalled to
// JSON; nil payloads are allowed. Appending to a sealed log returns an
// internal fault and records nothing.
func (l *Log) Append(ctx context.Context, typ Type, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fault.Wrap(fault.KindInternal, err, "marshal %s payload", typ)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return Event{}, fault.New(fault.KindInternal, "event log for %s is sealed", l.invocationID)
	}
	l.seq++
	ev := Event{
		InvocationID: l.invocationID,
		Seq:          l.seq,
		Type:         typ,
		Timestamp:    l.clock().UTC(),
		Payload:      raw,
	}
	l.events = append(l.events, ev)

	if l.mirror != nil {
		if err := l.mirror(ctx, ev); err != nil {
			l.logger.Warn(ctx, "event mirror failed", "invocation_id", l.invocationID, "seq", ev.Seq, "err", err)
		}
	}
	for _, s := range l.sinks {
		if err := s.Send(ctx, ev); err != nil {
			l.logger.Warn(ctx, "event sink failed", "invocation_id", l.invocationID, "seq", ev.Seq, "err", err)
		}
	}
	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up; it can re-read from storage.
		}
	}
	return ev, nil
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Since returns the events with sequence numbers strictly greater than seq,
// in order. Since(0) returns everything held in memory.
func (l *Log) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Snapshot returns a copy of every event held in memory.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscribe returns a channel primed with the backlog after seq followed by
// live events, plus a cancel function. The channel closes on cancel or when
// the log closes.
func (l *Log) Subscribe(since uint64) (<-chan Event, func()) {
	l.mu.Lock()
	var backlog []Event
	for _, ev := range l.events {
		if ev.Seq > since {
			backlog = append(backlog, ev)
		}
	}
	sub := &subscriber{ch: make(chan Event, l.buffer+len(backlog))}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	if l.closed {
		l.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Seal rejects further appends. The runtime seals the log after the terminal
// lifecycle events; a resumed invocation constructs a fresh log seeded with
// the persisted sequence watermark.
func (l *Log) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// Sealed reports whether the log rejects appends.
func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Close seals the log and closes every subscriber channel.
func (l *Log) Close() {
	l.mu.Lock()
	l.sealed = true
	l.closed = true
	subs := make([]*subscriber, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.subs = make(map[*subscriber]struct{})
	l.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}
