// Package inmem runs invocation tasks as goroutines, one per invocation.
// Task contexts derive from the parent invocation's context via
// context.WithCancelCause so cancelling a parent cancels its subtree with a
// cancelled-kind cause.
package inmem

import (
	"context"
	"sync"

	"tactus.dev/tactus/runtime/procedure/engine"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

// Engine implements engine.Engine with goroutines.
type Engine struct {
	logger telemetry.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

var _ engine.Engine = (*Engine)(nil)

// Options configures an Engine.
type Options struct {
	// Logger defaults to no-op.
	Logger telemetry.Logger
}

// New constructs an empty engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Start implements engine.Engine.
func (e *Engine) Start(parent context.Context, id string, task engine.Task) (engine.Handle, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	h := &handle{
		id:     id,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	e.mu.Lock()
	if old, dup := e.handles[id]; dup && !old.Terminal() {
		e.mu.Unlock()
		cancel(nil)
		return nil, fault.New(fault.KindInternal, "task %q already running", id)
	}
	e.handles[id] = h
	e.mu.Unlock()

	go func() {
		defer cancel(nil)
		result, err := task(ctx)
		if err == nil && ctx.Err() != nil {
			// The task returned cleanly after its context died; honor the
			// cancellation cause so waiters see a classified error.
			err = cancelError(ctx)
		}
		h.finish(result, err)
	}()
	return h, nil
}

// Get implements engine.Engine.
func (e *Engine) Get(id string) (engine.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// Shutdown implements engine.Engine.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	live := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		live = append(live, h)
	}
	e.mu.Unlock()

	cause := fault.New(fault.KindCancelled, "engine shutdown")
	for _, h := range live {
		h.Cancel(cause)
	}
	for _, h := range live {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// cancelError classifies a dead context into the fault taxonomy, preferring
// the recorded cancel cause.
func cancelError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause != nil && cause != ctx.Err() {
		return cause
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fault.Wrap(fault.KindTimeout, ctx.Err(), "task deadline")
	}
	return fault.Wrap(fault.KindCancelled, ctx.Err(), "task cancelled")
}

type handle struct {
	id     string
	done   chan struct{}
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	result any
	err    error
	final  bool
}

var _ engine.Handle = (*handle)(nil)

func (h *handle) finish(result any, err error) {
	h.mu.Lock()
	if h.final {
		h.mu.Unlock()
		return
	}
	h.result = result
	h.err = err
	h.final = true
	h.mu.Unlock()
	close(h.done)
}

// ID implements engine.Handle.
func (h *handle) ID() string { return h.id }

// Done implements engine.Handle.
func (h *handle) Done() <-chan struct{} { return h.done }

// Terminal implements engine.Handle.
func (h *handle) Terminal() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result implements engine.Handle.
func (h *handle) Result() (any, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Wait implements engine.Handle.
func (h *handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel implements engine.Handle.
func (h *handle) Cancel(cause error) {
	if cause == nil {
		cause = fault.New(fault.KindCancelled, "cancelled")
	}
	h.cancel(cause)
}

// Completed returns a pre-finished handle, used when resume encounters a
// child that already reached a terminal state.
func Completed(id string, result any, err error) engine.Handle {
	h := &handle{
		id:     id,
		done:   make(chan struct{}),
		cancel: func(error) {},
	}
	h.finish(result, err)
	return h
}
