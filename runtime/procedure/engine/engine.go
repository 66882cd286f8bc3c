// Package engine defines the execution engine contract: each invocation runs
// as one task with a handle for waiting, polling, and cancellation. The inmem
// subpackage runs tasks as goroutines; the contract leaves room for engines
// that distribute tasks across processes.
package engine

import "context"

type (
	// Task is the body of one invocation. It receives a context derived from
	// its parent invocation (or the engine root for top-level starts) so
	// cancellation cascades down the invocation tree.
	Task func(ctx context.Context) (any, error)

	// Handle tracks one running task.
	Handle interface {
		// ID returns the task id (the invocation id).
		ID() string
		// Done closes when the task reaches a terminal state.
		Done() <-chan struct{}
		// Terminal reports whether the task has finished.
		Terminal() bool
		// Result returns the task outcome. It blocks until Done.
		Result() (any, error)
		// Wait blocks until the task finishes or ctx is done. The ctx error
		// is returned without affecting the task.
		Wait(ctx context.Context) (any, error)
		// Cancel requests cooperative cancellation with the given cause.
		// Cancelling a terminal task is a no-op.
		Cancel(cause error)
	}

	// Engine starts and tracks tasks.
	Engine interface {
		// Start launches a task whose context derives from parent. A live
		// duplicate id is an error; a terminal one is replaced, which is how
		// resume relaunches an invocation under its original id.
		Start(parent context.Context, id string, task Task) (Handle, error)
		// Get returns the handle for a live or finished task.
		Get(id string) (Handle, bool)
		// Shutdown cancels every live task and waits for them to finish or
		// for ctx to expire.
		Shutdown(ctx context.Context) error
	}
)
