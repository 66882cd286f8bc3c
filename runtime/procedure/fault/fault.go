// Package fault defines the error taxonomy shared by every procedure
// primitive. Each error carries a Kind drawn from a closed set; the script
// bridge surfaces the kind to Lua as the `kind` field of a catchable error
// table, and the BDD harness and CLI report it verbatim.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a runtime error. The set is closed: primitives map every
// failure onto one of these values before it crosses the script boundary.
type Kind string

const (
	// KindValidation reports inputs that violate a declared parameter schema
	// or a primitive's argument constraints.
	KindValidation Kind = "validation"
	// KindTool reports a failed tool invocation. Tool faults are surfaced
	// into the calling agent's session so the model can react to them.
	KindTool Kind = "tool"
	// KindProviderRetryable reports a transient LLM provider failure. The
	// agent primitive retries these within its backoff budget.
	KindProviderRetryable Kind = "provider_retryable"
	// KindProviderFatal reports a permanent LLM provider failure.
	KindProviderFatal Kind = "provider_fatal"
	// KindTimeout reports a wall-clock limit hit (HITL wait, Procedure.wait).
	KindTimeout Kind = "timeout"
	// KindCancelled reports cooperative cancellation, externally requested
	// or propagated from a cancelled parent invocation.
	KindCancelled Kind = "cancelled"
	// KindCheckpointConflict reports a journalled value whose shape or order
	// disagrees with the current procedure code on resume.
	KindCheckpointConflict Kind = "checkpoint_conflict"
	// KindInternal reports an invariant violation. Internal faults are fatal:
	// the invocation transitions to failed.
	KindInternal Kind = "internal"
)

// Error is a classified runtime error. Detail carries structured context
// (child invocation ids, step ids, tool names) that survives the trip through
// the script boundary and into event payloads.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`

	cause error
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause for
// errors.Is/As chains. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = err.Error()
	} else {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Message: msg, cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns e with the key/value pair recorded in Detail. The
// receiver is returned to allow chaining at construction sites.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// As walks err's chain and returns the first *Error found.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf reports the kind of err. Unclassified errors are internal faults;
// context cancellation and deadline errors map to their taxonomy kinds so
// callers do not need to special-case the context package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried by the agent turn loop.
func Retryable(err error) bool {
	return Is(err, KindProviderRetryable)
}
