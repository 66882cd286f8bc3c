// Package hitl implements the human-in-the-loop gateway. Scripts block on
// Human.approve / Human.input / Human.review; the gateway issues a request
// through the configured Handler, journals both the issuance and the outcome
// so resume never asks twice, and emits hitl_request / hitl_resolved events.
// Request ids are step ids and therefore deterministic across resume.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/state"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

// Kind is the request flavor.
type Kind string

const (
	// KindApprove asks for a yes/no decision; resolves to a bool.
	KindApprove Kind = "approve"
	// KindInput asks for free-form text; resolves to a string.
	KindInput Kind = "input"
	// KindReview asks for structured feedback; resolves to any JSON value.
	KindReview Kind = "review"
)

type (
	// Request is one pending human decision.
	Request struct {
		// ID is the journal step id, stable across resume.
		ID           string
		InvocationID string
		Kind         Kind
		Message      string
		Context      map[string]any
		// Timeout of zero waits indefinitely.
		Timeout    time.Duration
		Default    any
		HasDefault bool
	}

	// Response is a handler's answer.
	Response struct {
		Value     any
		TimedOut  bool
		Cancelled bool
	}

	// Handler produces responses to requests. The context carries the
	// request timeout as a deadline; handlers blocked past it should return
	// the context error and let the gateway classify it.
	Handler interface {
		Request(ctx context.Context, req Request) (Response, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, req Request) (Response, error)

	// Ask carries the script-side arguments of one request.
	Ask struct {
		// Callsite anchors the journal step id, e.g. "human.approve:12".
		Callsite   string
		Message    string
		Context    map[string]any
		Timeout    time.Duration
		Default    any
		HasDefault bool
	}

	// Options configures a Gateway.
	Options struct {
		Handler Handler
		Journal *journal.Journal
		Log     *eventlog.Log
		// OnWaiting flips the invocation's waiting_human status on and off
		// around the blocking wait. Errors are logged, not raised.
		OnWaiting func(ctx context.Context, waiting bool) error
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Gateway mediates between scripts and the Handler.
	Gateway struct {
		handler   Handler
		journal   *journal.Journal
		log       *eventlog.Log
		onWaiting func(ctx context.Context, waiting bool) error
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// resolution is the journalled outcome of one request.
	resolution struct {
		Mode  string `json:"mode"`
		Value any    `json:"value"`
	}
)

// Request implements Handler.
func (f HandlerFunc) Request(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

const (
	modeResolved = "resolved"
	modeTimedOut = "timed_out"
)

// NewGateway constructs a gateway. A nil handler behaves like Silent:
// requests resolve only through timeouts or cancellation.
func NewGateway(opts Options) *Gateway {
	handler := opts.Handler
	if handler == nil {
		handler = Silent()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Gateway{
		handler:   handler,
		journal:   opts.Journal,
		log:       opts.Log,
		onWaiting: opts.OnWaiting,
		logger:    logger,
		metrics:   metrics,
	}
}

// Approve asks for a yes/no decision.
func (g *Gateway) Approve(ctx context.Context, ask Ask) (bool, error) {
	val, err := g.request(ctx, KindApprove, ask)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok && val != nil {
		return false, fault.New(fault.KindValidation, "approve resolved to %T, want bool", val)
	}
	return b, nil
}

// Input asks for free-form text.
func (g *Gateway) Input(ctx context.Context, ask Ask) (string, error) {
	val, err := g.request(ctx, KindInput, ask)
	if err != nil {
		return "", err
	}
	switch v := val.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// Review asks for structured feedback and resolves to any JSON value.
func (g *Gateway) Review(ctx context.Context, ask Ask) (any, error) {
	return g.request(ctx, KindReview, ask)
}

func (g *Gateway) request(ctx context.Context, kind Kind, ask Ask) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, err, "human.%s", kind)
	}

	callsite := ask.Callsite
	if callsite == "" {
		callsite = "human." + string(kind)
	}
	stepID := g.journal.StepID(callsite)
	req := Request{
		ID:           stepID,
		InvocationID: g.journal.InvocationID(),
		Kind:         kind,
		Message:      ask.Message,
		Context:      ask.Context,
		Timeout:      ask.Timeout,
		Default:      ask.Default,
		HasDefault:   ask.HasDefault,
	}

	// Issuance journals separately from the outcome so a crash between the
	// two re-arms the wait on resume without re-emitting hitl_request.
	_, _, err := journal.Step(ctx, g.journal, stepID+":request", "hitl_request", func(ctx context.Context) (bool, error) {
		if g.log != nil {
			if _, aerr := g.log.Append(ctx, eventlog.TypeHITLRequest, eventlog.HITLRequestPayload{
				RequestID:      req.ID,
				Kind:           string(kind),
				Message:        req.Message,
				Context:        req.Context,
				TimeoutSeconds: req.Timeout.Seconds(),
				Default:        req.Default,
				HasDefault:     req.HasDefault,
			}); aerr != nil {
				g.logger.Warn(ctx, "hitl_request event append failed", "request_id", req.ID, "err", aerr)
			}
		}
		g.metrics.IncCounter(telemetry.MetricHITLRequests, 1, "kind", string(kind))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out, replayed, err := journal.Step(ctx, g.journal, stepID, "hitl", func(ctx context.Context) (resolution, error) {
		return g.await(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	switch out.Mode {
	case modeResolved:
		if !replayed && g.log != nil {
			if _, aerr := g.log.Append(ctx, eventlog.TypeHITLResolved, eventlog.HITLResolvedPayload{
				RequestID: req.ID,
				Mode:      modeResolved,
				Value:     out.Value,
			}); aerr != nil {
				g.logger.Warn(ctx, "hitl_resolved event append failed", "request_id", req.ID, "err", aerr)
			}
		}
		return out.Value, nil
	case modeTimedOut:
		if req.HasDefault {
			norm, nerr := state.Normalize(req.Default)
			if nerr != nil {
				return nil, nerr
			}
			return norm, nil
		}
		return nil, fault.New(fault.KindTimeout, "human %s request %q timed out after %s", kind, req.Message, req.Timeout).
			WithDetail("request_id", req.ID)
	default:
		return nil, fault.New(fault.KindInternal, "unknown hitl resolution mode %q", out.Mode)
	}
}

// await blocks on the handler, marking the invocation waiting_human for the
// duration. Cancellation is returned as an error and never journalled, so a
// resumed invocation re-arms the wait.
func (g *Gateway) await(ctx context.Context, req Request) (resolution, error) {
	g.setWaiting(ctx, true)
	defer g.setWaiting(ctx, false)

	hctx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := g.handler.Request(hctx, req)
	switch {
	case err == nil && resp.Cancelled:
		return resolution{}, fault.New(fault.KindCancelled, "human %s request %q cancelled", req.Kind, req.Message)
	case err == nil && resp.TimedOut:
		return resolution{Mode: modeTimedOut}, nil
	case err == nil:
		norm, nerr := state.Normalize(resp.Value)
		if nerr != nil {
			return resolution{}, nerr
		}
		return resolution{Mode: modeResolved, Value: norm}, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Our request timer fired while the invocation itself is healthy.
		return resolution{Mode: modeTimedOut}, nil
	case ctx.Err() != nil:
		return resolution{}, fault.Wrap(fault.KindCancelled, ctx.Err(), "human %s request %q", req.Kind, req.Message)
	default:
		return resolution{}, fault.Wrap(fault.KindInternal, err, "hitl handler")
	}
}

func (g *Gateway) setWaiting(ctx context.Context, waiting bool) {
	if g.onWaiting == nil {
		return
	}
	if err := g.onWaiting(ctx, waiting); err != nil {
		g.logger.Warn(ctx, "waiting_human transition failed", "waiting", waiting, "err", err)
	}
}
