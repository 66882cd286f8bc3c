package hitl

import (
	"context"
	"strings"
)

// AutoApprove answers every request positively: approvals resolve true,
// inputs resolve to their default (or empty string), reviews resolve to
// {"approved": true}. The BDD harness uses this as the mock-mode default.
func AutoApprove() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (Response, error) {
		switch req.Kind {
		case KindApprove:
			return Response{Value: true}, nil
		case KindInput:
			if req.HasDefault {
				return Response{Value: req.Default}, nil
			}
			return Response{Value: ""}, nil
		default:
			return Response{Value: map[string]any{"approved": true}}, nil
		}
	})
}

// AutoReject answers every request negatively.
func AutoReject() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (Response, error) {
		switch req.Kind {
		case KindApprove:
			return Response{Value: false}, nil
		case KindInput:
			return Response{Value: ""}, nil
		default:
			return Response{Value: map[string]any{"approved": false}}, nil
		}
	})
}

// Scripted answers requests from a fixed table. Keys are tried in order
// against the request id, the request message, and the kind; the first match
// wins. Unmatched requests block like Silent so timeout semantics apply.
func Scripted(values map[string]any) Handler {
	silent := Silent()
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		if v, ok := values[req.ID]; ok {
			return Response{Value: v}, nil
		}
		for key, v := range values {
			if strings.HasPrefix(req.ID, key) {
				return Response{Value: v}, nil
			}
		}
		if v, ok := values[req.Message]; ok {
			return Response{Value: v}, nil
		}
		if v, ok := values[string(req.Kind)]; ok {
			return Response{Value: v}, nil
		}
		return silent.Request(ctx, req)
	})
}

// Silent never answers. Requests resolve only through their timeout or the
// invocation being cancelled, which makes it the deterministic choice for
// exercising timeout defaults.
func Silent() Handler {
	return HandlerFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			return Response{TimedOut: true}, nil
		}
		return Response{}, ctx.Err()
	})
}
