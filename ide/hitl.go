package ide

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
)

// ErrNoPending reports a resolution aimed at a request that is not waiting:
// unknown, already answered, or expired.
var ErrNoPending = errors.New("no pending request")

type (
	// HITL is the bridge's human gateway. Requests park in a pending table
	// until an HTTP call resolves them or their context expires. It
	// implements hitl.Handler.
	HITL struct {
		mu      sync.Mutex
		pending map[string]map[string]*pendingRequest
	}

	pendingRequest struct {
		req      hitl.Request
		resolved chan hitl.Response
	}

	hitlResolveRequest struct {
		// Value answers the request: a boolean for approvals, the entered
		// value for inputs, the verdict for reviews.
		Value any `json:"value"`
	}

	hitlResolveResponse struct {
		InvocationID string `json:"invocation_id"`
		RequestID    string `json:"request_id"`
		Resolved     bool   `json:"resolved"`
	}

	hitlPendingResponse struct {
		InvocationID string        `json:"invocation_id"`
		Pending      []hitlPending `json:"pending"`
	}

	hitlPending struct {
		RequestID string         `json:"request_id"`
		Kind      string         `json:"kind"`
		Message   string         `json:"message"`
		Context   map[string]any `json:"context,omitempty"`
	}
)

var _ hitl.Handler = (*HITL)(nil)

// NewHITL builds an empty gateway.
func NewHITL() *HITL {
	return &HITL{pending: make(map[string]map[string]*pendingRequest)}
}

// Request parks req until Resolve answers it or ctx expires. The runtime
// carries the request timeout as the context deadline, so expiry surfaces
// as the context error and the caller classifies it.
func (h *HITL) Request(ctx context.Context, req hitl.Request) (hitl.Response, error) {
	p := &pendingRequest{req: req, resolved: make(chan hitl.Response, 1)}
	h.mu.Lock()
	byID := h.pending[req.InvocationID]
	if byID == nil {
		byID = make(map[string]*pendingRequest)
		h.pending[req.InvocationID] = byID
	}
	if _, dup := byID[req.ID]; dup {
		h.mu.Unlock()
		return hitl.Response{}, fault.New(fault.KindInternal, "hitl request %q already pending", req.ID)
	}
	byID[req.ID] = p
	h.mu.Unlock()
	defer h.remove(req.InvocationID, req.ID)

	select {
	case <-ctx.Done():
		return hitl.Response{}, ctx.Err()
	case resp := <-p.resolved:
		return resp, nil
	}
}

// Resolve answers one parked request. It returns ErrNoPending (wrapped)
// when nothing with that id is waiting.
func (h *HITL) Resolve(invocationID, requestID string, resp hitl.Response) error {
	h.mu.Lock()
	p := h.pending[invocationID][requestID]
	if p != nil {
		delete(h.pending[invocationID], requestID)
		if len(h.pending[invocationID]) == 0 {
			delete(h.pending, invocationID)
		}
	}
	h.mu.Unlock()
	if p == nil {
		return fault.Wrap(fault.KindValidation, ErrNoPending, "request %q of invocation %q", requestID, invocationID)
	}
	p.resolved <- resp
	return nil
}

// Pending lists the parked requests of one invocation, ordered by step id.
func (h *HITL) Pending(invocationID string) []hitl.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID := h.pending[invocationID]
	out := make([]hitl.Request, 0, len(byID))
	for _, p := range byID {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *HITL) remove(invocationID, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID := h.pending[invocationID]
	if byID == nil {
		return
	}
	delete(byID, requestID)
	if len(byID) == 0 {
		delete(h.pending, invocationID)
	}
}

func (s *Server) pendingHITL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqs := s.hitl.Pending(id)
	resp := hitlPendingResponse{InvocationID: id, Pending: make([]hitlPending, 0, len(reqs))}
	for _, req := range reqs {
		resp.Pending = append(resp.Pending, hitlPending{
			RequestID: req.ID,
			Kind:      string(req.Kind),
			Message:   req.Message,
			Context:   req.Context,
		})
	}
	s.respond(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) resolveHITL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "request_id")
	var req hitlResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if err := s.hitl.Resolve(id, requestID, hitl.Response{Value: req.Value}); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, hitlResolveResponse{
		InvocationID: id,
		RequestID:    requestID,
		Resolved:     true,
	})
}
