package ide

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tactus.dev/tactus/config"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

type (
	validateRequest struct {
		// Content is the .tyml document to check. When empty, Path names a
		// workspace file to load instead.
		Content string `json:"content"`
		Path    string `json:"path"`
	}

	validateResponse struct {
		Valid  bool            `json:"valid"`
		Errors []validateError `json:"errors,omitempty"`
	}

	validateError struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Detail  map[string]any `json:"detail,omitempty"`
	}

	runRequest struct {
		// Path names the .tyml file to run, workspace-relative.
		Path string `json:"path"`
		// Content, when set, is written to Path first so editors can run
		// unsaved buffers.
		Content *string        `json:"content,omitempty"`
		Params  map[string]any `json:"params,omitempty"`
		// Mock runs against the file's default mocks instead of live
		// providers.
		Mock bool `json:"mock,omitempty"`
	}

	runResponse struct {
		InvocationID string `json:"invocation_id"`
		Procedure    string `json:"procedure"`
	}

	cancelResponse struct {
		InvocationID string `json:"invocation_id"`
		Cancelled    bool   `json:"cancelled"`
	}
)

// validate parses and checks a procedure without running it. Diagnostics
// come back in the response body; only a malformed request is an HTTP
// error.
func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(r.Context(), w, err)
		return
	}

	var (
		proc *runtime.Procedure
		err  error
	)
	switch {
	case req.Content != "":
		proc, err = config.Parse([]byte(req.Content))
	case req.Path != "":
		var target string
		if target, err = s.resolve(req.Path); err == nil {
			proc, err = config.Load(target)
		}
	default:
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "content or path is required"))
		return
	}
	if err == nil {
		err = s.rt.Validate(proc)
	}
	if err == nil {
		s.respond(r.Context(), w, http.StatusOK, validateResponse{Valid: true})
		return
	}

	diag := validateError{Kind: string(fault.KindOf(err)), Message: err.Error()}
	if f, ok := fault.As(err); ok {
		diag.Message = f.Message
		diag.Detail = f.Detail
	}
	s.respond(r.Context(), w, http.StatusOK, validateResponse{Valid: false, Errors: []validateError{diag}})
}

// run loads a workspace file, registers it, and starts it without waiting.
// The invocation outlives the request; clients follow it on the stream
// endpoint.
func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if req.Path == "" {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "path is required"))
		return
	}
	target, err := s.resolve(req.Path)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if req.Content != nil {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			s.fail(r.Context(), w, fault.Wrap(fault.KindInternal, err, "create parent directory"))
			return
		}
		if err := os.WriteFile(target, []byte(*req.Content), 0o644); err != nil {
			s.fail(r.Context(), w, fault.Wrap(fault.KindInternal, err, "write %q", req.Path))
			return
		}
	}

	proc, err := config.Load(target)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if err := s.rt.Register(proc); err != nil {
		s.fail(r.Context(), w, err)
		return
	}

	opts := runtime.RunOptions{Params: req.Params, HITL: s.hitl}
	if req.Mock {
		opts.Mock = proc.DefaultMocks
		if opts.Mock == nil {
			opts.Mock = &runtime.MockConfig{}
		}
	}

	// The run must survive the request; only its trace values carry over.
	id, err := s.rt.Start(context.WithoutCancel(r.Context()), proc.Name, opts)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.respond(r.Context(), w, http.StatusAccepted, runResponse{InvocationID: id, Procedure: proc.Name})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rec, err := s.rt.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, rec)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rt.Cancel(r.Context(), id); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, cancelResponse{InvocationID: id, Cancelled: true})
}

// stream replays an invocation's events from the `since` sequence
// (exclusive) as SSE data frames and follows live ones until their log
// seals. Idle periods carry comment heartbeats so proxies keep the
// connection open.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(r.Context(), w, fault.Wrap(fault.KindValidation, err, "since query parameter"))
			return
		}
		since = v
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(r.Context(), w, fault.New(fault.KindInternal, "response writer does not support streaming"))
		return
	}

	// Unknown ids must 404 before the stream commits; Subscribe alone
	// would hand back an empty replay.
	if _, err := s.rt.Status(r.Context(), id); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	events, release, err := s.rt.Subscribe(r.Context(), id, since)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn(r.Context(), "ide event marshal failed", "invocation_id", id, "error", err.Error())
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
