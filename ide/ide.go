// Package ide serves the HTTP bridge the Tactus IDE talks to: workspace
// browsing, .tyml validation, asynchronous runs streamed over SSE, and
// human-in-the-loop requests resolved by HTTP calls.
//
// The bridge owns no execution state of its own. Every operation delegates
// to a runtime.Runtime and the config loader; the one table it keeps is the
// pending HITL requests parked between the runtime asking and a client
// answering.
package ide

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

const defaultHeartbeat = 15 * time.Second

type (
	// Options configures a Server. Runtime and Workspace are required.
	Options struct {
		// Runtime executes procedures. The run endpoint registers each file
		// under its declared name before starting it, so re-running a file
		// picks up edits.
		Runtime *runtime.Runtime
		// Workspace roots the file, tree, and run endpoints. Request paths
		// are workspace-relative and cannot escape it.
		Workspace string
		// HITL parks human-in-the-loop requests for HTTP resolution. The
		// bridge installs it on every run it starts. Defaults to a fresh
		// gateway.
		HITL *HITL
		// Heartbeat is the idle interval between SSE comment lines on the
		// event stream. Defaults to 15s.
		Heartbeat time.Duration
		// Logger records request failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Server is the IDE bridge. Build one with New and mount Handler on an
	// http.Server.
	Server struct {
		rt        *runtime.Runtime
		workspace string
		hitl      *HITL
		heartbeat time.Duration
		logger    telemetry.Logger
		router    chi.Router
	}

	errorResponse struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}

	workspaceResponse struct {
		Root string `json:"root"`
		Name string `json:"name"`
	}
)

// New builds a Server rooted at the workspace directory.
func New(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, fault.New(fault.KindValidation, "runtime is required")
	}
	if opts.Workspace == "" {
		return nil, fault.New(fault.KindValidation, "workspace directory is required")
	}
	root, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "resolve workspace %q", opts.Workspace)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "workspace %q", opts.Workspace)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.KindValidation, "workspace %q is not a directory", opts.Workspace)
	}

	s := &Server{
		rt:        opts.Runtime,
		workspace: root,
		hitl:      opts.HITL,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
	}
	if s.hitl == nil {
		s.hitl = NewHITL()
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the bridge's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Workspace returns the absolute workspace root.
func (s *Server) Workspace() string { return s.workspace }

// Gateway returns the HITL gateway runs started by this bridge wait on.
func (s *Server) Gateway() *HITL { return s.hitl }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/workspace", s.workspaceInfo)
		r.Get("/tree", s.tree)
		r.Get("/file", s.readFile)
		r.Put("/file", s.writeFile)
		r.Post("/validate", s.validate)
		r.Post("/run", s.run)
		r.Route("/run/{id}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Get("/stream", s.stream)
			r.Get("/hitl", s.pendingHITL)
			r.Post("/hitl/{request_id}", s.resolveHITL)
			r.Post("/cancel", s.cancel)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respond(r.Context(), w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "tactus-ide",
	})
}

func (s *Server) workspaceInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(r.Context(), w, http.StatusOK, workspaceResponse{
		Root: s.workspace,
		Name: filepath.Base(s.workspace),
	})
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(ctx, "ide response write failed", "error", err.Error())
	}
}

// fail renders err as a JSON error response. Missing invocations, files,
// and HITL requests map to 404, validation faults to 400, everything else
// to 500.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, ErrNoPending):
		status = http.StatusNotFound
	case fault.Is(err, fault.KindValidation):
		status = http.StatusBadRequest
	}
	resp := errorResponse{Kind: string(fault.KindOf(err)), Error: err.Error()}
	if f, ok := fault.As(err); ok {
		resp.Error = f.Message
	}
	s.logger.Debug(ctx, "ide request failed", "status", status, "kind", resp.Kind, "error", resp.Error)
	s.respond(ctx, w, status, resp)
}

// decodeJSON reads one JSON body into out. Unknown fields are rejected so
// client typos surface as 400s instead of silently dropped options.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode request body")
	}
	return nil
}
