package ide

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"tactus.dev/tactus/runtime/procedure/fault"
)

type (
	treeResponse struct {
		Path    string      `json:"path"`
		Entries []treeEntry `json:"entries"`
	}

	treeEntry struct {
		Name      string `json:"name"`
		Path      string `json:"path"`
		Type      string `json:"type"`
		Extension string `json:"extension,omitempty"`
	}

	fileResponse struct {
		Path         string `json:"path"`
		AbsolutePath string `json:"absolute_path"`
		Name         string `json:"name"`
		Content      string `json:"content"`
	}

	fileWriteRequest struct {
		Path string `json:"path"`
		// Content is a pointer so an explicit empty file is distinguishable
		// from a missing field.
		Content *string `json:"content"`
	}

	fileWriteResponse struct {
		Path         string `json:"path"`
		AbsolutePath string `json:"absolute_path"`
	}
)

// resolve maps a workspace-relative request path onto the filesystem.
// Absolute paths and any traversal outside the workspace root are rejected.
func (s *Server) resolve(rel string) (string, error) {
	if rel == "" {
		return s.workspace, nil
	}
	if filepath.IsAbs(rel) {
		return "", fault.New(fault.KindValidation, "path %q must be workspace-relative", rel)
	}
	target := filepath.Clean(filepath.Join(s.workspace, filepath.FromSlash(rel)))
	if target != s.workspace && !strings.HasPrefix(target, s.workspace+string(filepath.Separator)) {
		return "", fault.New(fault.KindValidation, "path %q escapes the workspace", rel)
	}
	return target, nil
}

func (s *Server) tree(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	dir, err := s.resolve(rel)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if !info.IsDir() {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "path %q is not a directory", rel))
		return
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}

	// Directories first, then case-insensitive name order, matching how the
	// IDE renders the tree.
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}
		return strings.ToLower(items[i].Name()) < strings.ToLower(items[j].Name())
	})

	entries := make([]treeEntry, 0, len(items))
	for _, item := range items {
		entry := treeEntry{
			Name: item.Name(),
			Path: path.Join(rel, item.Name()),
			Type: "file",
		}
		if item.IsDir() {
			entry.Type = "directory"
		} else {
			entry.Extension = filepath.Ext(item.Name())
		}
		entries = append(entries, entry)
	}
	s.respond(r.Context(), w, http.StatusOK, treeResponse{Path: rel, Entries: entries})
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "path query parameter is required"))
		return
	}
	target, err := s.resolve(rel)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	info, err := os.Stat(target)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if info.IsDir() {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "path %q is a directory", rel))
		return
	}
	data, err := os.ReadFile(target)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, fileResponse{
		Path:         rel,
		AbsolutePath: target,
		Name:         filepath.Base(target),
		Content:      string(data),
	})
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	var req fileWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if req.Path == "" {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "path is required"))
		return
	}
	if req.Content == nil {
		s.fail(r.Context(), w, fault.New(fault.KindValidation, "content is required"))
		return
	}
	target, err := s.resolve(req.Path)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		s.fail(r.Context(), w, fault.Wrap(fault.KindInternal, err, "create parent directory"))
		return
	}
	if err := os.WriteFile(target, []byte(*req.Content), 0o644); err != nil {
		s.fail(r.Context(), w, fault.Wrap(fault.KindInternal, err, "write %q", req.Path))
		return
	}
	s.respond(r.Context(), w, http.StatusOK, fileWriteResponse{Path: req.Path, AbsolutePath: target})
}
