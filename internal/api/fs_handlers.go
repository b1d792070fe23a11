package api

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/devbenchd/devbenchd/internal/dispatch"
)

const maxWriteBodyBytes = 64 * 1024 * 1024

func (s *Server) handleFSStat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidationError(w, "path query parameter is required")
		return
	}
	stat, err := s.dispatcher.FSStat(r.Context(), id, path)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	entries, err := s.dispatcher.FSList(r.Context(), id, path)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidationError(w, "path query parameter is required")
		return
	}
	content, stat, err := s.dispatcher.FSRead(r.Context(), id, path)
	if err != nil {
		s.logger.Error("fs read", "container_id", id, "path", path, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":           path,
		"content_base64": base64.StdEncoding.EncodeToString(content),
		"etag":           stat.ETag,
		"size":           stat.Size,
	})
}

func (s *Server) handleFSWrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidationError(w, "path query parameter is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWriteBodyBytes)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeValidationError(w, "reading request body: "+err.Error())
		return
	}

	stat, err := s.dispatcher.FSWrite(r.Context(), dispatch.FSWriteRequest{
		ContainerID: id, Path: path, Content: content, IfMatchETag: r.Header.Get("If-Match"),
	})
	if err != nil {
		s.logger.Error("fs write", "container_id", id, "path", path, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleFSDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidationError(w, "path query parameter is required")
		return
	}
	recursive := r.URL.Query().Get("recursive") == "true"

	if err := s.dispatcher.FSDelete(r.Context(), dispatch.FSDeleteRequest{ContainerID: id, Path: path, Recursive: recursive}); err != nil {
		s.logger.Error("fs delete", "container_id", id, "path", path, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
