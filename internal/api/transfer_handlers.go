package api

import (
	"io"
	"net/http"
	"strings"
)

// handleTarExport streams a tar archive of containerID's workspace
// (filtered by optional include/exclude globs) straight to the response
// body — large workspaces are never buffered in memory.
func (s *Server) handleTarExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	includeGlobs := splitCSV(r.URL.Query().Get("include"))
	excludeGlobs := splitCSV(r.URL.Query().Get("exclude"))

	stream, err := s.dispatcher.TarExport(r.Context(), id, path, includeGlobs, excludeGlobs)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream); err != nil {
		s.logger.Error("tar export: streaming body", "container_id", id, "error", err)
	}
}

func (s *Server) handleTarImport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dest := r.URL.Query().Get("dest")

	result, err := s.dispatcher.TarImport(r.Context(), id, dest, r.Body)
	if err != nil {
		s.logger.Error("tar import", "container_id", id, "dest", dest, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
