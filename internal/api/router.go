// Package api is the thin HTTP binding over internal/dispatch.Dispatcher.
// It carries no control-plane logic of its own — every handler decodes a
// request, calls one Dispatcher method, and encodes the result or maps
// the error through the taxonomy. Any other transport (gRPC, JSON-RPC)
// would bind to the same Dispatcher the same way.
package api

import (
	"log/slog"
	"net/http"

	"github.com/devbenchd/devbenchd/internal/dispatch"
)

type Server struct {
	dispatcher dispatch.Dispatcher
	apiKey     string
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewServer(d dispatch.Dispatcher, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dispatcher: d, apiKey: apiKey, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/containers", s.handleSpawn)
	s.mux.HandleFunc("GET /v1/containers", s.handleListContainers)
	s.mux.HandleFunc("POST /v1/containers/{id}/attach", s.handleAttach)
	s.mux.HandleFunc("DELETE /v1/containers/{id}", s.handleKill)

	s.mux.HandleFunc("POST /v1/containers/{id}/exec", s.handleExecStart)
	s.mux.HandleFunc("POST /v1/execs/{id}/cancel", s.handleExecCancel)
	s.mux.HandleFunc("GET /v1/execs/{id}/poll", s.handleExecPoll)
	s.mux.HandleFunc("GET /v1/containers/{id}/execs", s.handleListExecs)

	s.mux.HandleFunc("GET /v1/containers/{id}/fs/stat", s.handleFSStat)
	s.mux.HandleFunc("GET /v1/containers/{id}/fs/list", s.handleFSList)
	s.mux.HandleFunc("GET /v1/containers/{id}/fs/read", s.handleFSRead)
	s.mux.HandleFunc("PUT /v1/containers/{id}/fs", s.handleFSWrite)
	s.mux.HandleFunc("DELETE /v1/containers/{id}/fs", s.handleFSDelete)

	s.mux.HandleFunc("GET /v1/containers/{id}/fs/export", s.handleTarExport)
	s.mux.HandleFunc("POST /v1/containers/{id}/fs/import", s.handleTarImport)

	s.mux.HandleFunc("POST /v1/admin/reconcile", s.handleReconcile)
	s.mux.HandleFunc("POST /v1/admin/gc", s.handleGC)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
