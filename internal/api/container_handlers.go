package api

import (
	"net/http"
	"strconv"

	"github.com/devbenchd/devbenchd/internal/dispatch"
)

type spawnRequest struct {
	Image          string `json:"image"`
	Alias          string `json:"alias"`
	Persistent     bool   `json:"persistent"`
	TTLSeconds     int    `json:"ttl_seconds"`
	AsRoot         bool   `json:"as_root"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if err := validateSpawnRequest(req); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	res, err := s.dispatcher.Spawn(r.Context(), dispatch.SpawnRequest{
		Image: req.Image, Alias: req.Alias, Persistent: req.Persistent,
		TTLSeconds: req.TTLSeconds, AsRoot: req.AsRoot, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.logger.Error("spawn", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type attachRequest struct {
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req attachRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}

	res, err := s.dispatcher.Attach(r.Context(), dispatch.AttachRequest{Target: id, ClientName: req.ClientName, SessionID: req.SessionID})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeValidationError(w, "invalid force query parameter: "+err.Error())
			return
		}
		force = parsed
	}

	res, err := s.dispatcher.Kill(r.Context(), dispatch.KillRequest{ContainerID: id, Force: force})
	if err != nil {
		s.logger.Error("kill", "container_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.dispatcher.ListContainers(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.Status(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
