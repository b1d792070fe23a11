package api

import (
	"net/http"
	"strconv"

	"github.com/devbenchd/devbenchd/internal/dispatch"
)

type execStartRequest struct {
	Cmd            []string          `json:"cmd"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	AsRoot         bool              `json:"as_root"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func (s *Server) handleExecStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req execStartRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if err := validateExecStartRequest(req); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	res, err := s.dispatcher.ExecStart(r.Context(), dispatch.ExecStartRequest{
		ContainerID: id, Cmd: req.Cmd, Cwd: req.Cwd, Env: req.Env,
		AsRoot: req.AsRoot, TimeoutSeconds: req.TimeoutSeconds, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.logger.Error("exec start", "container_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleExecCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.dispatcher.ExecCancel(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExecPoll implements §4.4's cursor-based poll: callers pass the
// last seq they consumed via ?after_seq, defaulting to -1 (from start).
func (s *Server) handleExecPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	afterSeq := int64(-1)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeValidationError(w, "after_seq must be an integer")
			return
		}
		afterSeq = n
	}

	res, err := s.dispatcher.ExecPoll(r.Context(), id, afterSeq)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListExecs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	execs, err := s.dispatcher.ListExecs(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execs": execs})
}
