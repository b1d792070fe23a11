package api

import "net/http"

// handleReconcile triggers an out-of-band boot-style reconciliation pass
// ahead of the next restart — useful after manually intervening on the
// runtime daemon (e.g. restarting it) without restarting this process.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Reconcile(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.GC(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
