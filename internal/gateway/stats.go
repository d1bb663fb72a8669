package gateway

import "net/http"

// handleStats reports the live state of the fan-out core: connection and
// per-topic subscriber counts, the event stream head, and token-ledger
// totals. Admin only.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to collect token stats", "error", err)
		writeInternalError(w, "stats unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.registry.Stats(),
		"events":      s.bus.Stats(),
		"tokens":      tokens,
	})
}
