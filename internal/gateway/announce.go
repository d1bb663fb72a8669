package gateway

import (
	"encoding/json"
	"net/http"
)

// announceRequest is the request body for POST /announce. An empty org_id
// broadcasts to every connected client.
type announceRequest struct {
	Message string `json:"message"`
	OrgID   string `json:"org_id,omitempty"`
}

// handleAnnounce publishes an operator announcement onto the event bus.
// Admin only.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeBadRequest(w, "message is required")
		return
	}

	payload := map[string]any{"message": req.Message}
	if req.OrgID != "" {
		payload["org_id"] = req.OrgID
	}
	id := s.bus.PublishAnnouncement(req.OrgID, payload)

	s.logger.Info("announcement published", "event_id", id, "org_id", req.OrgID)
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id})
}
