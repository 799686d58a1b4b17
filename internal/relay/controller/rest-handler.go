package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamparty/watchsync/internal/relay/service"
)

func (c *controller) getRoomState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room-id")

	state, err := c.relayService.GetRoomState(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		c.logger.WarnContext(r.Context(), "failed to get room state", "room_id", roomID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	c.writeJSON(w, r, state)
}

func (c *controller) getRoomParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room-id")

	participants, err := c.relayService.GetRoomParticipants(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		c.logger.WarnContext(r.Context(), "failed to get participants", "room_id", roomID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	c.writeJSON(w, r, participants)
}

func (c *controller) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.DebugContext(r.Context(), "failed to encode response", "error", err)
	}
}
