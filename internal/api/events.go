package api

import (
	"encoding/json"
	"net/http"

	"github.com/splitfair/webhook-service/internal/engine"
)

// EventHandler is the inbound trigger surface: the rest of the application
// posts events here and never hears about delivery outcomes synchronously.
type EventHandler struct {
	trigger *engine.Trigger
}

func NewEventHandler(t *engine.Trigger) *EventHandler {
	return &EventHandler{trigger: t}
}

type triggerEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Owner     string          `json:"owner,omitempty"`
}

type triggerEventResponse struct {
	EventType        string `json:"event_type"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	queued := h.trigger.TriggerEvent(r.Context(), req.EventType, req.Payload, req.Owner)

	respondJSON(w, http.StatusAccepted, triggerEventResponse{
		EventType:        req.EventType,
		DeliveriesQueued: queued,
	})
}
