package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/delivery"
)

type EventHandler struct {
	enqueuer *delivery.Enqueuer
	log      zerolog.Logger
}

func NewEventHandler(enq *delivery.Enqueuer, log zerolog.Logger) *EventHandler {
	return &EventHandler{enqueuer: enq, log: log}
}

type publishRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type publishResponse struct {
	EventType   string   `json:"event_type"`
	DeliveryIDs []string `json:"delivery_ids"`
	Count       int      `json:"count"`
}

// Publish enqueues the event for every subscribed endpoint and returns immediately.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	ws := WorkspaceFromContext(r.Context())

	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	rows, err := h.enqueuer.Publish(r.Context(), ws.ID, req.EventType, req.Payload)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	ids := make([]string, 0, len(rows))
	for _, d := range rows {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusAccepted, publishResponse{
		EventType:   strings.TrimSpace(req.EventType),
		DeliveryIDs: ids,
		Count:       len(ids),
	})
}
