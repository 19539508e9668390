package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

type DeliveryHandler struct {
	store    storage.Storage
	enqueuer *delivery.Enqueuer
	log      zerolog.Logger
}

func NewDeliveryHandler(store storage.Storage, enq *delivery.Enqueuer, log zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: store, enqueuer: enq, log: log}
}

func deliveryFilter(r *http.Request) (models.DeliveryFilter, error) {
	limit, offset, err := pagination(r)
	if err != nil {
		return models.DeliveryFilter{}, err
	}
	f := models.DeliveryFilter{Limit: limit, Offset: offset}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.DeliveryStatus(s)
		if err := status.Validate(); err != nil {
			return models.DeliveryFilter{}, apperr.Invalid("status", "must be one of pending, success, failed")
		}
		f.Status = status
	}
	return f, nil
}

func (h *DeliveryHandler) owned(w http.ResponseWriter, r *http.Request) (*models.Delivery, bool) {
	ws := WorkspaceFromContext(r.Context())
	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err == nil && d.WorkspaceID != ws.ID {
		err = apperr.ErrNotFound
	}
	if err != nil {
		writeAppError(w, h.log, err)
		return nil, false
	}
	return d, true
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	ws := WorkspaceFromContext(r.Context())
	filter, err := deliveryFilter(r)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	filter.WorkspaceID = ws.ID

	list, err := h.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if list == nil {
		list = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	d, ok := h.owned(w, r)
	if !ok {
		return
	}
	attempts, err := h.store.ListAttempts(r.Context(), d.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// Resend queues a copy of the delivery; the original keeps its history.
func (h *DeliveryHandler) Resend(w http.ResponseWriter, r *http.Request) {
	d, ok := h.owned(w, r)
	if !ok {
		return
	}
	row, err := h.enqueuer.Resend(r.Context(), d.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, row)
}
