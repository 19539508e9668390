package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

type EndpointHandler struct {
	registry   *registry.Registry
	enqueuer   *delivery.Enqueuer
	deliveries storage.DeliveryStore
	log        zerolog.Logger
}

func NewEndpointHandler(reg *registry.Registry, enq *delivery.Enqueuer, deliveries storage.DeliveryStore, log zerolog.Logger) *EndpointHandler {
	return &EndpointHandler{registry: reg, enqueuer: enq, deliveries: deliveries, log: log}
}

// owned loads the endpoint named in the path, answering 404 for other workspaces' endpoints.
func (h *EndpointHandler) owned(w http.ResponseWriter, r *http.Request) (*models.Endpoint, bool) {
	ws := WorkspaceFromContext(r.Context())
	ep, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && ep.WorkspaceID != ws.ID {
		err = apperr.ErrNotFound
	}
	if err != nil {
		writeAppError(w, h.log, err)
		return nil, false
	}
	return ep, true
}

func (h *EndpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws := WorkspaceFromContext(r.Context())

	var req registry.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	ep, err := h.registry.Create(r.Context(), ws.ID, req)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	ws := WorkspaceFromContext(r.Context())

	eps, err := h.registry.List(r.Context(), ws.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *EndpointHandler) Update(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}

	var patch models.EndpointPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	updated, err := h.registry.Update(r.Context(), ep.ID, patch)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *EndpointHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), ep.ID); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EndpointHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}
	secret, err := h.registry.RotateSecret(r.Context(), ep.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *EndpointHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}
	d, err := h.enqueuer.SendTest(r.Context(), ep.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (h *EndpointHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.owned(w, r)
	if !ok {
		return
	}
	filter, err := deliveryFilter(r)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	filter.WorkspaceID = ep.WorkspaceID
	filter.EndpointID = ep.ID

	list, err := h.deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if list == nil {
		list = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, list)
}
