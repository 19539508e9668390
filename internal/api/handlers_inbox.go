package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/inbox"
	"github.com/shohag/hookline/internal/models"
)

type InboxHandler struct {
	inbox *inbox.Service
	log   zerolog.Logger
}

func NewInboxHandler(svc *inbox.Service, log zerolog.Logger) *InboxHandler {
	return &InboxHandler{inbox: svc, log: log}
}

type postbackResponse struct {
	ID            string             `json:"id"`
	TransactionID string             `json:"transaction_id"`
	Status        models.InboxStatus `json:"status"`
	Created       bool               `json:"created"`
}

// Postback accepts provider callbacks on GET (query string) or POST (JSON or form body).
func (h *InboxHandler) Postback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeAppError(w, h.log, apperr.Invalid("body", "could not read request body"))
		return
	}

	item, created, err := h.inbox.Receive(r.Context(), inbox.Postback{
		Provider:    chi.URLParam(r, "provider"),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		Query:       r.URL.Query(),
		Headers:     r.Header,
	})
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, postbackResponse{
		ID:            item.ID,
		TransactionID: item.TransactionID,
		Status:        item.Status,
		Created:       created,
	})
}

func (h *InboxHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	items, err := h.inbox.List(r.Context(), r.URL.Query().Get("provider"), limit, offset)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if items == nil {
		items = []models.InboxItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *InboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	item, err := h.inbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type markProcessedRequest struct {
	Error string `json:"error"`
}

// MarkProcessed records the outcome of downstream handling of an inbox item.
func (h *InboxHandler) MarkProcessed(w http.ResponseWriter, r *http.Request) {
	var req markProcessedRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, h.log, err)
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := h.inbox.MarkProcessed(r.Context(), id, req.Error); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	item, err := h.inbox.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
