package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

type WorkspaceHandler struct {
	store storage.WorkspaceStore
	log   zerolog.Logger
}

func NewWorkspaceHandler(store storage.WorkspaceStore, log zerolog.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{store: store, log: log}
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeAppError(w, h.log, apperr.Invalid("name", "is required"))
		return
	}

	apiKey, err := models.NewAPIKey()
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        models.NewID("ws"),
		Name:      name,
		APIKey:    apiKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateWorkspace(r.Context(), ws); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, ws)
}

func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ws, err := h.store.GetWorkspace(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	ws.APIKey = "" // only shown at creation and rotation
	writeJSON(w, http.StatusOK, ws)
}

func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListWorkspaces(r.Context())
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	for i := range list {
		list[i].APIKey = ""
	}
	if list == nil {
		list = []models.Workspace{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWorkspace(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WorkspaceHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := models.NewAPIKey()
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if err := h.store.UpdateWorkspaceAPIKey(r.Context(), chi.URLParam(r, "id"), newKey); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
