package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/storage"
)

type StatsHandler struct {
	store       storage.Storage
	dispatcher  *delivery.Dispatcher
	log         zerolog.Logger
	dispatching atomic.Bool
}

func NewStatsHandler(store storage.Storage, disp *delivery.Dispatcher, log zerolog.Logger) *StatsHandler {
	return &StatsHandler{store: store, dispatcher: disp, log: log}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "hookline",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ws := WorkspaceFromContext(r.Context())

	stats, err := h.store.GetStats(r.Context(), ws.ID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type dispatchResponse struct {
	Status string `json:"status"`
}

// Dispatch starts one dispatcher batch in the background, for deployments driven by an
// external scheduler. A batch can outlast the write timeout, so the result is logged
// rather than returned. At most one manual batch runs at a time.
func (h *StatsHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if !h.dispatching.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusAccepted, dispatchResponse{Status: "already_running"})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.dispatching.Store(false)
		res, err := h.dispatcher.RunBatch(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("manual dispatch aborted")
			return
		}
		h.log.Info().
			Int("claimed", res.Claimed).
			Int("succeeded", res.Succeeded).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("lost", res.Lost).
			Msg("manual dispatch finished")
	}()

	writeJSON(w, http.StatusAccepted, dispatchResponse{Status: "dispatching"})
}
