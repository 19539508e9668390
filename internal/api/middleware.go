package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

type contextKey string

const workspaceContextKey contextKey = "workspace"

const adminTokenHeader = "X-Admin-Token"

func WorkspaceFromContext(ctx context.Context) *models.Workspace {
	ws, _ := ctx.Value(workspaceContextKey).(*models.Workspace)
	return ws
}

// AuthMiddleware resolves the workspace from a "Bearer <api_key>" header.
func AuthMiddleware(store storage.WorkspaceStore, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "missing authorization header")
				return
			}

			apiKey := strings.TrimPrefix(auth, "Bearer ")
			if apiKey == auth || apiKey == "" {
				writeError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid authorization format, use: Bearer <api_key>")
				return
			}

			ws, err := store.GetWorkspaceByAPIKey(r.Context(), apiKey)
			if errors.Is(err, apperr.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid api key")
				return
			}
			if err != nil {
				writeAppError(w, log, err)
				return
			}

			ctx := context.WithValue(r.Context(), workspaceContextKey, ws)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware guards workspace management. An empty token leaves the routes open.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(adminTokenHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					writeError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid admin token")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
