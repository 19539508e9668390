// Package registry manages webhook endpoints: validation, secrets and subscriber lookup.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

type Registry struct {
	store  storage.EndpointStore
	logger zerolog.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func New(store storage.EndpointStore, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "registry").Logger(),
		Now:    time.Now,
	}
}

// CreateInput carries the caller-supplied fields of a new endpoint.
type CreateInput struct {
	URL         string   `json:"url"`
	EventTypes  []string `json:"event_types"`
	Description string   `json:"description"`
	MaxAttempts int      `json:"max_attempts"`
}

// Create registers an active endpoint. The returned endpoint carries its secret;
// this is the only read that does.
func (r *Registry) Create(ctx context.Context, workspaceID string, in CreateInput) (*models.Endpoint, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	eventTypes, err := normalizeEventTypes(in.EventTypes)
	if err != nil {
		return nil, err
	}
	if in.MaxAttempts < 0 {
		return nil, apperr.Invalid("max_attempts", "must not be negative")
	}

	secret, err := models.NewSecret()
	if err != nil {
		return nil, err
	}

	now := r.Now().UTC()
	ep := &models.Endpoint{
		ID:          models.NewID("ep"),
		WorkspaceID: workspaceID,
		URL:         in.URL,
		Description: in.Description,
		Secret:      secret,
		EventTypes:  eventTypes,
		Active:      true,
		MaxAttempts: in.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("creating endpoint: %w", err)
	}

	r.logger.Info().
		Str("endpoint_id", ep.ID).
		Str("workspace_id", workspaceID).
		Strs("event_types", eventTypes).
		Msg("endpoint created")
	return ep, nil
}

// Update applies a partial change. The secret is never touched here.
func (r *Registry) Update(ctx context.Context, id string, patch models.EndpointPatch) (*models.Endpoint, error) {
	ep, err := r.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return nil, err
		}
		ep.URL = *patch.URL
	}
	if patch.EventTypes != nil {
		eventTypes, err := normalizeEventTypes(*patch.EventTypes)
		if err != nil {
			return nil, err
		}
		ep.EventTypes = eventTypes
	}
	if patch.Description != nil {
		ep.Description = *patch.Description
	}
	if patch.Active != nil {
		ep.Active = *patch.Active
	}
	if patch.MaxAttempts != nil {
		if *patch.MaxAttempts < 0 {
			return nil, apperr.Invalid("max_attempts", "must not be negative")
		}
		ep.MaxAttempts = *patch.MaxAttempts
	}
	ep.UpdatedAt = r.Now().UTC()

	if err := r.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	red := ep.Redacted()
	return &red, nil
}

// RotateSecret issues a new signing secret. Deliveries sent afterwards are signed with it.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := models.NewSecret()
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateEndpointSecret(ctx, id, secret); err != nil {
		return "", err
	}
	r.logger.Info().Str("endpoint_id", id).Msg("endpoint secret rotated")
	return secret, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	r.logger.Info().Str("endpoint_id", id).Msg("endpoint deleted")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Endpoint, error) {
	ep, err := r.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	red := ep.Redacted()
	return &red, nil
}

func (r *Registry) List(ctx context.Context, workspaceID string) ([]models.Endpoint, error) {
	eps, err := r.store.ListEndpoints(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Redacted())
	}
	return out, nil
}

// ListActiveSubscribers returns the active endpoints of a workspace whose subscriptions
// match eventType. Secrets are included; the result is for internal fan-out only.
func (r *Registry) ListActiveSubscribers(ctx context.Context, workspaceID, eventType string) ([]models.Endpoint, error) {
	eps, err := r.store.ListActiveEndpoints(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var out []models.Endpoint
	for _, ep := range eps {
		if ep.Subscribes(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.Invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.Invalid("url", "is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.Invalid("url", "scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return apperr.Invalid("url", "host is required")
	}
	return nil
}

func normalizeEventTypes(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		et := strings.TrimSpace(raw)
		if et == "" {
			return nil, apperr.Invalid("event_types", "must not contain blank entries")
		}
		if _, dup := seen[et]; dup {
			continue
		}
		seen[et] = struct{}{}
		out = append(out, et)
	}
	if len(out) == 0 {
		return nil, apperr.Invalid("event_types", "at least one event type is required")
	}
	return out, nil
}
