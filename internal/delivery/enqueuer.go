package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
)

// TestEventType is the event type of deliveries created by SendTest.
const TestEventType = "webhook.test"

const wakeTimeout = 2 * time.Second

type Subscribers interface {
	ListActiveSubscribers(ctx context.Context, workspaceID, eventType string) ([]models.Endpoint, error)
	Get(ctx context.Context, id string) (*models.Endpoint, error)
}

type DeliveryWriter interface {
	CreateDeliveries(ctx context.Context, ds []models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
}

// Waker is told when new rows are ready so a dispatcher can run before its next tick.
type Waker interface {
	Notify(ctx context.Context) error
}

// Enqueuer turns events into pending delivery rows. It never talks to endpoints.
type Enqueuer struct {
	subs    Subscribers
	queue   DeliveryWriter
	waker   Waker
	metrics *metrics.Metrics
	log     zerolog.Logger

	Now func() time.Time
}

func NewEnqueuer(subs Subscribers, queue DeliveryWriter, waker Waker, m *metrics.Metrics, log zerolog.Logger) *Enqueuer {
	if m == nil {
		m = metrics.New()
	}
	return &Enqueuer{
		subs:    subs,
		queue:   queue,
		waker:   waker,
		metrics: m,
		log:     log.With().Str("component", "enqueuer").Logger(),
		Now:     time.Now,
	}
}

// Publish creates one pending delivery per active subscriber of eventType, atomically.
// No subscribers is not an error.
func (e *Enqueuer) Publish(ctx context.Context, workspaceID, eventType string, payload json.RawMessage) ([]models.Delivery, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, apperr.Invalid("event_type", "is required")
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}

	subs, err := e.subs.ListActiveSubscribers(ctx, workspaceID, eventType)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	e.metrics.EventsPublished.Inc()

	if len(subs) == 0 {
		e.log.Debug().
			Str("workspace_id", workspaceID).
			Str("event_type", eventType).
			Msg("no subscribers for event")
		return []models.Delivery{}, nil
	}

	now := e.Now().UTC()
	rows := make([]models.Delivery, 0, len(subs))
	for _, ep := range subs {
		rows = append(rows, newPendingDelivery(ep.ID, workspaceID, eventType, payload, now))
	}

	if err := e.enqueue(ctx, rows); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("workspace_id", workspaceID).
		Str("event_type", eventType).
		Int("deliveries", len(rows)).
		Msg("event published")
	return rows, nil
}

// Resend creates a fresh pending delivery from an existing one. The original row is left as is.
func (e *Enqueuer) Resend(ctx context.Context, deliveryID string) (*models.Delivery, error) {
	orig, err := e.queue.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	row := newPendingDelivery(orig.EndpointID, orig.WorkspaceID, orig.EventType, orig.Payload, e.Now().UTC())
	row.ResentFrom = &orig.ID
	if err := e.enqueue(ctx, []models.Delivery{row}); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("delivery_id", row.ID).
		Str("resent_from", orig.ID).
		Msg("delivery resent")
	return &row, nil
}

// SendTest queues a webhook.test delivery for one endpoint regardless of its subscriptions.
func (e *Enqueuer) SendTest(ctx context.Context, endpointID string) (*models.Delivery, error) {
	ep, err := e.subs.Get(ctx, endpointID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Invalid("endpoint_id", "endpoint %s does not exist", endpointID)
	}
	if err != nil {
		return nil, err
	}
	if !ep.Active {
		return nil, apperr.Invalid("endpoint_id", "endpoint %s is inactive", endpointID)
	}

	now := e.Now().UTC()
	payload, err := json.Marshal(map[string]string{
		"message":     "This is a test webhook from Hookline",
		"endpoint_id": ep.ID,
		"sent_at":     now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	row := newPendingDelivery(ep.ID, ep.WorkspaceID, TestEventType, payload, now)
	if err := e.enqueue(ctx, []models.Delivery{row}); err != nil {
		return nil, err
	}
	return &row, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, rows []models.Delivery) error {
	if err := e.queue.CreateDeliveries(ctx, rows); err != nil {
		return fmt.Errorf("enqueueing deliveries: %w", err)
	}
	e.metrics.DeliveriesEnqueued.Add(float64(len(rows)))

	e.wake(ctx)
	return nil
}

// wake notifies the dispatcher in the background; publishers never wait on the notifier.
func (e *Enqueuer) wake(ctx context.Context) {
	if e.waker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wakeTimeout)
	go func() {
		defer cancel()
		if err := e.waker.Notify(ctx); err != nil {
			e.log.Warn().Err(err).Msg("failed to wake dispatcher")
		}
	}()
}

func newPendingDelivery(endpointID, workspaceID, eventType string, payload json.RawMessage, now time.Time) models.Delivery {
	return models.Delivery{
		ID:            models.NewID("dlv"),
		EndpointID:    endpointID,
		WorkspaceID:   workspaceID,
		EventType:     eventType,
		Payload:       payload,
		Status:        models.DeliveryPending,
		AttemptCount:  0,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(payload) {
		return nil, apperr.Invalid("payload", "must be valid JSON")
	}
	return payload, nil
}
