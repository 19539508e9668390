package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/hookline/internal/models"
)

// ErrClaimLost is returned by Finish when the row was finalized or re-claimed by someone else.
var ErrClaimLost = errors.New("delivery claim lost")

type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByAPIKey(ctx context.Context, apiKey string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]models.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	UpdateWorkspaceAPIKey(ctx context.Context, id, newKey string) error
}

type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context, workspaceID string) ([]models.Endpoint, error)
	ListActiveEndpoints(ctx context.Context, workspaceID string) ([]models.Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *models.Endpoint) error
	UpdateEndpointSecret(ctx context.Context, id, secret string) error
	// DeleteEndpoint removes the endpoint together with its terminal deliveries.
	DeleteEndpoint(ctx context.Context, id string) error
}

// Finish is the outcome written back for a claimed delivery.
type Finish struct {
	Status         models.DeliveryStatus
	AttemptCount   int
	NextAttemptAt  time.Time
	LastStatusCode *int
	LastError      *string
	DeliveredAt    *time.Time
	UpdatedAt      time.Time
	// Attempt is recorded in the same transaction when non-nil.
	Attempt *models.Attempt
}

type DeliveryStore interface {
	CreateDeliveries(ctx context.Context, ds []models.Delivery) error
	// ClaimDue leases up to limit due pending rows and returns them with a fresh claim token.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Delivery, error)
	// RenewClaim extends the lease of a claimed row to now+lease, provided the claim is
	// still held and has not expired. Otherwise it returns ErrClaimLost.
	RenewClaim(ctx context.Context, d *models.Delivery, now time.Time, lease time.Duration) error
	// FinishDelivery applies f only if the row is still pending under the given claim
	// and attempt count. Otherwise it returns ErrClaimLost.
	FinishDelivery(ctx context.Context, d *models.Delivery, f Finish) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]models.Delivery, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

type AttemptStore interface {
	ListAttempts(ctx context.Context, deliveryID string) ([]models.Attempt, error)
}

type InboxStore interface {
	// UpsertInboxItem inserts the item or bumps an existing (provider, transaction_id) row.
	// The stored row is written back into item; created reports whether it was new.
	UpsertInboxItem(ctx context.Context, item *models.InboxItem) (created bool, err error)
	GetInboxItem(ctx context.Context, id string) (*models.InboxItem, error)
	ListInboxItems(ctx context.Context, provider string, limit, offset int) ([]models.InboxItem, error)
	UpdateInboxStatus(ctx context.Context, id string, status models.InboxStatus, errMsg string) error
}

type Storage interface {
	WorkspaceStore
	EndpointStore
	DeliveryStore
	AttemptStore
	InboxStore

	GetStats(ctx context.Context, workspaceID string) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalDeliveries int64   `json:"total_deliveries"`
	SuccessCount    int64   `json:"success_count"`
	FailedCount     int64   `json:"failed_count"`
	PendingCount    int64   `json:"pending_count"`
	SuccessRate     float64 `json:"success_rate"`
	TotalEndpoints  int64   `json:"total_endpoints"`
	ActiveEndpoints int64   `json:"active_endpoints"`
}
