package storage

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEndpoint(t *testing.T, s *SQLiteStorage, active bool) *models.Endpoint {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	apiKey, err := models.NewAPIKey()
	require.NoError(t, err)
	ws := &models.Workspace{ID: models.NewID("ws"), Name: "acme", APIKey: apiKey, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	ep := &models.Endpoint{
		ID:          models.NewID("ep"),
		WorkspaceID: ws.ID,
		URL:         "https://example.com/hook",
		Secret:      "whsec_test",
		EventTypes:  []string{"task.*"},
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateEndpoint(ctx, ep))
	return ep
}

func newPending(ep *models.Endpoint, due time.Time) models.Delivery {
	return models.Delivery{
		ID:            models.NewID("dlv"),
		EndpointID:    ep.ID,
		WorkspaceID:   ep.WorkspaceID,
		EventType:     "task.created",
		Payload:       []byte(`{"id":1}`),
		Status:        models.DeliveryPending,
		NextAttemptAt: due,
		CreatedAt:     due,
		UpdatedAt:     due,
	}
}

func TestEndpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)

	got, err := s.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.URL, got.URL)
	assert.Equal(t, []string{"task.*"}, got.EventTypes)
	assert.True(t, got.Active)
	assert.Equal(t, ep.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	_, err = s.GetEndpoint(ctx, "ep_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListActiveEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	active := seedEndpoint(t, s, true)

	inactive := *active
	inactive.ID = models.NewID("ep")
	inactive.Active = false
	require.NoError(t, s.CreateEndpoint(ctx, &inactive))

	eps, err := s.ListActiveEndpoints(ctx, active.WorkspaceID)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, active.ID, eps[0].ID)

	all, err := s.ListEndpoints(ctx, active.WorkspaceID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestClaimDue_OnlyDueRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	due := newPending(ep, now.Add(-time.Second))
	future := newPending(ep, now.Add(time.Hour))
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{due, future}))

	claimed, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.NotEmpty(t, claimed[0].ClaimToken)
	require.NotNil(t, claimed[0].LockedUntil)

	// leased rows are invisible until the lease expires
	again, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	expired, err := s.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.NotEqual(t, claimed[0].ClaimToken, expired[0].ClaimToken)
}

func TestClaimDue_ConcurrentBatchesNeverOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	var rows []models.Delivery
	for i := 0; i < 40; i++ {
		rows = append(rows, newPending(ep, now.Add(-time.Minute)))
	}
	require.NoError(t, s.CreateDeliveries(ctx, rows))

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDue(ctx, now, time.Minute, 15)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range claimed {
				seen[d.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "delivery %s claimed twice", id)
	}
}

func TestRenewClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{newPending(ep, now)}))
	claimed, err := s.ClaimDue(ctx, now, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	first := claimed[0]

	// a live claim is extended, which keeps the row away from other batches
	renewAt := now.Add(30 * time.Second)
	require.NoError(t, s.RenewClaim(ctx, &first, renewAt, time.Minute))
	require.NotNil(t, first.LockedUntil)
	assert.Equal(t, toMillis(renewAt.Add(time.Minute)), toMillis(*first.LockedUntil))
	none, err := s.ClaimDue(ctx, now.Add(70*time.Second), time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	// once expired, the holder cannot renew even if nobody re-claimed the row
	expiredAt := renewAt.Add(2 * time.Minute)
	assert.ErrorIs(t, s.RenewClaim(ctx, &first, expiredAt, time.Minute), ErrClaimLost)

	// and after a re-claim the old token is dead for good
	reclaimed, err := s.ClaimDue(ctx, expiredAt, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.ErrorIs(t, s.RenewClaim(ctx, &first, expiredAt, time.Minute), ErrClaimLost)
	assert.NoError(t, s.RenewClaim(ctx, &reclaimed[0], expiredAt, time.Minute))
}

func TestFinishDelivery_ConditionalOnClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{newPending(ep, now)}))
	claimed, err := s.ClaimDue(ctx, now, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	d := claimed[0]

	stale := d
	stale.ClaimToken = "someone-else"
	err = s.FinishDelivery(ctx, &stale, Finish{Status: models.DeliverySuccess, AttemptCount: 1, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrClaimLost)

	code := 200
	delivered := now
	err = s.FinishDelivery(ctx, &d, Finish{
		Status:         models.DeliverySuccess,
		AttemptCount:   1,
		NextAttemptAt:  d.NextAttemptAt,
		LastStatusCode: &code,
		DeliveredAt:    &delivered,
		UpdatedAt:      now,
		Attempt: &models.Attempt{
			ID: models.NewID("att"), DeliveryID: d.ID, AttemptNumber: 1, StatusCode: 200, CreatedAt: now,
		},
	})
	require.NoError(t, err)

	// terminal rows are immutable, even for the claim that finished them
	err = s.FinishDelivery(ctx, &d, Finish{Status: models.DeliveryFailed, AttemptCount: 1, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrClaimLost)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastStatusCode)
	assert.Equal(t, 200, *got.LastStatusCode)
	assert.NotNil(t, got.DeliveredAt)
	assert.Empty(t, got.ClaimToken)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestDeleteEndpoint_KeepsPendingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	pending := newPending(ep, now)
	done := newPending(ep, now)
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{pending, done}))
	_, err := s.db.ExecContext(ctx, `UPDATE deliveries SET status = 'success' WHERE id = ?`, done.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteEndpoint(ctx, ep.ID))

	_, err = s.GetEndpoint(ctx, ep.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetDelivery(ctx, done.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	got, err := s.GetDelivery(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)

	assert.ErrorIs(t, s.DeleteEndpoint(ctx, ep.ID), apperr.ErrNotFound)
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	old := time.Now().UTC().Add(-48 * time.Hour)

	stale := newPending(ep, old)
	stale.Status = models.DeliveryFailed
	live := newPending(ep, old)
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{stale, live}))

	n, err := s.PurgeTerminal(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetDelivery(ctx, live.ID)
	assert.NoError(t, err)
}

func TestListDeliveries_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	a := newPending(ep, now)
	b := newPending(ep, now.Add(time.Millisecond))
	b.Status = models.DeliveryFailed
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{a, b}))

	all, err := s.ListDeliveries(ctx, models.DeliveryFilter{WorkspaceID: ep.WorkspaceID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)

	failed, err := s.ListDeliveries(ctx, models.DeliveryFilter{WorkspaceID: ep.WorkspaceID, Status: models.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)

	other, err := s.ListDeliveries(ctx, models.DeliveryFilter{WorkspaceID: "ws_other"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUpsertInboxItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.InboxItem{
		ID:             models.NewID("inb"),
		Provider:       "paygate",
		TransactionID:  "T1",
		Status:         models.InboxPending,
		ProviderStatus: "processing",
		Payload:        `{"transaction_id":"T1","status":"processing"}`,
		ContentType:    "application/json",
		Headers:        map[string]string{"User-Agent": "paygate"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := s.UpsertInboxItem(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.PostbackCount)

	second := &models.InboxItem{
		ID:             models.NewID("inb"),
		Provider:       "paygate",
		TransactionID:  "T1",
		Status:         models.InboxApproved,
		ProviderStatus: "paid",
		Payload:        `{"transaction_id":"T1","status":"paid"}`,
		ContentType:    "application/json",
		CreatedAt:      now.Add(time.Second),
		UpdatedAt:      now.Add(time.Second),
	}
	created, err = s.UpsertInboxItem(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.PostbackCount)
	assert.Equal(t, models.InboxApproved, second.Status)
	assert.Equal(t, "paid", second.ProviderStatus)
	// raw payload and headers are write-once
	assert.Equal(t, `{"transaction_id":"T1","status":"processing"}`, second.Payload)
	assert.Equal(t, "paygate", second.Headers["User-Agent"])

	items, err := s.ListInboxItems(ctx, "paygate", 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, true)
	now := time.Now().UTC()

	ok := newPending(ep, now)
	ok.Status = models.DeliverySuccess
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{ok, newPending(ep, now)}))

	stats, err := s.GetStats(ctx, ep.WorkspaceID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalDeliveries)
	assert.EqualValues(t, 1, stats.SuccessCount)
	assert.EqualValues(t, 1, stats.PendingCount)
	assert.EqualValues(t, 1, stats.ActiveEndpoints)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
}

func TestClaimDue_StorageUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE deliveries").WillReturnError(sql.ErrConnDone)

	s := NewSQLiteFromDB(db)
	_, err = s.ClaimDue(context.Background(), time.Now(), time.Minute, 10)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishDelivery_RollsBackOnAttemptFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE deliveries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO attempts").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	s := NewSQLiteFromDB(db)
	d := &models.Delivery{ID: "dlv_1", ClaimToken: "tok"}
	err = s.FinishDelivery(context.Background(), d, Finish{
		Status:       models.DeliverySuccess,
		AttemptCount: 1,
		Attempt:      &models.Attempt{ID: "att_1", DeliveryID: "dlv_1", AttemptNumber: 1},
	})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
