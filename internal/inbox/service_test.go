package inbox

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

func newService(t *testing.T, secret string) (*Service, *storage.SQLiteStorage) {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewService(s, secret, nil, zerolog.Nop()), s
}

func TestNormalize(t *testing.T) {
	cases := map[string]models.InboxStatus{
		"PAID":       models.InboxApproved,
		" settled ":  models.InboxApproved,
		"1":          models.InboxApproved,
		"on_hold":    models.InboxPending,
		"0":          models.InboxPending,
		"Declined":   models.InboxRejected,
		"-1":         models.InboxRejected,
		"2":          models.InboxRejected,
		"reversal":   models.InboxRefunded,
		"disputed":   models.InboxChargeback,
		"teleported": models.InboxUnknown,
		"":           models.InboxUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, Normalize(raw), "raw %q", raw)
	}
}

func TestReceive_RepeatUpdatesExisting(t *testing.T) {
	svc, store := newService(t, "")
	ctx := context.Background()

	first, created, err := svc.Receive(ctx, Postback{
		Provider:    "paygate",
		ContentType: "application/json",
		Body:        []byte(`{"transaction_id":"T-1","status":"processing","amount":12.5,"currency":"usd"}`),
		Headers:     http.Header{"User-Agent": {"paygate/2"}, "Authorization": {"Bearer x"}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.InboxPending, first.Status)
	assert.Equal(t, "12.5", first.Amount)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "paygate/2", first.Headers["User-Agent"])
	assert.NotContains(t, first.Headers, "Authorization")

	second, created, err := svc.Receive(ctx, Postback{
		Provider:    "paygate",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(`txn_id=ignored&transaction_id=T-1&status=paid`),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.InboxApproved, second.Status)
	assert.Equal(t, "paid", second.ProviderStatus)
	assert.Equal(t, 2, second.PostbackCount)

	items, err := store.ListInboxItems(ctx, "paygate", 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestReceive_SameTransactionDifferentProvider(t *testing.T) {
	svc, _ := newService(t, "")
	ctx := context.Background()

	a, _, err := svc.Receive(ctx, Postback{Provider: "a", Query: url.Values{"order_id": {"1"}, "state": {"paid"}}})
	require.NoError(t, err)
	b, created, err := svc.Receive(ctx, Postback{Provider: "b", Query: url.Values{"order_id": {"1"}, "state": {"paid"}}})
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "order_id=1&state=paid", a.Payload)
}

func TestReceive_BodyWinsOverQuery(t *testing.T) {
	svc, _ := newService(t, "")

	item, _, err := svc.Receive(context.Background(), Postback{
		Provider:    "p",
		ContentType: "application/json",
		Body:        []byte(`{"click_id":"c1","status":"refunded"}`),
		Query:       url.Values{"status": {"approved"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", item.TransactionID)
	assert.Equal(t, models.InboxRefunded, item.Status)
}

func TestReceive_Validation(t *testing.T) {
	svc, _ := newService(t, "")
	ctx := context.Background()

	_, _, err := svc.Receive(ctx, Postback{Provider: "p", Query: url.Values{"status": {"paid"}}})
	assert.True(t, apperr.IsValidation(err))

	_, _, err = svc.Receive(ctx, Postback{Provider: "p", ContentType: "application/json", Body: []byte(`[1,2]`)})
	assert.True(t, apperr.IsValidation(err))

	_, _, err = svc.Receive(ctx, Postback{Provider: " ", Query: url.Values{"tx_id": {"1"}}})
	assert.True(t, apperr.IsValidation(err))
}

func TestReceive_SharedSecret(t *testing.T) {
	svc, _ := newService(t, "s3cret")
	ctx := context.Background()

	_, _, err := svc.Receive(ctx, Postback{Provider: "p", Query: url.Values{"tx_id": {"1"}}})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, _, err = svc.Receive(ctx, Postback{Provider: "p", Query: url.Values{"tx_id": {"1"}, "token": {"wrong"}}})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, _, err = svc.Receive(ctx, Postback{Provider: "p", Query: url.Values{"tx_id": {"1"}, "secret": {"s3cret"}}})
	assert.NoError(t, err)
}

func TestMarkProcessed(t *testing.T) {
	svc, _ := newService(t, "")
	ctx := context.Background()

	item, _, err := svc.Receive(ctx, Postback{Provider: "p", Query: url.Values{"tx_id": {"1"}, "status": {"paid"}}})
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessed(ctx, item.ID, "downstream timeout"))
	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "downstream timeout", got.Error)
	assert.Equal(t, models.InboxApproved, got.Status)

	assert.ErrorIs(t, svc.MarkProcessed(ctx, "inb_missing", ""), apperr.ErrNotFound)
}
