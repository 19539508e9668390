package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// one writer; also keeps an in-memory database on a single connection
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

// NewSQLiteFromDB wraps an already opened handle.
func NewSQLiteFromDB(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			event_types TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		// no foreign key to endpoints: pending rows outlive a deleted endpoint and are failed by the dispatcher
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			last_status_code INTEGER,
			last_error TEXT,
			resent_from TEXT,
			locked_until INTEGER,
			claim_token TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			delivered_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inbox_items (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_status TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			headers TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			postback_count INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (provider, transaction_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_workspace_active ON endpoints(workspace_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON deliveries(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_workspace ON deliveries(workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_pending ON deliveries(status, next_attempt_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON attempts(delivery_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_provider ON inbox_items(provider, created_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- time helpers ---

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Workspaces ---

func (s *SQLiteStorage) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.APIKey, toMillis(ws.CreatedAt), toMillis(ws.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

func scanWorkspace(row scanner) (*models.Workspace, error) {
	var ws models.Workspace
	var created, updated int64
	if err := row.Scan(&ws.ID, &ws.Name, &ws.APIKey, &created, &updated); err != nil {
		return nil, err
	}
	ws.CreatedAt = fromMillis(created)
	ws.UpdatedAt = fromMillis(updated)
	return &ws, nil
}

func (s *SQLiteStorage) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	return ws, nil
}

func (s *SQLiteStorage) GetWorkspaceByAPIKey(ctx context.Context, apiKey string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM workspaces WHERE api_key = ?`, apiKey)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace by key: %w", err)
	}
	return ws, nil
}

func (s *SQLiteStorage) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM workspaces ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStorage) UpdateWorkspaceAPIKey(ctx context.Context, id, newKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET api_key = ?, updated_at = ? WHERE id = ?`,
		newKey, toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// --- Endpoints ---

const endpointColumns = `id, workspace_id, url, description, secret, event_types, active, max_attempts, created_at, updated_at`

func (s *SQLiteStorage) CreateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	eventTypes, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return fmt.Errorf("encoding event types: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO endpoints (`+endpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.WorkspaceID, ep.URL, ep.Description, ep.Secret, string(eventTypes),
		ep.Active, ep.MaxAttempts, toMillis(ep.CreatedAt), toMillis(ep.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting endpoint: %w", err)
	}
	return nil
}

func scanEndpoint(row scanner) (*models.Endpoint, error) {
	var ep models.Endpoint
	var eventTypes string
	var created, updated int64
	err := row.Scan(&ep.ID, &ep.WorkspaceID, &ep.URL, &ep.Description, &ep.Secret, &eventTypes,
		&ep.Active, &ep.MaxAttempts, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventTypes), &ep.EventTypes); err != nil {
		return nil, fmt.Errorf("decoding event types of %s: %w", ep.ID, err)
	}
	ep.CreatedAt = fromMillis(created)
	ep.UpdatedAt = fromMillis(updated)
	return &ep, nil
}

func (s *SQLiteStorage) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading endpoint: %w", err)
	}
	return ep, nil
}

func (s *SQLiteStorage) ListEndpoints(ctx context.Context, workspaceID string) ([]models.Endpoint, error) {
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE workspace_id = ? ORDER BY created_at DESC, id DESC`, workspaceID)
}

func (s *SQLiteStorage) ListActiveEndpoints(ctx context.Context, workspaceID string) ([]models.Endpoint, error) {
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE workspace_id = ? AND active = 1 ORDER BY created_at, id`, workspaceID)
}

func (s *SQLiteStorage) queryEndpoints(ctx context.Context, query string, args ...any) ([]models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func (s *SQLiteStorage) UpdateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	eventTypes, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return fmt.Errorf("encoding event types: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET url = ?, description = ?, event_types = ?, active = ?, max_attempts = ?, updated_at = ? WHERE id = ?`,
		ep.URL, ep.Description, string(eventTypes), ep.Active, ep.MaxAttempts, toMillis(ep.UpdatedAt), ep.ID,
	)
	if err != nil {
		return fmt.Errorf("updating endpoint: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStorage) UpdateEndpointSecret(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET secret = ?, updated_at = ? WHERE id = ?`, secret, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("rotating endpoint secret: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStorage) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// attempts go with their deliveries through the cascade
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE endpoint_id = ? AND status IN ('success', 'failed')`, id); err != nil {
		return fmt.Errorf("deleting delivery history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting endpoint: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Deliveries ---

const deliveryColumns = `id, endpoint_id, workspace_id, event_type, payload, status, attempt_count, next_attempt_at,
	last_status_code, last_error, resent_from, locked_until, claim_token, created_at, updated_at, delivered_at`

func (s *SQLiteStorage) CreateDeliveries(ctx context.Context, ds []models.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deliveries (id, endpoint_id, workspace_id, event_type, payload, status, attempt_count,
			next_attempt_at, resent_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing delivery insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		_, err := stmt.ExecContext(ctx, d.ID, d.EndpointID, d.WorkspaceID, d.EventType, string(d.Payload),
			d.Status, d.AttemptCount, toMillis(d.NextAttemptAt), d.ResentFrom,
			toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting delivery: %w", err)
		}
	}
	return tx.Commit()
}

func scanDelivery(row scanner) (*models.Delivery, error) {
	var d models.Delivery
	var payload string
	var nextAttempt, created, updated int64
	var lastCode, lockedUntil, delivered sql.NullInt64
	var lastError, resentFrom, claimToken sql.NullString

	err := row.Scan(&d.ID, &d.EndpointID, &d.WorkspaceID, &d.EventType, &payload, &d.Status, &d.AttemptCount,
		&nextAttempt, &lastCode, &lastError, &resentFrom, &lockedUntil, &claimToken, &created, &updated, &delivered)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.NextAttemptAt = fromMillis(nextAttempt)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	d.DeliveredAt = timePtr(delivered)
	d.LockedUntil = timePtr(lockedUntil)
	d.ClaimToken = claimToken.String
	if lastCode.Valid {
		code := int(lastCode.Int64)
		d.LastStatusCode = &code
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if resentFrom.Valid {
		d.ResentFrom = &resentFrom.String
	}
	return &d, nil
}

func (s *SQLiteStorage) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Delivery, error) {
	nowMs := toMillis(now)
	token := uuid.NewString()

	// the outer predicates repeat the inner ones so a row claimed between
	// subquery and update is skipped rather than stolen
	rows, err := s.db.QueryContext(ctx,
		`UPDATE deliveries
		 SET locked_until = ?, claim_token = ?
		 WHERE id IN (
			SELECT id FROM deliveries
			WHERE status = 'pending' AND next_attempt_at <= ?
			  AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY next_attempt_at, id
			LIMIT ?
		 )
		 AND status = 'pending'
		 AND (locked_until IS NULL OR locked_until <= ?)
		 RETURNING `+deliveryColumns,
		toMillis(now.Add(lease)), token, nowMs, nowMs, limit, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed delivery: %w", err)
		}
		claimed = append(claimed, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStorage) RenewClaim(ctx context.Context, d *models.Delivery, now time.Time, lease time.Duration) error {
	lockedUntil := now.Add(lease)
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET locked_until = ?
		 WHERE id = ? AND status = 'pending' AND claim_token = ? AND attempt_count = ? AND locked_until > ?`,
		toMillis(lockedUntil), d.ID, d.ClaimToken, d.AttemptCount, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("renewing claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renewing claim: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	d.LockedUntil = &lockedUntil
	return nil
}

func (s *SQLiteStorage) FinishDelivery(ctx context.Context, d *models.Delivery, f Finish) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var lastCode sql.NullInt64
	if f.LastStatusCode != nil {
		lastCode = sql.NullInt64{Int64: int64(*f.LastStatusCode), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE deliveries
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_status_code = ?, last_error = ?,
		     delivered_at = ?, locked_until = NULL, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND claim_token = ? AND attempt_count = ?`,
		f.Status, f.AttemptCount, toMillis(f.NextAttemptAt), lastCode, f.LastError,
		nullMillis(f.DeliveredAt), toMillis(f.UpdatedAt),
		d.ID, d.ClaimToken, d.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("finishing delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing delivery: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}

	if a := f.Attempt; a != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.DeliveryID, a.AttemptNumber, a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, toMillis(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("recording attempt: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading delivery: %w", err)
	}
	return d, nil
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]models.Delivery, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, filter.EndpointID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE status IN ('success', 'failed') AND updated_at < ?`, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging deliveries: %w", err)
	}
	return res.RowsAffected()
}

// --- Attempts ---

func (s *SQLiteStorage) ListAttempts(ctx context.Context, deliveryID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at
		 FROM attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var created int64
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(created)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Inbox ---

const inboxColumns = `id, provider, transaction_id, status, provider_status, amount, currency, payload,
	content_type, headers, error, postback_count, created_at, updated_at`

func scanInboxItem(row scanner) (*models.InboxItem, error) {
	var it models.InboxItem
	var headers string
	var created, updated int64
	err := row.Scan(&it.ID, &it.Provider, &it.TransactionID, &it.Status, &it.ProviderStatus, &it.Amount,
		&it.Currency, &it.Payload, &it.ContentType, &headers, &it.Error, &it.PostbackCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &it.Headers); err != nil {
		return nil, fmt.Errorf("decoding inbox headers of %s: %w", it.ID, err)
	}
	it.CreatedAt = fromMillis(created)
	it.UpdatedAt = fromMillis(updated)
	return &it, nil
}

func (s *SQLiteStorage) UpsertInboxItem(ctx context.Context, item *models.InboxItem) (bool, error) {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return false, fmt.Errorf("encoding inbox headers: %w", err)
	}
	if item.Headers == nil {
		headers = []byte("{}")
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO inbox_items (`+inboxColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(provider, transaction_id) DO UPDATE SET
			status = excluded.status,
			provider_status = excluded.provider_status,
			error = excluded.error,
			postback_count = inbox_items.postback_count + 1,
			updated_at = excluded.updated_at
		 RETURNING `+inboxColumns,
		item.ID, item.Provider, item.TransactionID, item.Status, item.ProviderStatus, item.Amount, item.Currency,
		item.Payload, item.ContentType, string(headers), item.Error,
		toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
	)
	stored, err := scanInboxItem(row)
	if err != nil {
		return false, fmt.Errorf("upserting inbox item: %w", err)
	}
	created := stored.ID == item.ID
	*item = *stored
	return created, nil
}

func (s *SQLiteStorage) GetInboxItem(ctx context.Context, id string) (*models.InboxItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_items WHERE id = ?`, id)
	it, err := scanInboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading inbox item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStorage) ListInboxItems(ctx context.Context, provider string, limit, offset int) ([]models.InboxItem, error) {
	query := `SELECT ` + inboxColumns + ` FROM inbox_items`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit), max(offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing inbox items: %w", err)
	}
	defer rows.Close()

	var items []models.InboxItem
	for rows.Next() {
		it, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (s *SQLiteStorage) UpdateInboxStatus(ctx context.Context, id string, status models.InboxStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox_items SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating inbox item: %w", err)
	}
	return requireAffected(res)
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context, workspaceID string) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		 FROM deliveries WHERE workspace_id = ?`, workspaceID,
	).Scan(&stats.TotalDeliveries, &stats.SuccessCount, &stats.FailedCount, &stats.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("counting deliveries: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM endpoints WHERE workspace_id = ?`, workspaceID,
	).Scan(&stats.TotalEndpoints, &stats.ActiveEndpoints)
	if err != nil {
		return nil, fmt.Errorf("counting endpoints: %w", err)
	}

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
	}
	return stats, nil
}
