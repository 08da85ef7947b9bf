package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/inbox-sync/internal/model"
)

const connectionColumns = `id, user_id, provider_kind, provider_user_id,
	connection_id, status, failure_message, last_sync_started_at,
	last_sync_failure_message, sync_failures, provider_config,
	registered_oauth_scopes, sync_cursor, created_at, updated_at`

type connectionRow struct {
	ID                     string     `db:"id"`
	UserID                 string     `db:"user_id"`
	ProviderKind           string     `db:"provider_kind"`
	ProviderUserID         *string    `db:"provider_user_id"`
	ConnectionID           string     `db:"connection_id"`
	Status                 string     `db:"status"`
	FailureMessage         *string    `db:"failure_message"`
	LastSyncStartedAt      *time.Time `db:"last_sync_started_at"`
	LastSyncFailureMessage *string    `db:"last_sync_failure_message"`
	SyncFailures           int        `db:"sync_failures"`
	ProviderConfig         string     `db:"provider_config"`
	RegisteredOAuthScopes  string     `db:"registered_oauth_scopes"`
	SyncCursor             *string    `db:"sync_cursor"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
}

func (row *connectionRow) toModel() (*model.IntegrationConnection, error) {
	cfg, err := model.DecodeProviderConfig(model.ProviderKind(row.ProviderKind), []byte(row.ProviderConfig))
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", row.ID, err)
	}

	var scopes []string
	if row.RegisteredOAuthScopes != "" {
		if err := json.Unmarshal([]byte(row.RegisteredOAuthScopes), &scopes); err != nil {
			return nil, fmt.Errorf("connection %s: decoding scopes: %w", row.ID, err)
		}
	}

	return &model.IntegrationConnection{
		ID:                     row.ID,
		UserID:                 row.UserID,
		ProviderUserID:         row.ProviderUserID,
		ConnectionID:           row.ConnectionID,
		Status:                 model.ConnectionStatus(row.Status),
		FailureMessage:         row.FailureMessage,
		LastSyncStartedAt:      row.LastSyncStartedAt,
		LastSyncFailureMessage: row.LastSyncFailureMessage,
		SyncFailures:           row.SyncFailures,
		Provider:               cfg,
		RegisteredOAuthScopes:  scopes,
		SyncCursor:             row.SyncCursor,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}, nil
}

func encodeConnection(c *model.IntegrationConnection) (cfg string, scopes string, err error) {
	rawCfg, err := model.EncodeProviderConfig(c.Provider)
	if err != nil {
		return "", "", err
	}
	list := c.RegisteredOAuthScopes
	if list == nil {
		list = []string{}
	}
	rawScopes, err := json.Marshal(list)
	if err != nil {
		return "", "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(rawCfg), string(rawScopes), nil
}

// CreateConnection inserts a new connection. Generates a UUID if ID is
// empty and defaults the status to created.
func (r *repo) CreateConnection(ctx context.Context, c *model.IntegrationConnection) error {
	if c.UserID == "" {
		return &model.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ConnectionID == "" {
		c.ConnectionID = c.ID
	}
	if c.Status == "" {
		c.Status = model.ConnectionStatusCreated
	}

	cfg, scopes, err := encodeConnection(c)
	if err != nil {
		return err
	}

	now := r.timestamp()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = r.q.ExecContext(ctx, r.q.Rebind(`
		INSERT INTO integration_connections (
			id, user_id, provider_kind, provider_user_id,
			connection_id, status, failure_message, last_sync_started_at,
			last_sync_failure_message, sync_failures, provider_config,
			registered_oauth_scopes, sync_cursor, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, string(c.Kind()), nullableString(c.ProviderUserID),
		c.ConnectionID, string(c.Status), nullableString(c.FailureMessage), utcPtr(c.LastSyncStartedAt),
		nullableString(c.LastSyncFailureMessage), c.SyncFailures, cfg,
		scopes, nullableString(c.SyncCursor), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return storageErr("creating connection", err)
	}
	return nil
}

// GetConnection retrieves a single connection by ID.
func (r *repo) GetConnection(ctx context.Context, id string) (*model.IntegrationConnection, error) {
	var row connectionRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		"SELECT "+connectionColumns+" FROM integration_connections WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "integration connection", ID: id}
	}
	if err != nil {
		return nil, storageErr("getting connection", err)
	}
	return row.toModel()
}

// FindConnectionByProviderUserID resolves an external identity to at most
// one connection.
func (r *repo) FindConnectionByProviderUserID(
	ctx context.Context,
	kind model.ProviderKind,
	providerUserID string,
) (*model.IntegrationConnection, error) {
	var row connectionRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		"SELECT "+connectionColumns+` FROM integration_connections
		WHERE provider_kind = ? AND provider_user_id = ?`),
		string(kind), providerUserID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("finding connection by provider user", err)
	}
	return row.toModel()
}

// ListConnections returns connections matching the filter, oldest first.
func (r *repo) ListConnections(
	ctx context.Context,
	filter ConnectionFilter,
) ([]*model.IntegrationConnection, error) {
	query := "SELECT " + connectionColumns + " FROM integration_connections WHERE 1=1"
	var args []interface{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Kind != nil {
		query += " AND provider_kind = ?"
		args = append(args, string(*filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += " AND status IN (?)"
		args = append(args, statuses)
	}
	query += " ORDER BY created_at, id"

	q, qargs, err := r.in(query, args...)
	if err != nil {
		return nil, fmt.Errorf("building connection query: %w", err)
	}

	var rows []connectionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, q, qargs...); err != nil {
		return nil, storageErr("listing connections", err)
	}

	out := make([]*model.IntegrationConnection, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateConnection writes every mutable column of the connection.
func (r *repo) UpdateConnection(ctx context.Context, c *model.IntegrationConnection) error {
	cfg, scopes, err := encodeConnection(c)
	if err != nil {
		return err
	}

	c.UpdatedAt = r.timestamp()
	result, err := r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE integration_connections SET
			provider_kind = ?, provider_user_id = ?, status = ?,
			failure_message = ?, last_sync_started_at = ?,
			last_sync_failure_message = ?, sync_failures = ?,
			provider_config = ?, registered_oauth_scopes = ?,
			sync_cursor = ?, updated_at = ?
		WHERE id = ?`),
		string(c.Kind()), nullableString(c.ProviderUserID), string(c.Status),
		nullableString(c.FailureMessage), utcPtr(c.LastSyncStartedAt),
		nullableString(c.LastSyncFailureMessage), c.SyncFailures,
		cfg, scopes,
		nullableString(c.SyncCursor), c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return storageErr("updating connection", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &model.NotFoundError{Entity: "integration connection", ID: c.ID}
	}
	return nil
}

// DeleteConnection removes a connection. Cascades to its items and their
// projections.
func (r *repo) DeleteConnection(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, r.q.Rebind(
		"DELETE FROM integration_connections WHERE id = ?"), id)
	if err != nil {
		return storageErr("deleting connection", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &model.NotFoundError{Entity: "integration connection", ID: id}
	}
	return nil
}
