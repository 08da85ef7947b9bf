package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/inbox-sync/internal/model"
)

const itemColumns = `id, user_id, integration_connection_id, source_id, kind,
	data, source_item_id, stale_at, created_at, updated_at`

// itemRow is the stored form of a ThirdPartyItem.
type itemRow struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	ConnectionID string     `db:"integration_connection_id"`
	SourceID     string     `db:"source_id"`
	Kind         string     `db:"kind"`
	Data         string     `db:"data"`
	SourceItemID *string    `db:"source_item_id"`
	StaleAt      *time.Time `db:"stale_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (row *itemRow) toModel() (*model.ThirdPartyItem, error) {
	data, err := model.DecodeItemData(model.ThirdPartyItemKind(row.Kind), []byte(row.Data))
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", row.ID, err)
	}
	item := &model.ThirdPartyItem{
		ID:                      row.ID,
		SourceID:                row.SourceID,
		Data:                    data,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
		UserID:                  row.UserID,
		IntegrationConnectionID: row.ConnectionID,
		StaleAt:                 row.StaleAt,
	}
	return item, nil
}

// CreateOrUpdateThirdPartyItem implements the idempotent upsert. An
// unchanged payload and back-reference leave the row untouched and report
// IsModified=false. A row previously marked stale is revived and always
// reported as modified so its projections are rebuilt.
func (r *repo) CreateOrUpdateThirdPartyItem(
	ctx context.Context,
	item *model.ThirdPartyItem,
) (UpsertResult[*model.ThirdPartyItem], error) {
	var result UpsertResult[*model.ThirdPartyItem]

	if err := validateItem(item); err != nil {
		return result, err
	}

	raw, err := model.EncodeItemData(item.Data)
	if err != nil {
		return result, err
	}
	data := string(raw)
	kind := string(item.Kind())
	sourceItemID := item.SourceItemID()

	existing, err := r.findItemRow(ctx, item.UserID, item.IntegrationConnectionID, item.SourceID)
	if err != nil {
		return result, err
	}

	if existing == nil {
		id := item.ID
		if id == "" {
			id = uuid.New().String()
		}
		now := r.timestamp()

		res, err := r.q.ExecContext(ctx, r.q.Rebind(`
			INSERT INTO third_party_items (
				id, user_id, integration_connection_id, source_id, kind,
				data, source_item_id, stale_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
			ON CONFLICT (user_id, integration_connection_id, source_id) DO NOTHING`),
			id, item.UserID, item.IntegrationConnectionID, item.SourceID, kind,
			data, nullableString(sourceItemID), now, now,
		)
		if err != nil {
			return result, storageErr("inserting third-party item", err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			item.ID = id
			item.CreatedAt = now
			item.UpdatedAt = now
			item.StaleAt = nil
			result.Value = item
			result.IsModified = true
			result.IsCreated = true
			return result, nil
		}

		// Another writer inserted the triple first; continue as an update.
		existing, err = r.findItemRow(ctx, item.UserID, item.IntegrationConnectionID, item.SourceID)
		if err != nil {
			return result, err
		}
		if existing == nil {
			return result, storageErr("inserting third-party item",
				fmt.Errorf("row for %s vanished after conflict", item.SourceID))
		}
	}

	item.ID = existing.ID
	item.CreatedAt = existing.CreatedAt

	unchanged := existing.Kind == kind &&
		existing.Data == data &&
		equalStringPtr(existing.SourceItemID, sourceItemID) &&
		existing.StaleAt == nil
	if unchanged {
		item.UpdatedAt = existing.UpdatedAt
		item.StaleAt = nil
		result.Value = item
		return result, nil
	}

	now := r.timestamp()
	_, err = r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE third_party_items SET
			kind = ?, data = ?, source_item_id = ?, stale_at = NULL, updated_at = ?
		WHERE id = ?`),
		kind, data, nullableString(sourceItemID), now, existing.ID,
	)
	if err != nil {
		return result, storageErr("updating third-party item", err)
	}

	item.UpdatedAt = now
	item.StaleAt = nil
	result.Value = item
	result.IsModified = true
	return result, nil
}

func validateItem(item *model.ThirdPartyItem) error {
	if item == nil || item.Data == nil {
		return &model.ValidationError{Field: "data", Message: "item payload is required"}
	}
	if item.UserID == "" {
		return &model.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if item.IntegrationConnectionID == "" {
		return &model.ValidationError{Field: "integration_connection_id", Message: "must not be empty"}
	}
	if item.SourceID == "" {
		item.SourceID = item.Data.SourceID()
	}
	if item.SourceID == "" {
		return &model.ValidationError{Field: "source_id", Message: "must not be empty"}
	}
	if item.SourceID != item.Data.SourceID() {
		return &model.ValidationError{
			Field: "source_id",
			Message: fmt.Sprintf("%q does not match payload id %q",
				item.SourceID, item.Data.SourceID()),
		}
	}
	return nil
}

// GetThirdPartyItem retrieves a single item by ID with its back-reference
// loaded one level deep.
func (r *repo) GetThirdPartyItem(
	ctx context.Context,
	id string,
) (*model.ThirdPartyItem, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		"SELECT "+itemColumns+" FROM third_party_items WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "third-party item", ID: id}
	}
	if err != nil {
		return nil, storageErr("getting third-party item", err)
	}
	return r.hydrate(ctx, &row)
}

// FindThirdPartyItem looks an item up by its unique triple.
func (r *repo) FindThirdPartyItem(
	ctx context.Context,
	userID string,
	connectionID string,
	sourceID string,
) (*model.ThirdPartyItem, error) {
	row, err := r.findItemRow(ctx, userID, connectionID, sourceID)
	if err != nil || row == nil {
		return nil, err
	}
	return r.hydrate(ctx, row)
}

// FindThirdPartyItemsBySourceID returns every item of kind with the given
// provider id, across users and connections.
func (r *repo) FindThirdPartyItemsBySourceID(
	ctx context.Context,
	kind model.ThirdPartyItemKind,
	sourceID string,
) ([]*model.ThirdPartyItem, error) {
	var rows []itemRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(
		"SELECT "+itemColumns+` FROM third_party_items
		WHERE kind = ? AND source_id = ?
		ORDER BY created_at, id`), string(kind), sourceID)
	if err != nil {
		return nil, storageErr("finding third-party items by source id", err)
	}
	return r.hydrateAll(ctx, rows)
}

// ListThirdPartyItems returns items matching filter. Stale items are
// excluded unless IncludeStale is set.
func (r *repo) ListThirdPartyItems(
	ctx context.Context,
	filter ItemFilter,
) ([]*model.ThirdPartyItem, error) {
	query := "SELECT " + itemColumns + " FROM third_party_items WHERE 1=1"
	var args []interface{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.ConnectionID != "" {
		query += " AND integration_connection_id = ?"
		args = append(args, filter.ConnectionID)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query += " AND kind IN (?)"
		args = append(args, kinds)
	}
	if !filter.IncludeStale {
		query += " AND stale_at IS NULL"
	}
	query += " ORDER BY created_at, id"

	q, qargs, err := r.in(query, args...)
	if err != nil {
		return nil, fmt.Errorf("building item query: %w", err)
	}

	var rows []itemRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, q, qargs...); err != nil {
		return nil, storageErr("listing third-party items", err)
	}
	return r.hydrateAll(ctx, rows)
}

// MarkThirdPartyItemsStale stamps stale_at on the given items.
func (r *repo) MarkThirdPartyItemsStale(
	ctx context.Context,
	ids []string,
	at time.Time,
) error {
	if len(ids) == 0 {
		return nil
	}

	q, args, err := r.in(`
		UPDATE third_party_items SET stale_at = ?, updated_at = ?
		WHERE id IN (?) AND stale_at IS NULL`,
		at.UTC(), r.timestamp(), ids,
	)
	if err != nil {
		return fmt.Errorf("building stale query: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, q, args...); err != nil {
		return storageErr("marking items stale", err)
	}
	return nil
}

func (r *repo) findItemRow(
	ctx context.Context,
	userID string,
	connectionID string,
	sourceID string,
) (*itemRow, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		"SELECT "+itemColumns+` FROM third_party_items
		WHERE user_id = ? AND integration_connection_id = ? AND source_id = ?`),
		userID, connectionID, sourceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("finding third-party item", err)
	}
	return &row, nil
}

// hydrate decodes a row and loads its back-reference without recursing
// further.
func (r *repo) hydrate(ctx context.Context, row *itemRow) (*model.ThirdPartyItem, error) {
	item, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if row.SourceItemID == nil {
		return item, nil
	}

	var parent itemRow
	err = sqlx.GetContext(ctx, r.q, &parent, r.q.Rebind(
		"SELECT "+itemColumns+" FROM third_party_items WHERE id = ?"), *row.SourceItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return item, nil
	}
	if err != nil {
		return nil, storageErr("loading source item", err)
	}
	item.SourceItem, err = parent.toModel()
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *repo) hydrateAll(ctx context.Context, rows []itemRow) ([]*model.ThirdPartyItem, error) {
	items := make([]*model.ThirdPartyItem, 0, len(rows))
	for i := range rows {
		item, err := r.hydrate(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
