package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/inbox-sync/internal/model"
)

const notificationColumns = `id, user_id, kind, title, status, snoozed_until,
	source_item_id, task_id, created_at, updated_at`

// UpsertNotification inserts the notification for (user, source item) or
// overwrites the provider-controlled columns of the existing one. A nil
// TaskID keeps the current link.
func (r *repo) UpsertNotification(
	ctx context.Context,
	n *model.Notification,
) (UpsertResult[*model.Notification], error) {
	var result UpsertResult[*model.Notification]

	if n.UserID == "" || n.SourceItemID == "" {
		return result, &model.ValidationError{
			Field:   "notification",
			Message: "user_id and source_item_id are required",
		}
	}
	if n.Status == "" {
		n.Status = model.NotificationStatusUnread
	}

	existing, err := r.GetNotificationForSourceItem(ctx, n.UserID, n.SourceItemID)
	if err != nil {
		return result, err
	}

	if existing == nil {
		id := uuid.New().String()
		now := r.timestamp()
		res, err := r.q.ExecContext(ctx, r.q.Rebind(`
			INSERT INTO notifications (
				id, user_id, kind, title, status, snoozed_until,
				source_item_id, task_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
			ON CONFLICT (user_id, source_item_id) DO NOTHING`),
			id, n.UserID, string(n.Kind), n.Title, string(n.Status),
			n.SourceItemID, nullableString(n.TaskID), now, now,
		)
		if err != nil {
			return result, storageErr("inserting notification", err)
		}
		if rows, _ := res.RowsAffected(); rows == 1 {
			created := *n
			created.ID = id
			created.SnoozedUntil = nil
			created.CreatedAt = now
			created.UpdatedAt = now
			return UpsertResult[*model.Notification]{
				Value:      &created,
				IsModified: true,
				IsCreated:  true,
			}, nil
		}

		existing, err = r.GetNotificationForSourceItem(ctx, n.UserID, n.SourceItemID)
		if err != nil {
			return result, err
		}
		if existing == nil {
			return result, storageErr("inserting notification",
				fmt.Errorf("row for item %s vanished after conflict", n.SourceItemID))
		}
	}

	merged := *existing
	merged.Kind = n.Kind
	merged.Title = n.Title
	merged.Status = n.Status
	if n.TaskID != nil {
		merged.TaskID = n.TaskID
	}

	if merged.Kind == existing.Kind &&
		merged.Title == existing.Title &&
		merged.Status == existing.Status &&
		equalStringPtr(merged.TaskID, existing.TaskID) {
		return UpsertResult[*model.Notification]{Value: existing}, nil
	}

	merged.UpdatedAt = r.timestamp()
	_, err = r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE notifications SET
			kind = ?, title = ?, status = ?, task_id = ?, updated_at = ?
		WHERE id = ?`),
		string(merged.Kind), merged.Title, string(merged.Status),
		nullableString(merged.TaskID), merged.UpdatedAt, merged.ID,
	)
	if err != nil {
		return result, storageErr("updating notification", err)
	}

	return UpsertResult[*model.Notification]{Value: &merged, IsModified: true}, nil
}

// GetNotification retrieves a single notification by ID.
func (r *repo) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := sqlx.GetContext(ctx, r.q, &n, r.q.Rebind(
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "notification", ID: id}
	}
	if err != nil {
		return nil, storageErr("getting notification", err)
	}
	return &n, nil
}

// GetNotificationForSourceItem returns nil, nil when the item has no
// notification for the user.
func (r *repo) GetNotificationForSourceItem(
	ctx context.Context,
	userID string,
	sourceItemID string,
) (*model.Notification, error) {
	var n model.Notification
	err := sqlx.GetContext(ctx, r.q, &n, r.q.Rebind(
		"SELECT "+notificationColumns+` FROM notifications
		WHERE user_id = ? AND source_item_id = ?`), userID, sourceItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("getting notification for item", err)
	}
	return &n, nil
}

// ListNotifications retrieves notifications matching the filter, newest
// first.
func (r *repo) ListNotifications(
	ctx context.Context,
	filter NotificationFilter,
) ([]model.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE 1=1"
	var args []interface{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += " AND status IN (?)"
		args = append(args, statuses)
	}
	if filter.Kind != nil {
		query += " AND kind = ?"
		args = append(args, string(*filter.Kind))
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	q, qargs, err := r.in(query, args...)
	if err != nil {
		return nil, fmt.Errorf("building notification query: %w", err)
	}

	var out []model.Notification
	if err := sqlx.SelectContext(ctx, r.q, &out, q, qargs...); err != nil {
		return nil, storageErr("listing notifications", err)
	}
	return out, nil
}

// PatchNotification applies a user edit. Snoozing requires a snooze time;
// any other status clears it.
func (r *repo) PatchNotification(
	ctx context.Context,
	id string,
	patch model.NotificationPatch,
) (*model.Notification, error) {
	n, err := r.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		n.Status = *patch.Status
	}
	if patch.SnoozedUntil != nil {
		t := patch.SnoozedUntil.UTC()
		n.SnoozedUntil = &t
		if patch.Status == nil {
			n.Status = model.NotificationStatusSnoozed
		}
	}
	if n.Status == model.NotificationStatusSnoozed && n.SnoozedUntil == nil {
		return nil, &model.ValidationError{
			Field:   "snoozed_until",
			Message: "required when snoozing",
		}
	}
	if n.Status != model.NotificationStatusSnoozed {
		n.SnoozedUntil = nil
	}

	n.UpdatedAt = r.timestamp()
	result, err := r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE notifications SET status = ?, snoozed_until = ?, updated_at = ?
		WHERE id = ?`),
		string(n.Status), utcPtr(n.SnoozedUntil), n.UpdatedAt, id,
	)
	if err != nil {
		return nil, storageErr("patching notification", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, &model.NotFoundError{Entity: "notification", ID: id}
	}
	return n, nil
}

// DeleteNotificationsForItems marks the notifications of the given items
// deleted and returns how many changed.
func (r *repo) DeleteNotificationsForItems(
	ctx context.Context,
	itemIDs []string,
) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	q, args, err := r.in(`
		UPDATE notifications SET status = ?, updated_at = ?
		WHERE source_item_id IN (?) AND status <> ?`,
		string(model.NotificationStatusDeleted), r.timestamp(), itemIDs,
		string(model.NotificationStatusDeleted),
	)
	if err != nil {
		return 0, fmt.Errorf("building notification delete query: %w", err)
	}

	res, err := r.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storageErr("deleting stale notifications", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
