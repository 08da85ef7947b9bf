package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/inbox-sync/internal/model"
)

const taskColumns = `id, user_id, kind, title, body, status, priority,
	priority_override, due_at, project, source_item_id, sink_item_id,
	completed_at, created_at, updated_at`

// UpsertTask inserts the task for (user, source item) or overwrites the
// provider-controlled columns of the existing one. completed_at follows
// the status, and a nil SinkItemID keeps the current sink.
func (r *repo) UpsertTask(
	ctx context.Context,
	t *model.Task,
) (UpsertResult[*model.Task], error) {
	var result UpsertResult[*model.Task]

	if strings.TrimSpace(t.Title) == "" {
		return result, &model.ValidationError{Field: "title", Message: "task title must not be empty"}
	}
	if t.UserID == "" || t.SourceItemID == "" {
		return result, &model.ValidationError{
			Field:   "task",
			Message: "user_id and source_item_id are required",
		}
	}
	if t.Status == "" {
		t.Status = model.TaskStatusActive
	}
	if t.Priority < model.PriorityCritical || t.Priority > model.PriorityLowest {
		t.Priority = model.PriorityMedium
	}

	existing, err := r.GetTaskForSourceItem(ctx, t.UserID, t.SourceItemID)
	if err != nil {
		return result, err
	}

	now := r.timestamp()

	if existing == nil {
		created := *t
		created.ID = uuid.New().String()
		created.PriorityOverride = nil
		created.CreatedAt = now
		created.UpdatedAt = now
		created.CompletedAt = nil
		if created.Status == model.TaskStatusDone {
			created.CompletedAt = &now
		}

		res, err := r.q.ExecContext(ctx, r.q.Rebind(`
			INSERT INTO tasks (
				id, user_id, kind, title, body, status, priority,
				priority_override, due_at, project, source_item_id, sink_item_id,
				completed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, source_item_id) DO NOTHING`),
			created.ID, created.UserID, string(created.Kind), created.Title, created.Body,
			string(created.Status), created.Priority,
			utcPtr(created.DueAt), created.Project, created.SourceItemID,
			nullableString(created.SinkItemID),
			utcPtr(created.CompletedAt), created.CreatedAt, created.UpdatedAt,
		)
		if err != nil {
			return result, storageErr("inserting task", err)
		}
		if rows, _ := res.RowsAffected(); rows == 1 {
			return UpsertResult[*model.Task]{Value: &created, IsModified: true, IsCreated: true}, nil
		}

		existing, err = r.GetTaskForSourceItem(ctx, t.UserID, t.SourceItemID)
		if err != nil {
			return result, err
		}
		if existing == nil {
			return result, storageErr("inserting task",
				fmt.Errorf("row for item %s vanished after conflict", t.SourceItemID))
		}
	}

	merged := *existing
	merged.Kind = t.Kind
	merged.Title = t.Title
	merged.Body = t.Body
	merged.Status = t.Status
	merged.Priority = t.Priority
	merged.DueAt = t.DueAt
	merged.Project = t.Project
	if t.SinkItemID != nil {
		merged.SinkItemID = t.SinkItemID
	}

	// Auto-manage completed_at based on status.
	if merged.Status == model.TaskStatusDone && merged.CompletedAt == nil {
		merged.CompletedAt = &now
	} else if merged.Status == model.TaskStatusActive {
		merged.CompletedAt = nil
	}

	if taskProviderFieldsEqual(existing, &merged) {
		return UpsertResult[*model.Task]{Value: existing}, nil
	}

	merged.UpdatedAt = now
	_, err = r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE tasks SET
			kind = ?, title = ?, body = ?, status = ?, priority = ?,
			due_at = ?, project = ?, sink_item_id = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?`),
		string(merged.Kind), merged.Title, merged.Body, string(merged.Status), merged.Priority,
		utcPtr(merged.DueAt), merged.Project, nullableString(merged.SinkItemID),
		utcPtr(merged.CompletedAt), merged.UpdatedAt,
		merged.ID,
	)
	if err != nil {
		return result, storageErr("updating task", err)
	}

	return UpsertResult[*model.Task]{Value: &merged, IsModified: true}, nil
}

func taskProviderFieldsEqual(a, b *model.Task) bool {
	return a.Kind == b.Kind &&
		a.Title == b.Title &&
		a.Body == b.Body &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		equalTimePtr(a.DueAt, b.DueAt) &&
		a.Project == b.Project &&
		equalStringPtr(a.SinkItemID, b.SinkItemID) &&
		equalTimePtr(a.CompletedAt, b.CompletedAt)
}

// GetTask retrieves a single task by ID.
func (r *repo) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := sqlx.GetContext(ctx, r.q, &t, r.q.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, storageErr("getting task", err)
	}
	return &t, nil
}

// GetTaskForSourceItem returns nil, nil when the item has no task for the
// user.
func (r *repo) GetTaskForSourceItem(
	ctx context.Context,
	userID string,
	sourceItemID string,
) (*model.Task, error) {
	var t model.Task
	err := sqlx.GetContext(ctx, r.q, &t, r.q.Rebind(
		"SELECT "+taskColumns+` FROM tasks
		WHERE user_id = ? AND source_item_id = ?`), userID, sourceItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("getting task for item", err)
	}
	return &t, nil
}

// FindTaskBySourceID returns nil, nil when no task matches.
func (r *repo) FindTaskBySourceID(
	ctx context.Context,
	userID string,
	sourceID string,
) (*model.Task, error) {
	var t model.Task
	err := sqlx.GetContext(ctx, r.q, &t, r.q.Rebind(`
		SELECT t.id, t.user_id, t.kind, t.title, t.body, t.status, t.priority,
			t.priority_override, t.due_at, t.project, t.source_item_id, t.sink_item_id,
			t.completed_at, t.created_at, t.updated_at
		FROM tasks t
		JOIN third_party_items i ON i.id = t.source_item_id
		WHERE t.user_id = ? AND i.source_id = ?
		ORDER BY t.created_at, t.id
		LIMIT 1`), userID, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("finding task by source id", err)
	}
	return &t, nil
}

// ListTasks retrieves tasks matching the filter, most recently updated
// first.
func (r *repo) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
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
	if filter.Project != nil {
		query += " AND project = ?"
		args = append(args, *filter.Project)
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
		return nil, fmt.Errorf("building task query: %w", err)
	}

	var out []model.Task
	if err := sqlx.SelectContext(ctx, r.q, &out, q, qargs...); err != nil {
		return nil, storageErr("listing tasks", err)
	}
	return out, nil
}

// PatchTask applies a user edit to status or priority override.
func (r *repo) PatchTask(
	ctx context.Context,
	id string,
	patch model.TaskPatch,
) (*model.Task, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.timestamp()
	if patch.Status != nil {
		t.Status = *patch.Status
		if t.Status == model.TaskStatusDone && t.CompletedAt == nil {
			t.CompletedAt = &now
		} else if t.Status == model.TaskStatusActive {
			t.CompletedAt = nil
		}
	}
	if patch.PriorityOverride != nil {
		p := *patch.PriorityOverride
		if p < model.PriorityCritical || p > model.PriorityLowest {
			return nil, &model.ValidationError{
				Field:   "priority_override",
				Message: fmt.Sprintf("%d is outside 1-5", p),
			}
		}
		t.PriorityOverride = &p
	}
	if patch.ClearOverride {
		t.PriorityOverride = nil
	}

	t.UpdatedAt = now
	result, err := r.q.ExecContext(ctx, r.q.Rebind(`
		UPDATE tasks SET status = ?, priority_override = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`),
		string(t.Status), t.PriorityOverride, utcPtr(t.CompletedAt), t.UpdatedAt, id,
	)
	if err != nil {
		return nil, storageErr("patching task", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, &model.NotFoundError{Entity: "task", ID: id}
	}
	return t, nil
}

// CompleteTasksForItems marks the active tasks of the given items done and
// returns how many changed.
func (r *repo) CompleteTasksForItems(ctx context.Context, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	now := r.timestamp()
	q, args, err := r.in(`
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		WHERE source_item_id IN (?) AND status = ?`,
		string(model.TaskStatusDone), now, now, itemIDs,
		string(model.TaskStatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("building task completion query: %w", err)
	}

	res, err := r.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storageErr("completing stale tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
