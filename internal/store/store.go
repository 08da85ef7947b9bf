package store

import (
	"context"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
)

// UpsertResult is returned by idempotent writes. IsModified is false when
// the stored row already held the same value and nothing was written.
type UpsertResult[T any] struct {
	Value      T
	IsModified bool
	IsCreated  bool
}

// ItemFilter selects third-party items.
type ItemFilter struct {
	UserID       string
	ConnectionID string
	Kinds        []model.ThirdPartyItemKind
	IncludeStale bool
}

// NotificationFilter controls filtering and pagination for notification
// queries.
type NotificationFilter struct {
	UserID   string
	Statuses []model.NotificationStatus
	Kind     *model.ThirdPartyItemKind
	Limit    int
	Offset   int
}

// TaskFilter controls filtering and pagination for task queries.
type TaskFilter struct {
	UserID   string
	Statuses []model.TaskStatus
	Kind     *model.ThirdPartyItemKind
	Project  *string
	Limit    int
	Offset   int
}

// ConnectionFilter selects integration connections. Zero values match all.
type ConnectionFilter struct {
	UserID   string
	Kind     *model.ProviderKind
	Statuses []model.ConnectionStatus
}

// Repository is the typed persistence surface for the four entities. It is
// implemented both by the store itself (auto-commit) and by transactions.
type Repository interface {
	// === Third-party items ===

	// CreateOrUpdateThirdPartyItem inserts the item or updates the row
	// sharing its (user, connection, source id) triple. The item's ID and
	// timestamps are filled in from the stored row.
	CreateOrUpdateThirdPartyItem(
		ctx context.Context,
		item *model.ThirdPartyItem,
	) (UpsertResult[*model.ThirdPartyItem], error)
	GetThirdPartyItem(ctx context.Context, id string) (*model.ThirdPartyItem, error)

	// FindThirdPartyItem returns nil, nil when no row matches.
	FindThirdPartyItem(
		ctx context.Context,
		userID string,
		connectionID string,
		sourceID string,
	) (*model.ThirdPartyItem, error)

	// FindThirdPartyItemsBySourceID looks across all users and connections.
	FindThirdPartyItemsBySourceID(
		ctx context.Context,
		kind model.ThirdPartyItemKind,
		sourceID string,
	) ([]*model.ThirdPartyItem, error)
	ListThirdPartyItems(ctx context.Context, filter ItemFilter) ([]*model.ThirdPartyItem, error)
	MarkThirdPartyItemsStale(ctx context.Context, ids []string, at time.Time) error

	// === Notifications ===

	// UpsertNotification writes the provider-controlled columns of the
	// notification for (user, source item). SnoozedUntil is never written.
	UpsertNotification(
		ctx context.Context,
		n *model.Notification,
	) (UpsertResult[*model.Notification], error)
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	GetNotificationForSourceItem(
		ctx context.Context,
		userID string,
		sourceItemID string,
	) (*model.Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]model.Notification, error)
	PatchNotification(
		ctx context.Context,
		id string,
		patch model.NotificationPatch,
	) (*model.Notification, error)
	DeleteNotificationsForItems(ctx context.Context, itemIDs []string) (int64, error)

	// === Tasks ===

	// UpsertTask writes the provider-controlled columns of the task for
	// (user, source item). PriorityOverride is never written.
	UpsertTask(ctx context.Context, t *model.Task) (UpsertResult[*model.Task], error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskForSourceItem(
		ctx context.Context,
		userID string,
		sourceItemID string,
	) (*model.Task, error)

	// FindTaskBySourceID finds the user's task whose source item has the
	// given provider id, whatever provider produced it.
	FindTaskBySourceID(ctx context.Context, userID string, sourceID string) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	PatchTask(ctx context.Context, id string, patch model.TaskPatch) (*model.Task, error)
	CompleteTasksForItems(ctx context.Context, itemIDs []string) (int64, error)

	// === Integration connections ===

	CreateConnection(ctx context.Context, c *model.IntegrationConnection) error
	GetConnection(ctx context.Context, id string) (*model.IntegrationConnection, error)

	// FindConnectionByProviderUserID returns nil, nil when no row matches.
	FindConnectionByProviderUserID(
		ctx context.Context,
		kind model.ProviderKind,
		providerUserID string,
	) (*model.IntegrationConnection, error)
	ListConnections(
		ctx context.Context,
		filter ConnectionFilter,
	) ([]*model.IntegrationConnection, error)
	UpdateConnection(ctx context.Context, c *model.IntegrationConnection) error
	DeleteConnection(ctx context.Context, id string) error
}

// Tx is a Repository bound to one database transaction.
type Tx interface {
	Repository
	Commit() error
	Rollback() error
}

// Store is the persistence entry point. Its own Repository methods run in
// auto-commit mode.
type Store interface {
	Repository
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// WithTx runs fn inside a transaction, committing when it returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, s Store, fn func(Repository) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return &model.StorageError{Op: "commit", Err: err}
	}
	return nil
}

func storageErr(op string, err error) error {
	return &model.StorageError{Op: op, Err: err}
}
