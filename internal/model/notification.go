package model

import (
	"fmt"
	"time"
)

// NotificationStatus is the inbox state of a Notification.
type NotificationStatus string

const (
	NotificationStatusUnread       NotificationStatus = "unread"
	NotificationStatusRead         NotificationStatus = "read"
	NotificationStatusDeleted      NotificationStatus = "deleted"
	NotificationStatusUnsubscribed NotificationStatus = "unsubscribed"
	NotificationStatusSnoozed      NotificationStatus = "snoozed"
)

// Notification is the inbox projection of a ThirdPartyItem. There is at
// most one Notification per (user, source item).
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	UserID string `json:"user_id" db:"user_id"`

	// Kind is the kind of the source item.
	Kind ThirdPartyItemKind `json:"kind" db:"kind"`

	Title  string             `json:"title" db:"title"`
	Status NotificationStatus `json:"status" db:"status"`

	// SnoozedUntil is user-owned and never written by a refresh.
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty" db:"snoozed_until"`

	SourceItemID string `json:"source_item_id" db:"source_item_id"`

	// TaskID links the notification to a task sharing its source.
	TaskID *string `json:"task_id,omitempty" db:"task_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsSnoozedAt reports whether the notification is hidden by a snooze
// still in effect at now.
func (n *Notification) IsSnoozedAt(now time.Time) bool {
	return n.Status == NotificationStatusSnoozed &&
		n.SnoozedUntil != nil &&
		n.SnoozedUntil.After(now)
}

// NotificationPatch carries user edits. Nil fields are left unchanged.
type NotificationPatch struct {
	Status       *NotificationStatus
	SnoozedUntil *time.Time
}

// ParseNotificationStatus validates a notification status string.
func ParseNotificationStatus(s string) (NotificationStatus, error) {
	st := NotificationStatus(s)
	switch st {
	case NotificationStatusUnread, NotificationStatusRead, NotificationStatusDeleted,
		NotificationStatusUnsubscribed, NotificationStatusSnoozed:
		return st, nil
	}
	return "", &ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("unknown notification status %q", s),
	}
}
