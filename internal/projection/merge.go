package projection

import (
	"time"

	"github.com/nhle/inbox-sync/internal/model"
)

// RefreshNotification combines a freshly built notification with the one
// already stored for the same source item. The provider decides the
// status except where the user has claimed it: an unsubscribed
// notification stays unsubscribed and an active snooze is kept. A deleted
// source item always wins.
func RefreshNotification(
	existing *model.Notification,
	built *model.Notification,
	now time.Time,
) *model.Notification {
	out := *built
	if existing == nil {
		return &out
	}

	switch {
	case built.Status == model.NotificationStatusDeleted:
	case existing.Status == model.NotificationStatusUnsubscribed:
		out.Status = model.NotificationStatusUnsubscribed
	case existing.IsSnoozedAt(now):
		out.Status = model.NotificationStatusSnoozed
	}
	return &out
}
