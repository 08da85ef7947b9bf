package projection

import (
	"reflect"
	"testing"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
)

func item(data model.ThirdPartyItemData) *model.ThirdPartyItem {
	it := model.NewThirdPartyItem("user-1", "conn-1", data)
	it.ID = "item-1"
	return it
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := &model.TodoistConfig{SyncTasksEnabled: true, CreateNotificationFromInboxTask: true}
	it := item(&model.TodoItem{ID: "T1", Content: "Buy milk", InInbox: true, Priority: 4})

	a, err := Build(it, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(it, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Build not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestBuildByKind(t *testing.T) {
	slackTask := &model.SlackConfig{
		Star:     model.SlackStarConfig{SyncEnabled: true, SyncType: model.SyncAsTask},
		Reaction: model.SlackReactionConfig{SyncEnabled: true, ReactionName: "eyes", SyncType: model.SyncAsNotification},
		Message:  model.SlackMessageConfig{SyncEnabled: true},
	}

	tests := []struct {
		name      string
		data      model.ThirdPartyItemData
		cfg       model.ProviderConfig
		wantNotif model.NotificationStatus
		wantTask  model.TaskStatus
		wantLink  bool
	}{
		{
			name:      "open jira issue",
			data:      &model.JiraIssue{Key: "P-1", StatusCategory: model.JiraCategoryIndeterminate},
			cfg:       &model.JiraConfig{},
			wantNotif: model.NotificationStatusUnread,
			wantLink:  true,
		},
		{
			name:      "done jira issue",
			data:      &model.JiraIssue{Key: "P-1", StatusCategory: model.JiraCategoryDone},
			cfg:       &model.JiraConfig{},
			wantNotif: model.NotificationStatusDeleted,
			wantLink:  true,
		},
		{
			name:      "unread mail",
			data:      &model.MailThread{ThreadID: "123", Unread: true},
			cfg:       &model.GoogleMailConfig{},
			wantNotif: model.NotificationStatusUnread,
		},
		{
			name:      "archived mail",
			data:      &model.MailThread{ThreadID: "123", Unread: true, Archived: true},
			cfg:       &model.GoogleMailConfig{},
			wantNotif: model.NotificationStatusDeleted,
		},
		{
			name:      "cancelled event",
			data:      &model.CalendarEvent{UID: "e", Status: model.CalendarStatusCancelled},
			cfg:       &model.IMAPConfig{},
			wantNotif: model.NotificationStatusDeleted,
		},
		{
			name:     "star as task",
			data:     &model.SlackStar{Channel: "C", MessageTS: "1", Starred: true},
			cfg:      slackTask,
			wantTask: model.TaskStatusActive,
		},
		{
			name:     "unstar as task",
			data:     &model.SlackStar{Channel: "C", MessageTS: "1", Starred: false},
			cfg:      slackTask,
			wantTask: model.TaskStatusDone,
		},
		{
			name:      "matching reaction as notification",
			data:      &model.SlackReaction{Channel: "C", MessageTS: "1", Name: "eyes", Active: true},
			cfg:       slackTask,
			wantNotif: model.NotificationStatusUnread,
		},
		{
			name: "other reaction ignored",
			data: &model.SlackReaction{Channel: "C", MessageTS: "1", Name: "tada", Active: true},
			cfg:  slackTask,
		},
		{
			name:      "thread with message sync",
			data:      &model.SlackThread{Channel: "C", ThreadTS: "1"},
			cfg:       slackTask,
			wantNotif: model.NotificationStatusUnread,
		},
		{
			name: "star with sync disabled",
			data: &model.SlackStar{Channel: "C", MessageTS: "1", Starred: true},
			cfg:  &model.SlackConfig{},
		},
		{
			name: "config for another provider",
			data: &model.SlackStar{Channel: "C", MessageTS: "1", Starred: true},
			cfg:  &model.JiraConfig{},
		},
		{
			name:     "checked todo",
			data:     &model.TodoItem{ID: "T1", Content: "x", Checked: true},
			cfg:      &model.TodoistConfig{SyncTasksEnabled: true},
			wantTask: model.TaskStatusDone,
		},
		{
			name:      "inbox todo with notification toggle",
			data:      &model.TodoItem{ID: "T1", Content: "x", InInbox: true},
			cfg:       &model.TodoistConfig{SyncTasksEnabled: true, CreateNotificationFromInboxTask: true},
			wantTask:  model.TaskStatusActive,
			wantNotif: model.NotificationStatusUnread,
		},
		{
			name:      "open pull request",
			data:      &model.PullRequest{Project: "P", Repository: "r", Number: 7, State: model.PullRequestOpen},
			cfg:       &model.BitbucketConfig{},
			wantNotif: model.NotificationStatusUnread,
		},
		{
			name:      "merged pull request",
			data:      &model.PullRequest{Project: "P", Repository: "r", Number: 7, State: model.PullRequestMerged},
			cfg:       &model.BitbucketConfig{},
			wantNotif: model.NotificationStatusDeleted,
		},
		{
			name:      "webhook as notification",
			data:      &model.WebhookItem{ExternalID: "w", Title: "Deploy", State: model.WebhookStateOpen},
			cfg:       &model.WebhookConfig{CreateAs: model.SyncAsNotification},
			wantNotif: model.NotificationStatusUnread,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(item(tt.data), tt.cfg)
			if err != nil {
				t.Fatal(err)
			}

			if tt.wantNotif == "" {
				if got.Notification != nil {
					t.Errorf("unexpected notification %+v", got.Notification)
				}
			} else if got.Notification == nil || got.Notification.Status != tt.wantNotif {
				t.Errorf("notification = %+v, want status %s", got.Notification, tt.wantNotif)
			}

			if tt.wantTask == "" {
				if got.Task != nil {
					t.Errorf("unexpected task %+v", got.Task)
				}
			} else if got.Task == nil || got.Task.Status != tt.wantTask {
				t.Errorf("task = %+v, want status %s", got.Task, tt.wantTask)
			}

			if got.LinkExistingTask != tt.wantLink {
				t.Errorf("LinkExistingTask = %v, want %v", got.LinkExistingTask, tt.wantLink)
			}
		})
	}
}

func TestTodoPriorityMapping(t *testing.T) {
	got, err := Build(item(&model.TodoItem{ID: "T1", Content: "x", Priority: 4}), &model.TodoistConfig{SyncTasksEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Task.Priority != model.PriorityCritical {
		t.Fatalf("priority = %d, want %d", got.Task.Priority, model.PriorityCritical)
	}
	if got.Task.SinkItemID == nil || *got.Task.SinkItemID != "item-1" {
		t.Fatal("todo task does not sink into its own item")
	}
}

func TestBuildWebhookWithoutMode(t *testing.T) {
	for _, mode := range []model.SyncType{"", "as_email"} {
		got, err := Build(
			item(&model.WebhookItem{ExternalID: "w", Title: "Deploy", State: model.WebhookStateOpen}),
			&model.WebhookConfig{CreateAs: mode},
		)
		if !model.IsUnsupportedAction(err) {
			t.Fatalf("mode %q: err = %v, want unsupported", mode, err)
		}
		if !got.Empty() {
			t.Fatalf("mode %q: projections = %+v, want none", mode, got)
		}
	}
}

func TestRefreshNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	built := &model.Notification{Title: "new", Status: model.NotificationStatusUnread}
	deleted := &model.Notification{Title: "new", Status: model.NotificationStatusDeleted}

	tests := []struct {
		name     string
		existing *model.Notification
		built    *model.Notification
		want     model.NotificationStatus
	}{
		{"no existing", nil, built, model.NotificationStatusUnread},
		{"read becomes unread", &model.Notification{Status: model.NotificationStatusRead}, built, model.NotificationStatusUnread},
		{"unsubscribed is sticky", &model.Notification{Status: model.NotificationStatusUnsubscribed}, built, model.NotificationStatusUnsubscribed},
		{"active snooze kept", &model.Notification{Status: model.NotificationStatusSnoozed, SnoozedUntil: &later}, built, model.NotificationStatusSnoozed},
		{"expired snooze released", &model.Notification{Status: model.NotificationStatusSnoozed, SnoozedUntil: &earlier}, built, model.NotificationStatusUnread},
		{"deletion wins", &model.Notification{Status: model.NotificationStatusUnsubscribed}, deleted, model.NotificationStatusDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefreshNotification(tt.existing, tt.built, now)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if got.Title != "new" {
				t.Errorf("title = %q, provider title not applied", got.Title)
			}
		})
	}
}
