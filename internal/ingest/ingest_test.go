package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/inbox-sync/internal/ingest"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/store"
	"github.com/nhle/inbox-sync/tests/testutil"
)

func TestItemCreatesProjectionsOnce(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.TodoistConfig{
		SyncTasksEnabled:                true,
		CreateNotificationFromInboxTask: true,
	})
	now := time.Now()

	for i := 0; i < 3; i++ {
		it := model.NewThirdPartyItem("user-1", conn.ID, &model.TodoItem{ID: "T1", Content: "Buy milk", InInbox: true})
		res, err := ingest.Item(ctx, s, conn, it, now)
		if err != nil {
			t.Fatalf("ingest #%d: %v", i, err)
		}
		if i == 0 && (res.Task == nil || res.Notification == nil) {
			t.Fatalf("first ingest did not project: %+v", res)
		}
		if i > 0 && res.IsModified {
			t.Fatalf("ingest #%d reported a change for an identical payload", i)
		}
	}

	tasks, err := s.ListTasks(ctx, store.TaskFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	notifs, err := s.ListNotifications(ctx, store.NotificationFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("listing notifications: %v", err)
	}
	if len(tasks) != 1 || len(notifs) != 1 {
		t.Fatalf("tasks=%d notifications=%d, want 1/1", len(tasks), len(notifs))
	}
	if notifs[0].TaskID == nil || *notifs[0].TaskID != tasks[0].ID {
		t.Fatal("inbox notification not linked to its task")
	}
}

func TestJiraNotificationLinksExistingTask(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	hook := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.WebhookConfig{CreateAs: model.SyncAsTask})
	jira := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.JiraConfig{})
	now := time.Now()

	taskItem := model.NewThirdPartyItem("user-1", hook.ID, &model.WebhookItem{ExternalID: "PROJ-7", Title: "Ship it", State: model.WebhookStateOpen})
	first, err := ingest.Item(ctx, s, hook, taskItem, now)
	if err != nil {
		t.Fatalf("ingesting task item: %v", err)
	}

	issue := model.NewThirdPartyItem("user-1", jira.ID, &model.JiraIssue{Key: "PROJ-7", Summary: "Ship it"})
	res, err := ingest.Item(ctx, s, jira, issue, now)
	if err != nil {
		t.Fatalf("ingesting issue: %v", err)
	}
	if res.Notification == nil || res.Notification.TaskID == nil || *res.Notification.TaskID != first.Task.ID {
		t.Fatalf("issue notification not linked to task %s: %+v", first.Task.ID, res.Notification)
	}
}
