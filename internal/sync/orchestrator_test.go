package sync

import (
	"context"
	"strconv"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/store"
	"github.com/nhle/inbox-sync/tests/testutil"
)

type fakeFetcher struct {
	kind  model.ProviderKind
	mode  source.SyncMode
	kinds []model.ThirdPartyItemKind

	pages    [][]source.FetchedItem
	retained []string
	next     string
	err      error

	syncTokens []string
}

func (f *fakeFetcher) Provider() model.ProviderKind      { return f.kind }
func (f *fakeFetcher) Mode() source.SyncMode             { return f.mode }
func (f *fakeFetcher) Kinds() []model.ThirdPartyItemKind { return f.kinds }

func (f *fakeFetcher) FetchPage(_ context.Context, req source.FetchRequest) (*source.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.syncTokens = append(f.syncTokens, req.SyncToken)

	idx := 0
	if req.Cursor != "" {
		idx, _ = strconv.Atoi(req.Cursor)
	}
	page := &source.Page{SyncToken: f.next, Retained: f.retained}
	if idx < len(f.pages) {
		page.Items = f.pages[idx]
	}
	if idx+1 < len(f.pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context, *model.IntegrationConnection) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok"}, nil
}

func newOrchestrator(t *testing.T, f *fakeFetcher) (*Orchestrator, *store.SQLStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	o := NewOrchestrator(s, source.NewRegistry(f), staticTokens{}, Options{FailureThreshold: 3}, nil)
	return o, s
}

func mailFetcher(threads ...string) *fakeFetcher {
	items := make([]source.FetchedItem, 0, len(threads))
	for _, id := range threads {
		items = append(items, source.FetchedItem{Data: &model.MailThread{ThreadID: id, Subject: "s" + id, Unread: true}})
	}
	return &fakeFetcher{
		kind:  model.ProviderGoogleMail,
		mode:  source.ModeFull,
		kinds: []model.ThirdPartyItemKind{model.KindMailThread},
		pages: [][]source.FetchedItem{items},
	}
}

func TestFullSyncMarksMissingItemsStale(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("123", "456")
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})

	first, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(first.Results) != 2 || first.Stale != 0 {
		t.Fatalf("first pass = %d results, %d stale", len(first.Results), first.Stale)
	}
	item123 := first.Results[0].Item

	f.pages = mailFetcher("456").pages
	second, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Stale != 1 {
		t.Fatalf("stale = %d, want 1", second.Stale)
	}

	n, err := s.GetNotificationForSourceItem(ctx, "user-1", item123.ID)
	if err != nil || n == nil {
		t.Fatalf("notification for 123: %+v, %v", n, err)
	}
	if n.Status != model.NotificationStatusDeleted {
		t.Fatalf("status = %s, want deleted", n.Status)
	}
	stored, err := s.GetThirdPartyItem(ctx, item123.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if stored.StaleAt == nil {
		t.Fatal("missing item not stamped stale")
	}

	// The thread comes back: the item revives and its notification with it.
	f.pages = mailFetcher("123", "456").pages
	third, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if third.Stale != 0 || third.Modified() != 1 {
		t.Fatalf("third pass stale=%d modified=%d", third.Stale, third.Modified())
	}
	n, _ = s.GetNotificationForSourceItem(ctx, "user-1", item123.ID)
	if n.Status != model.NotificationStatusUnread {
		t.Fatalf("revived status = %s, want unread", n.Status)
	}
}

func TestFullSyncKeepsRetainedItems(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("1")
	f.kinds = append(f.kinds, model.KindCalendarEvent)
	f.pages[0] = append(f.pages[0], source.FetchedItem{
		Data:           &model.CalendarEvent{UID: "evt-1", Summary: "Review", Status: model.CalendarStatusConfirmed},
		ParentSourceID: "1",
	})
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})

	if _, err := o.SyncConnection(ctx, conn.ID, SyncOptions{}); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Neither item is listed, but the thread is still held by the provider.
	f.pages = [][]source.FetchedItem{nil}
	f.retained = []string{"1"}
	second, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Stale != 0 {
		t.Fatalf("stale = %d, want 0", second.Stale)
	}

	f.retained = nil
	third, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if third.Stale != 2 {
		t.Fatalf("stale = %d, want 2", third.Stale)
	}
}

func TestFullSyncFollowsCursors(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("1")
	f.pages = append(f.pages, mailFetcher("2").pages[0], mailFetcher("3").pages[0])
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Pages != 3 || len(report.Results) != 3 {
		t.Fatalf("pages=%d results=%d", report.Pages, len(report.Results))
	}
}

func todoFetcher(items ...*model.TodoItem) *fakeFetcher {
	page := make([]source.FetchedItem, 0, len(items))
	for _, it := range items {
		page = append(page, source.FetchedItem{Data: it})
	}
	return &fakeFetcher{
		kind:  model.ProviderTodoist,
		mode:  source.ModeIncremental,
		kinds: []model.ThirdPartyItemKind{model.KindTodoItem},
		pages: [][]source.FetchedItem{page},
	}
}

func TestIncrementalSyncNeverReconciles(t *testing.T) {
	ctx := context.Background()
	f := todoFetcher(&model.TodoItem{ID: "T1", Content: "Buy milk"})
	f.next = "tok-1"
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.TodoistConfig{SyncTasksEnabled: true})

	if _, err := o.SyncConnection(ctx, conn.ID, SyncOptions{}); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	f.pages = nil
	f.next = "tok-2"
	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Stale != 0 {
		t.Fatalf("incremental pass reconciled %d items", report.Stale)
	}

	tasks, err := s.ListTasks(ctx, store.TaskFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != model.TaskStatusActive {
		t.Fatalf("tasks = %+v", tasks)
	}

	if len(f.syncTokens) != 2 || f.syncTokens[0] != "" || f.syncTokens[1] != "tok-1" {
		t.Fatalf("sync tokens sent = %v", f.syncTokens)
	}
	stored, _ := s.GetConnection(ctx, conn.ID)
	if stored.SyncCursor == nil || *stored.SyncCursor != "tok-2" {
		t.Fatalf("stored cursor = %v", stored.SyncCursor)
	}
}

func TestCheckedTodoCompletesTask(t *testing.T) {
	ctx := context.Background()
	f := todoFetcher(&model.TodoItem{ID: "T1", Content: "Buy milk", InInbox: true})
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.TodoistConfig{
		SyncTasksEnabled:                true,
		CreateNotificationFromInboxTask: true,
	})

	first, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	res := first.Results[0]
	if res.Task == nil || res.Notification == nil {
		t.Fatalf("first pass result = %+v", res)
	}

	f.pages = todoFetcher(&model.TodoItem{ID: "T1", Content: "Buy milk", InInbox: true, Checked: true}).pages
	if _, err := o.SyncConnection(ctx, conn.ID, SyncOptions{}); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	task, err := s.GetTask(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusDone || task.CompletedAt == nil {
		t.Fatalf("task = %+v", task)
	}
	n, _ := s.GetNotification(ctx, res.Notification.ID)
	if n.Status != model.NotificationStatusDeleted {
		t.Fatalf("inbox notification status = %s, want deleted", n.Status)
	}
}

func TestProviderFailuresFlipToFailing(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("1")
	f.err = source.NewProviderError(model.ProviderGoogleMail, "listing threads", nil)
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})

	for i := 1; i <= 3; i++ {
		report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
		if err != nil {
			t.Fatalf("pass %d returned %v, want recorded failure", i, err)
		}
		if report.Err == nil {
			t.Fatalf("pass %d: no failure recorded", i)
		}

		stored, _ := s.GetConnection(ctx, conn.ID)
		wantStatus := model.ConnectionStatusValidated
		if i == 3 {
			wantStatus = model.ConnectionStatusFailing
		}
		if stored.SyncFailures != i || stored.Status != wantStatus {
			t.Fatalf("after pass %d: failures=%d status=%s", i, stored.SyncFailures, stored.Status)
		}
	}

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil || !report.Skipped {
		t.Fatalf("failing connection not skipped: %+v, %v", report, err)
	}

	f.err = nil
	report, err = o.SyncConnection(ctx, conn.ID, SyncOptions{Force: true})
	if err != nil || report.Skipped {
		t.Fatalf("forced pass = %+v, %v", report, err)
	}
	stored, _ := s.GetConnection(ctx, conn.ID)
	if stored.Status != model.ConnectionStatusValidated || stored.SyncFailures != 0 || stored.LastSyncFailureMessage != nil {
		t.Fatalf("after recovery: %+v", stored)
	}
}

func TestRejectedItemRecordsFailure(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("1", "")
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("pass returned %v, want recorded failure", err)
	}
	if !model.IsValidationError(report.Err) {
		t.Fatalf("report err = %v, want validation error", report.Err)
	}
	if len(report.Results) != 0 {
		t.Fatalf("results = %+v, want none after rollback", report.Results)
	}

	stored, _ := s.GetConnection(ctx, conn.ID)
	if stored.SyncFailures != 1 || stored.LastSyncFailureMessage == nil {
		t.Fatalf("failure not recorded: %+v", stored)
	}
	if stored.LastSyncStartedAt == nil {
		t.Fatal("sync start not recorded")
	}
	items, err := s.ListThirdPartyItems(ctx, store.ItemFilter{UserID: "user-1", ConnectionID: conn.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %d, want rollback", len(items))
	}
}

func TestSkipsUnvalidatedConnection(t *testing.T) {
	ctx := context.Background()
	o, s := newOrchestrator(t, mailFetcher("1"))
	conn := &model.IntegrationConnection{UserID: "user-1", Provider: &model.GoogleMailConfig{}}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil || !report.Skipped || len(report.Results) != 0 {
		t.Fatalf("report = %+v, %v", report, err)
	}
}

func TestMissingScopesFailFast(t *testing.T) {
	ctx := context.Background()
	f := mailFetcher("1")
	o, s := newOrchestrator(t, f)
	conn := &model.IntegrationConnection{UserID: "user-1", Provider: &model.GoogleMailConfig{}}
	conn.MarkValidated(nil, []string{"openid"})
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if !source.IsAuthError(report.Err) {
		t.Fatalf("report err = %v, want auth error", report.Err)
	}
	if len(f.syncTokens) != 0 {
		t.Fatal("fetcher called despite missing scopes")
	}
}

func TestParentBackReference(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{
		kind:  model.ProviderIMAP,
		mode:  source.ModeFull,
		kinds: []model.ThirdPartyItemKind{model.KindMailThread, model.KindCalendarEvent},
		pages: [][]source.FetchedItem{{
			{Data: &model.MailThread{ThreadID: "<a@x>", Subject: "Invite"}},
			{Data: &model.CalendarEvent{UID: "evt-1", Summary: "Review"}, ParentSourceID: "<a@x>"},
		}},
	}
	o, s := newOrchestrator(t, f)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.IMAPConfig{Host: "imap"})

	report, err := o.SyncConnection(ctx, conn.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	thread, event := report.Results[0].Item, report.Results[1].Item

	stored, err := s.GetThirdPartyItem(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.SourceItem == nil || stored.SourceItem.ID != thread.ID {
		t.Fatalf("event back-reference = %+v, want %s", stored.SourceItem, thread.ID)
	}
}

func TestSyncForUserAttributesFailures(t *testing.T) {
	ctx := context.Background()
	good := mailFetcher("1")
	bad := todoFetcher()
	bad.err = source.NewProviderError(model.ProviderTodoist, "down", nil)

	s := testutil.NewTestStore(t)
	o := NewOrchestrator(s, source.NewRegistry(good, bad), staticTokens{}, Options{}, nil)
	o.SetClock(testutil.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).Now)

	testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})
	todo := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.TodoistConfig{SyncTasksEnabled: true})

	results, err := o.Sync(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	stored, _ := s.GetConnection(ctx, todo.ID)
	if stored.SyncFailures != 1 {
		t.Fatalf("todo failures = %d", stored.SyncFailures)
	}

	kind := model.ProviderTodoist
	results, err = o.Sync(ctx, "user-1", &kind)
	if err != nil || len(results) != 0 {
		t.Fatalf("filtered sync = %d results, %v", len(results), err)
	}
}
