package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/router"
	"github.com/nhle/inbox-sync/internal/source/slack"
	appsync "github.com/nhle/inbox-sync/internal/sync"
	"github.com/nhle/inbox-sync/tests/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEvents struct {
	err    error
	events []router.Event
}

func (f *fakeEvents) HandlePushEvent(_ context.Context, ev router.Event, _ slack.GroupExpander) error {
	f.events = append(f.events, ev)
	return f.err
}

type fakeSyncer struct {
	userID  string
	kind    *model.ProviderKind
	results []model.ThirdPartyItemCreationResult
}

func (f *fakeSyncer) Sync(_ context.Context, userID string, kind *model.ProviderKind) ([]model.ThirdPartyItemCreationResult, error) {
	f.userID, f.kind = userID, kind
	return f.results, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const starBody = `{"type":"event_callback","event":{"type":"star_added","user":"UA",
	"item":{"type":"message","channel":"C1","message":{"ts":"1.1","text":"hi"}}}}`

func TestSlackURLVerification(t *testing.T) {
	events := &fakeEvents{}
	h := NewServer(&fakeSyncer{}, events, testutil.NewTestStore(t)).Handler()

	rec := do(t, h, http.MethodPost, "/hooks/slack", `{"type":"url_verification","challenge":"abc"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["challenge"] != "abc" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}
	if len(events.events) != 0 {
		t.Fatalf("verification was routed: %+v", events.events)
	}
}

func TestSlackEventErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"routed", starBody, nil, http.StatusOK},
		{"unsupported from router", starBody, model.Unsupported("star sync disabled"), http.StatusOK},
		{"unknown event shape", `{"type":"event_callback","event":{"type":"team_join"}}`, nil, http.StatusOK},
		{"validation", starBody, &model.ValidationError{Field: "event", Message: "bad"}, http.StatusBadRequest},
		{"storage", starBody, &model.StorageError{Op: "commit", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"malformed", `{`, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(&fakeSyncer{}, &fakeEvents{err: tt.err}, testutil.NewTestStore(t)).Handler()
			rec := do(t, h, http.MethodPost, "/hooks/slack", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSlackSignatureVerification(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	events := &fakeEvents{}
	srv := NewServer(&fakeSyncer{}, events, testutil.NewTestStore(t), WithSlackSigningSecret("s3cret"))
	srv.now = func() time.Time { return now }
	h := srv.Handler()

	ts := strconv.FormatInt(now.Unix(), 10)
	good := map[string]string{
		slackTimestampHeader: ts,
		slackSignatureHeader: slackSignature("s3cret", ts, []byte(starBody)),
	}
	if rec := do(t, h, http.MethodPost, "/hooks/slack", starBody, good); rec.Code != http.StatusOK {
		t.Fatalf("signed request status = %d", rec.Code)
	}

	bad := map[string]string{
		slackTimestampHeader: ts,
		slackSignatureHeader: slackSignature("other", ts, []byte(starBody)),
	}
	if rec := do(t, h, http.MethodPost, "/hooks/slack", starBody, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", rec.Code)
	}

	old := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	stale := map[string]string{
		slackTimestampHeader: old,
		slackSignatureHeader: slackSignature("s3cret", old, []byte(starBody)),
	}
	if rec := do(t, h, http.MethodPost, "/hooks/slack", starBody, stale); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale request status = %d", rec.Code)
	}

	if len(events.events) != 1 {
		t.Fatalf("routed %d events, want 1", len(events.events))
	}
}

func TestWebhookRoutesPayload(t *testing.T) {
	events := &fakeEvents{}
	h := NewServer(&fakeSyncer{}, events, testutil.NewTestStore(t)).Handler()

	rec := do(t, h, http.MethodPost, "/hooks/webhook/conn-1", `{"external_id":"x","title":"t"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	ev, ok := events.events[0].(router.WebhookEvent)
	if !ok || ev.ConnectionID != "conn-1" || !strings.Contains(string(ev.Payload), `"external_id":"x"`) {
		t.Fatalf("event = %+v", events.events[0])
	}

	events.err = &model.NotFoundError{Entity: "integration connection", ID: "conn-1"}
	if rec := do(t, h, http.MethodPost, "/hooks/webhook/conn-1", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing connection status = %d", rec.Code)
	}
}

func TestSyncNow(t *testing.T) {
	syncer := &fakeSyncer{results: []model.ThirdPartyItemCreationResult{
		{IsModified: true, Task: &model.Task{}},
		{IsModified: false},
	}}
	h := NewServer(syncer, &fakeEvents{}, testutil.NewTestStore(t)).Handler()

	rec := do(t, h, http.MethodPost, "/users/user-1/sync?provider=todoist", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if syncer.userID != "user-1" || syncer.kind == nil || *syncer.kind != model.ProviderTodoist {
		t.Fatalf("sync called with %q %v", syncer.userID, syncer.kind)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got["items"] != 2 || got["modified"] != 1 || got["tasks"] != 1 {
		t.Fatalf("body = %v", got)
	}

	if rec := do(t, h, http.MethodPost, "/users/user-1/sync?provider=fax", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d", rec.Code)
	}
}

func TestListNotifications(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})
	res, err := s.CreateOrUpdateThirdPartyItem(ctx, model.NewThirdPartyItem("user-1", conn.ID, &model.MailThread{ThreadID: "t1", Subject: "Hello"}))
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	_, err = s.UpsertNotification(ctx, &model.Notification{
		UserID:       "user-1",
		Kind:         model.KindMailThread,
		Title:        "Hello",
		Status:       model.NotificationStatusUnread,
		SourceItemID: res.Value.ID,
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}

	h := NewServer(&fakeSyncer{}, &fakeEvents{}, s).Handler()

	rec := do(t, h, http.MethodGet, "/users/user-1/notifications?status=unread", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Notifications []model.Notification `json:"notifications"`
		Count         int                  `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 1 || body.Notifications[0].Title != "Hello" {
		t.Fatalf("body = %+v", body)
	}

	rec = do(t, h, http.MethodGet, "/users/user-1/tasks", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("tasks = %d %s", rec.Code, rec.Body.String())
	}

}

func TestPatchNotification(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.GoogleMailConfig{})
	item, err := s.CreateOrUpdateThirdPartyItem(ctx, model.NewThirdPartyItem("user-1", conn.ID, &model.MailThread{ThreadID: "t1", Subject: "Hello"}))
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	res, err := s.UpsertNotification(ctx, &model.Notification{
		UserID:       "user-1",
		Kind:         model.KindMailThread,
		Title:        "Hello",
		Status:       model.NotificationStatusUnread,
		SourceItemID: item.Value.ID,
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	id := res.Value.ID
	h := NewServer(&fakeSyncer{}, &fakeEvents{}, s).Handler()

	rec := do(t, h, http.MethodPatch, "/users/user-1/notifications/"+id, `{"snoozed_until":"2030-01-01T00:00:00Z"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snooze status = %d (%s)", rec.Code, rec.Body.String())
	}
	stored, err := s.GetNotification(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.NotificationStatusSnoozed || stored.SnoozedUntil == nil {
		t.Fatalf("stored = %+v", stored)
	}

	rec = do(t, h, http.MethodPatch, "/users/user-1/notifications/"+id, `{"status":"unsubscribed"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe status = %d (%s)", rec.Code, rec.Body.String())
	}
	stored, _ = s.GetNotification(ctx, id)
	if stored.Status != model.NotificationStatusUnsubscribed || stored.SnoozedUntil != nil {
		t.Fatalf("stored = %+v", stored)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown status", "/users/user-1/notifications/" + id, `{"status":"archived"}`, http.StatusBadRequest},
		{"snooze without time", "/users/user-1/notifications/" + id, `{"status":"snoozed"}`, http.StatusBadRequest},
		{"malformed", "/users/user-1/notifications/" + id, `{`, http.StatusBadRequest},
		{"other user", "/users/user-2/notifications/" + id, `{"status":"read"}`, http.StatusNotFound},
		{"missing", "/users/user-1/notifications/nope", `{"status":"read"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPatch, tt.path, tt.body, nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestPatchTask(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.CreateValidatedConnection(t, s, "user-1", "", &model.TodoistConfig{SyncTasksEnabled: true})
	item, err := s.CreateOrUpdateThirdPartyItem(ctx, model.NewThirdPartyItem("user-1", conn.ID, &model.TodoItem{ID: "T1", Content: "Buy milk"}))
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	res, err := s.UpsertTask(ctx, &model.Task{
		UserID:       "user-1",
		Kind:         model.KindTodoItem,
		Title:        "Buy milk",
		Status:       model.TaskStatusActive,
		Priority:     model.PriorityMedium,
		SourceItemID: item.Value.ID,
	})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	id := res.Value.ID
	h := NewServer(&fakeSyncer{}, &fakeEvents{}, s).Handler()

	rec := do(t, h, http.MethodPatch, "/users/user-1/tasks/"+id, `{"status":"done","priority_override":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var got model.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Status != model.TaskStatusDone || got.CompletedAt == nil || got.EffectivePriority() != model.PriorityCritical {
		t.Fatalf("task = %+v", got)
	}

	if rec := do(t, h, http.MethodPatch, "/users/user-1/tasks/"+id, `{"priority_override":9}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range override status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/users/user-1/tasks/"+id, `{"status":"paused"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/users/user-2/tasks/"+id, `{"status":"active"}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other user status = %d", rec.Code)
	}
}

type fakeStatus []appsync.SyncStatus

func (f fakeStatus) Statuses() []appsync.SyncStatus { return f }

func TestHealthReportsSyncStatus(t *testing.T) {
	s := testutil.NewTestStore(t)

	rec := do(t, NewServer(&fakeSyncer{}, &fakeEvents{}, s).Handler(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("plain health = %d %s", rec.Code, rec.Body.String())
	}

	status := fakeStatus{
		{ConnectionID: "c1", Provider: model.ProviderJira, State: appsync.SyncIdle, LastSync: time.Unix(1_700_000_000, 0)},
		{ConnectionID: "c2", Provider: model.ProviderIMAP, State: appsync.SyncError, Error: errors.New("login failed")},
	}
	h := NewServer(&fakeSyncer{}, &fakeEvents{}, s, WithSyncStatus(status)).Handler()
	rec = do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status      string             `json:"status"`
		Connections []connectionHealth `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Status != "degraded" || len(body.Connections) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if c := body.Connections[0]; c.State != "idle" || c.LastSync == nil || c.Error != "" {
		t.Errorf("idle connection = %+v", c)
	}
	if c := body.Connections[1]; c.State != "error" || c.Error != "login failed" || c.LastSync != nil {
		t.Errorf("failing connection = %+v", c)
	}
}
