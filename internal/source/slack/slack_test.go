package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nhle/inbox-sync/internal/source"
)

func TestExpandGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usergroups.users.list" || r.URL.Query().Get("usergroup") != "S1" {
			t.Errorf("request = %s", r.URL)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "users": []string{"UA", "UB"}})
	}))
	defer srv.Close()

	users, err := NewClient(srv.URL, "xoxb").ExpandGroup(context.Background(), "S1")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(users) != 2 || users[0] != "UA" || users[1] != "UB" {
		t.Fatalf("users = %v", users)
	}
}

func TestAuthTestInvalidAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad").AuthTest(context.Background())
	if !source.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

type countingExpander struct {
	calls int
}

func (e *countingExpander) ExpandGroup(context.Context, string) ([]string, error) {
	e.calls++
	return []string{"UA"}, nil
}

func TestUserGroupCache(t *testing.T) {
	next := &countingExpander{}
	cache := NewUserGroupCache(next)

	for i := 0; i < 3; i++ {
		if _, err := cache.ExpandGroup(context.Background(), "S1"); err != nil {
			t.Fatalf("expand: %v", err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("calls = %d, want 1", next.calls)
	}
}
