package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

func TestRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(model.ProviderJira, srv.URL, "tok")
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Get(context.Background(), "/x", nil, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !out.OK || calls.Load() != 2 {
		t.Fatalf("ok=%v calls=%d", out.OK, calls.Load())
	}
}

func TestUnauthorizedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New(model.ProviderTodoist, srv.URL, "tok").Get(context.Background(), "/x", nil, nil)
	if !source.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestServerErrorUsesDecoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad jql"}`))
	}))
	defer srv.Close()

	c := New(model.ProviderJira, srv.URL, "tok", WithErrorDecoder(func([]byte) string { return "bad jql" }))
	err := c.Post(context.Background(), "/x", map[string]string{"a": "b"}, nil)
	if !source.IsProviderError(err) || source.IsAuthError(err) {
		t.Fatalf("err = %v, want non-auth provider error", err)
	}
}
