package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

func TestFetchPagePaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			JQL     string `json:"jql"`
			StartAt int    `json:"startAt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body.JQL != "project = P" {
			t.Errorf("jql = %q", body.JQL)
		}

		resp := SearchResponse{Total: 3}
		switch body.StartAt {
		case 0:
			resp.Issues = []Issue{issue("P-1", "new"), issue("P-2", "done")}
		case 2:
			resp.Issues = []Issue{issue("P-3", "indeterminate")}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	conn := &model.IntegrationConnection{
		ID:       "c1",
		Provider: &model.JiraConfig{BaseURL: srv.URL, JQL: "project = P"},
	}
	f := NewFetcher()
	req := source.FetchRequest{Connection: conn, Token: &oauth2.Token{AccessToken: "pat"}, PageSize: 2}

	first, err := f.FetchPage(context.Background(), req)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor != "2" {
		t.Fatalf("first page = %d items, cursor %q", len(first.Items), first.NextCursor)
	}
	done := first.Items[1].Data.(*model.JiraIssue)
	if !done.IsDone() || done.URL != srv.URL+"/browse/P-2" {
		t.Fatalf("second issue = %+v", done)
	}

	req.Cursor = first.NextCursor
	second, err := f.FetchPage(context.Background(), req)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("second page = %d items, cursor %q", len(second.Items), second.NextCursor)
	}
}

func TestNormalizePriority(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{"1", model.PriorityCritical},
		{"3", model.PriorityHigh},
		{"4", model.PriorityMedium},
		{"5", model.PriorityLow},
		{"9", model.PriorityLowest},
		{"x", model.PriorityMedium},
	}
	for _, tt := range tests {
		if got := normalizePriority(&Priority{ID: tt.id}); got != tt.want {
			t.Errorf("normalizePriority(%s) = %d, want %d", tt.id, got, tt.want)
		}
	}
	if got := normalizePriority(nil); got != model.PriorityMedium {
		t.Errorf("nil priority = %d", got)
	}
}

func issue(key, category string) Issue {
	return Issue{
		Key: key,
		Fields: IssueFields{
			Summary: "Issue " + key,
			Status:  Status{Name: category, StatusCategory: StatusCategory{Key: category}},
			Project: Project{Key: "P"},
			Updated: "2026-03-01T10:00:00.000+0100",
		},
	}
}
