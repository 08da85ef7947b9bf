package bitbucket

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

func pr(id int, state string, reviewers ...string) PullRequest {
	repo := Repository{Slug: "api", Project: Project{Key: "CORE"}}
	out := PullRequest{
		ID:          id,
		Title:       "PR",
		State:       state,
		UpdatedDate: 1_700_000_000_000,
		FromRef:     Ref{DisplayID: "feature", Repository: repo},
		ToRef:       Ref{DisplayID: "main", Repository: repo},
	}
	for _, st := range reviewers {
		out.Reviewers = append(out.Reviewers, Participant{Status: st})
	}
	return out
}

func TestFetchPageWalksBothRoles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != inboxPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat" {
			t.Errorf("authorization = %q", got)
		}
		q := r.URL.Query()
		var resp PullRequestPage
		switch q.Get("role") + "@" + q.Get("start") {
		case "REVIEWER@0":
			resp = PullRequestPage{Values: []PullRequest{pr(1, "OPEN")}, NextPageStart: 1}
		case "REVIEWER@1":
			resp = PullRequestPage{Values: []PullRequest{pr(2, "OPEN", "APPROVED")}, IsLastPage: true}
		case "AUTHOR@0":
			resp = PullRequestPage{Values: []PullRequest{pr(3, "OPEN", "APPROVED", "NEEDS_WORK")}, IsLastPage: true}
		default:
			t.Errorf("unexpected query %v", q)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	req := source.FetchRequest{
		Connection: &model.IntegrationConnection{ID: "c1", Provider: &model.BitbucketConfig{BaseURL: srv.URL}},
		Token:      &oauth2.Token{AccessToken: "pat"},
		PageSize:   1,
	}
	f := NewFetcher()

	var got []*model.PullRequest
	for i := 0; i < 5; i++ {
		page, err := f.FetchPage(context.Background(), req)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		for _, it := range page.Items {
			got = append(got, it.Data.(*model.PullRequest))
		}
		if page.NextCursor == "" {
			break
		}
		req.Cursor = page.NextCursor
	}

	if len(got) != 3 {
		t.Fatalf("got %d pull requests, want 3", len(got))
	}
	if got[0].SourceID() != "CORE/api/1" || got[0].ReviewStatus != model.ReviewUnapproved {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ReviewStatus != model.ReviewApproved || got[2].ReviewStatus != model.ReviewNeedsWork {
		t.Errorf("review statuses = %s, %s", got[1].ReviewStatus, got[2].ReviewStatus)
	}
	if got[0].URL != srv.URL+"/projects/CORE/repos/api/pull-requests/1" {
		t.Errorf("url = %s", got[0].URL)
	}
}

func TestFetchPageAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"token expired"}]}`))
	}))
	defer srv.Close()

	_, err := NewFetcher().FetchPage(context.Background(), source.FetchRequest{
		Connection: &model.IntegrationConnection{ID: "c1", Provider: &model.BitbucketConfig{BaseURL: srv.URL}},
		Token:      &oauth2.Token{AccessToken: "pat"},
	})
	if !source.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestParseCursor(t *testing.T) {
	if role, start, err := parseCursor("1:50"); err != nil || role != 1 || start != 50 {
		t.Fatalf("parseCursor = %d %d %v", role, start, err)
	}
	for _, bad := range []string{"x", "2:0", "0:-1", "a:b"} {
		if _, _, err := parseCursor(bad); !model.IsValidationError(err) {
			t.Errorf("parseCursor(%q) err = %v", bad, err)
		}
	}
}
