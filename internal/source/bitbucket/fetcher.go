package bitbucket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/restclient"
)

// roles are listed in order; a pull request in both inboxes is fetched
// twice with an identical payload.
var roles = []string{"REVIEWER", "AUTHOR"}

const inboxPath = "/rest/api/1.0/inbox/pull-requests"

// Fetcher lists the pull requests in the user's review inbox. Every pass is
// a full listing, so merged or declined pull requests leaving the inbox go
// stale.
type Fetcher struct {
	opts []restclient.Option
}

// NewFetcher creates a Bitbucket fetcher.
func NewFetcher(opts ...restclient.Option) *Fetcher {
	return &Fetcher{opts: opts}
}

func (f *Fetcher) Provider() model.ProviderKind { return model.ProviderBitbucket }
func (f *Fetcher) Mode() source.SyncMode        { return source.ModeFull }

func (f *Fetcher) Kinds() []model.ThirdPartyItemKind {
	return []model.ThirdPartyItemKind{model.KindPullRequest}
}

// FetchPage returns one page of one role's inbox. The cursor is
// "<role index>:<start>".
func (f *Fetcher) FetchPage(ctx context.Context, req source.FetchRequest) (*source.Page, error) {
	cfg, ok := req.Connection.Provider.(*model.BitbucketConfig)
	if !ok || cfg.BaseURL == "" {
		return nil, &model.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("connection %s has no Bitbucket base URL", req.Connection.ID),
		}
	}

	role, start, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := req.PageSize
	if limit < 1 {
		limit = 25
	}

	opts := append([]restclient.Option{restclient.WithErrorDecoder(decodeError)}, f.opts...)
	client := restclient.New(model.ProviderBitbucket, cfg.BaseURL, req.Token.AccessToken, opts...)

	q := url.Values{}
	q.Set("role", roles[role])
	q.Set("start", strconv.Itoa(start))
	q.Set("limit", strconv.Itoa(limit))

	var resp PullRequestPage
	if err := client.Get(ctx, inboxPath, q, &resp); err != nil {
		return nil, fmt.Errorf("fetching %s pull requests: %w", strings.ToLower(roles[role]), err)
	}

	page := &source.Page{Items: make([]source.FetchedItem, 0, len(resp.Values))}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	for _, pr := range resp.Values {
		page.Items = append(page.Items, source.FetchedItem{Data: toPullRequest(baseURL, pr)})
	}

	switch {
	case !resp.IsLastPage:
		page.NextCursor = fmt.Sprintf("%d:%d", role, resp.NextPageStart)
	case role+1 < len(roles):
		page.NextCursor = fmt.Sprintf("%d:0", role+1)
	}
	return page, nil
}

func parseCursor(cursor string) (role int, start int, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	r, s, ok := strings.Cut(cursor, ":")
	if ok {
		role, err = strconv.Atoi(r)
	}
	if ok && err == nil {
		start, err = strconv.Atoi(s)
	}
	if !ok || err != nil || role < 0 || role >= len(roles) || start < 0 {
		return 0, 0, &model.ValidationError{Field: "cursor", Message: fmt.Sprintf("invalid cursor %q", cursor)}
	}
	return role, start, nil
}

func toPullRequest(baseURL string, pr PullRequest) *model.PullRequest {
	projectKey := pr.ToRef.Repository.Project.Key
	repoSlug := pr.ToRef.Repository.Slug
	return &model.PullRequest{
		Project:      projectKey,
		Repository:   repoSlug,
		Number:       pr.ID,
		Title:        pr.Title,
		State:        strings.ToUpper(pr.State),
		Author:       pr.Author.User.DisplayName,
		SourceBranch: pr.FromRef.DisplayID,
		TargetBranch: pr.ToRef.DisplayID,
		ReviewStatus: reviewStatus(pr.Reviewers),
		URL: fmt.Sprintf("%s/projects/%s/repos/%s/pull-requests/%d",
			baseURL, projectKey, repoSlug, pr.ID),
		UpdatedAt: epochMsToTime(pr.UpdatedDate),
	}
}

// reviewStatus folds reviewer verdicts: any NEEDS_WORK wins, then any
// approval, otherwise unapproved.
func reviewStatus(reviewers []Participant) string {
	approved := false
	for _, r := range reviewers {
		if strings.EqualFold(r.Status, model.ReviewNeedsWork) {
			return model.ReviewNeedsWork
		}
		if strings.EqualFold(r.Status, model.ReviewApproved) {
			approved = true
		}
	}
	if approved {
		return model.ReviewApproved
	}
	return model.ReviewUnapproved
}

// epochMsToTime converts a Unix epoch millisecond timestamp to UTC.
func epochMsToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
