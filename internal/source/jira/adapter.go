package jira

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/restclient"
)

// defaultJQL is used when the connection has no custom JQL.
const defaultJQL = "assignee=currentUser() AND " +
	"resolution=Unresolved ORDER BY updated DESC"

// fetchFields are the Jira fields requested during search.
var fetchFields = []string{
	"summary", "status", "priority", "issuetype",
	"project", "updated", "duedate",
}

// Fetcher lists the issues matched by a connection's JQL. Every pass is
// a full listing, so issues leaving the query go stale.
type Fetcher struct {
	opts []restclient.Option
}

// NewFetcher creates a Jira fetcher. Options are passed to every client
// it builds.
func NewFetcher(opts ...restclient.Option) *Fetcher {
	return &Fetcher{opts: opts}
}

func (f *Fetcher) Provider() model.ProviderKind { return model.ProviderJira }
func (f *Fetcher) Mode() source.SyncMode        { return source.ModeFull }

func (f *Fetcher) Kinds() []model.ThirdPartyItemKind {
	return []model.ThirdPartyItemKind{model.KindJiraIssue}
}

func (f *Fetcher) client(cfg *model.JiraConfig, token *oauth2.Token) *restclient.Client {
	opts := append([]restclient.Option{restclient.WithErrorDecoder(decodeError)}, f.opts...)
	return restclient.New(model.ProviderJira, cfg.BaseURL, token.AccessToken, opts...)
}

func config(conn *model.IntegrationConnection) (*model.JiraConfig, error) {
	cfg, ok := conn.Provider.(*model.JiraConfig)
	if !ok || cfg.BaseURL == "" {
		return nil, &model.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("connection %s has no Jira base URL", conn.ID),
		}
	}
	return cfg, nil
}

// ValidateConnection calls GET /rest/api/2/myself and returns the user's
// key, falling back to the account id on Jira Cloud.
func (f *Fetcher) ValidateConnection(
	ctx context.Context,
	conn *model.IntegrationConnection,
	token *oauth2.Token,
) (string, error) {
	cfg, err := config(conn)
	if err != nil {
		return "", err
	}

	var me Myself
	if err := f.client(cfg, token).Get(ctx, "/rest/api/2/myself", nil, &me); err != nil {
		return "", fmt.Errorf("validating Jira connection: %w", err)
	}
	if me.Key != "" {
		return me.Key, nil
	}
	return me.AccountID, nil
}

// FetchPage retrieves one page of issues. The cursor is the startAt offset.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	req source.FetchRequest,
) (*source.Page, error) {
	cfg, err := config(req.Connection)
	if err != nil {
		return nil, err
	}

	startAt := 0
	if req.Cursor != "" {
		startAt, err = strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid Jira cursor %q: %w", req.Cursor, err)
		}
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	jql := cfg.JQL
	if jql == "" {
		jql = defaultJQL
	}

	body := map[string]any{
		"jql":        jql,
		"fields":     fetchFields,
		"startAt":    startAt,
		"maxResults": pageSize,
	}

	var resp SearchResponse
	if err := f.client(cfg, req.Token).Post(ctx, "/rest/api/2/search", body, &resp); err != nil {
		return nil, fmt.Errorf("fetching Jira issues: %w", err)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	page := &source.Page{Items: make([]source.FetchedItem, 0, len(resp.Issues))}
	for _, issue := range resp.Issues {
		page.Items = append(page.Items, source.FetchedItem{Data: issueToItem(baseURL, issue)})
	}

	next := startAt + len(resp.Issues)
	if len(resp.Issues) > 0 && next < resp.Total {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

func issueToItem(baseURL string, issue Issue) *model.JiraIssue {
	out := &model.JiraIssue{
		Key:            issue.Key,
		Summary:        issue.Fields.Summary,
		Status:         issue.Fields.Status.Name,
		StatusCategory: strings.ToLower(issue.Fields.Status.StatusCategory.Key),
		Priority:       normalizePriority(issue.Fields.Priority),
		ProjectKey:     issue.Fields.Project.Key,
		IssueType:      issue.Fields.IssueType.Name,
		URL:            baseURL + "/browse/" + issue.Key,
		UpdatedAt:      parseJiraTime(issue.Fields.Updated),
	}
	if issue.Fields.DueDate != "" {
		if due, err := time.Parse("2006-01-02", issue.Fields.DueDate); err == nil {
			out.DueDate = &due
		}
	}
	return out
}

// normalizePriority maps a Jira priority ID onto the 1..5 scale.
func normalizePriority(priority *Priority) int {
	if priority == nil {
		return model.PriorityMedium
	}
	id, err := strconv.Atoi(priority.ID)
	if err != nil {
		return model.PriorityMedium
	}

	switch {
	case id <= 2:
		return model.PriorityCritical
	case id == 3:
		return model.PriorityHigh
	case id == 4:
		return model.PriorityMedium
	case id == 5:
		return model.PriorityLow
	default:
		return model.PriorityLowest
	}
}

// parseJiraTime parses a Jira timestamp such as
// "2006-01-02T15:04:05.000+0000" and returns it in UTC.
func parseJiraTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	layouts := []string{
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
