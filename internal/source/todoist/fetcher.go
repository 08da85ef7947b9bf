// Package todoist syncs tasks through the Todoist Sync API.
package todoist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/restclient"
)

// DefaultBaseURL is the Sync API root.
const DefaultBaseURL = "https://api.todoist.com/sync/v9"

// fullSyncToken asks the Sync API for a complete snapshot.
const fullSyncToken = "*"

// Fetcher is incremental: each pass sends the stored sync token and
// receives only the items changed since then.
type Fetcher struct {
	baseURL string
	opts    []restclient.Option
}

// NewFetcher creates a Todoist fetcher. An empty baseURL selects
// DefaultBaseURL.
func NewFetcher(baseURL string, opts ...restclient.Option) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Fetcher{baseURL: baseURL, opts: opts}
}

func (f *Fetcher) Provider() model.ProviderKind { return model.ProviderTodoist }
func (f *Fetcher) Mode() source.SyncMode        { return source.ModeIncremental }

func (f *Fetcher) Kinds() []model.ThirdPartyItemKind {
	return []model.ThirdPartyItemKind{model.KindTodoItem}
}

func (f *Fetcher) client(token *oauth2.Token) *restclient.Client {
	opts := append([]restclient.Option{restclient.WithErrorDecoder(decodeError)}, f.opts...)
	return restclient.New(model.ProviderTodoist, f.baseURL, token.AccessToken, opts...)
}

func (f *Fetcher) sync(
	ctx context.Context,
	token *oauth2.Token,
	syncToken string,
	resources ...string,
) (*SyncResponse, error) {
	types, _ := json.Marshal(resources)
	form := url.Values{
		"sync_token":     {syncToken},
		"resource_types": {string(types)},
	}

	var resp SyncResponse
	if err := f.client(token).PostForm(ctx, "/sync", form, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateConnection returns the Todoist user id.
func (f *Fetcher) ValidateConnection(
	ctx context.Context,
	_ *model.IntegrationConnection,
	token *oauth2.Token,
) (string, error) {
	resp, err := f.sync(ctx, token, fullSyncToken, "user")
	if err != nil {
		return "", fmt.Errorf("validating Todoist connection: %w", err)
	}
	if resp.User == nil {
		return "", source.NewProviderError(model.ProviderTodoist, "sync response has no user", nil)
	}
	return resp.User.ID, nil
}

// FetchPage returns every item changed since req.SyncToken together with
// the next sync token. Project names are read from a fresh project
// snapshot because incremental responses omit unchanged projects.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	req source.FetchRequest,
) (*source.Page, error) {
	syncToken := req.SyncToken
	if syncToken == "" {
		syncToken = fullSyncToken
	}

	projects, err := f.sync(ctx, req.Token, fullSyncToken, "projects")
	if err != nil {
		return nil, fmt.Errorf("fetching Todoist projects: %w", err)
	}
	byID := make(map[string]Project, len(projects.Projects))
	for _, p := range projects.Projects {
		byID[p.ID] = p
	}

	resp, err := f.sync(ctx, req.Token, syncToken, "items")
	if err != nil {
		return nil, fmt.Errorf("fetching Todoist items: %w", err)
	}

	page := &source.Page{
		Items:     make([]source.FetchedItem, 0, len(resp.Items)),
		SyncToken: resp.SyncToken,
	}
	for _, it := range resp.Items {
		page.Items = append(page.Items, source.FetchedItem{Data: toTodoItem(it, byID[it.ProjectID])})
	}
	return page, nil
}

func toTodoItem(it Item, project Project) *model.TodoItem {
	return &model.TodoItem{
		ID:          it.ID,
		Content:     it.Content,
		Description: it.Description,
		ProjectID:   it.ProjectID,
		ProjectName: project.Name,
		InInbox:     project.InboxProject,
		Checked:     it.Checked,
		IsDeleted:   it.IsDeleted,
		Priority:    it.Priority,
		Due:         parseDue(it.Due),
	}
}

func parseDue(d *Due) *time.Time {
	if d == nil || d.Date == "" {
		return nil
	}

	loc := time.UTC
	if d.Timezone != "" {
		if l, err := time.LoadLocation(d.Timezone); err == nil {
			loc = l
		}
	}
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, d.Date, loc); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func decodeError(body []byte) string {
	var e ErrorResponse
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		return ""
	}
	return fmt.Sprintf("%s (code %d)", e.Error, e.ErrorCode)
}
