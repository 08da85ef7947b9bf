// Package googlemail lists Gmail threads through the Gmail API.
package googlemail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

const (
	user         = "me"
	defaultQuery = "in:inbox"
)

// Fetcher lists the threads matching a connection's query, inbox by
// default. Threads leaving the query, for example by being archived,
// go stale on the next pass.
type Fetcher struct {
	opts []option.ClientOption
}

// NewFetcher creates a Gmail fetcher. Extra client options are appended
// after the per-request token client; tests use them to point at a fake
// endpoint.
func NewFetcher(opts ...option.ClientOption) *Fetcher {
	return &Fetcher{opts: opts}
}

func (f *Fetcher) Provider() model.ProviderKind { return model.ProviderGoogleMail }
func (f *Fetcher) Mode() source.SyncMode        { return source.ModeFull }

func (f *Fetcher) Kinds() []model.ThirdPartyItemKind {
	return []model.ThirdPartyItemKind{model.KindMailThread}
}

func (f *Fetcher) service(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, f.opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return srv, nil
}

// ValidateConnection returns the mailbox address. Push notifications
// carry it to identify the connection.
func (f *Fetcher) ValidateConnection(
	ctx context.Context,
	_ *model.IntegrationConnection,
	token *oauth2.Token,
) (string, error) {
	srv, err := f.service(ctx, token)
	if err != nil {
		return "", err
	}
	profile, err := srv.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", providerError("reading profile", err)
	}
	return profile.EmailAddress, nil
}

// FetchPage lists one page of threads and reads each thread's metadata.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	req source.FetchRequest,
) (*source.Page, error) {
	query := defaultQuery
	if cfg, ok := req.Connection.Provider.(*model.GoogleMailConfig); ok && cfg.Query != "" {
		query = cfg.Query
	}
	pageSize := int64(req.PageSize)
	if pageSize < 1 {
		pageSize = 50
	}

	srv, err := f.service(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	call := srv.Users.Threads.List(user).Q(query).MaxResults(pageSize).Context(ctx)
	if req.Cursor != "" {
		call = call.PageToken(req.Cursor)
	}
	list, err := call.Do()
	if err != nil {
		return nil, providerError("listing threads", err)
	}

	page := &source.Page{
		Items:      make([]source.FetchedItem, 0, len(list.Threads)),
		NextCursor: list.NextPageToken,
	}
	for _, t := range list.Threads {
		full, err := srv.Users.Threads.Get(user, t.Id).
			Format("metadata").
			MetadataHeaders("Subject", "From").
			Context(ctx).
			Do()
		if err != nil {
			return nil, providerError("reading thread "+t.Id, err)
		}
		page.Items = append(page.Items, source.FetchedItem{Data: threadToMailThread(full)})
	}
	return page, nil
}

// threadToMailThread summarizes a thread fetched in metadata format.
func threadToMailThread(t *gmail.Thread) *model.MailThread {
	out := &model.MailThread{
		ThreadID:     t.Id,
		Snippet:      t.Snippet,
		MessageCount: len(t.Messages),
		Archived:     true,
	}

	for i, m := range t.Messages {
		for _, label := range m.LabelIds {
			switch label {
			case "UNREAD":
				out.Unread = true
			case "STARRED":
				out.Starred = true
			case "INBOX":
				out.Archived = false
			}
		}

		at := time.UnixMilli(m.InternalDate).UTC()
		if at.After(out.LastMessageAt) || i == 0 {
			out.LastMessageAt = at
			out.From = header(m, "From")
			if m.Snippet != "" {
				out.Snippet = m.Snippet
			}
		}
		if i == 0 {
			out.Subject = header(m, "Subject")
		}
	}
	return out
}

func header(m *gmail.Message, name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func providerError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) &&
		(apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return source.NewAuthError(model.ProviderGoogleMail, op+": "+apiErr.Message)
	}
	return source.NewProviderError(model.ProviderGoogleMail, op, err)
}
