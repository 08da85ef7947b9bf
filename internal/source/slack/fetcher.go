package slack

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/restclient"
)

// Fetcher is push-only: scheduled passes are no-ops. It still validates
// new connections by resolving the token's Slack user id, which the
// router uses to match events to connections.
type Fetcher struct {
	source.PushOnly
	baseURL string
	opts    []restclient.Option
}

// NewFetcher creates the Slack fetcher.
func NewFetcher(baseURL string, opts ...restclient.Option) *Fetcher {
	return &Fetcher{
		PushOnly: source.PushOnly{Kind: model.ProviderSlack},
		baseURL:  baseURL,
		opts:     opts,
	}
}

// ValidateConnection calls auth.test.
func (f *Fetcher) ValidateConnection(
	ctx context.Context,
	_ *model.IntegrationConnection,
	token *oauth2.Token,
) (string, error) {
	return NewClient(f.baseURL, token.AccessToken, f.opts...).AuthTest(ctx)
}
