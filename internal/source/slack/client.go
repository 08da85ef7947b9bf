// Package slack holds the Slack pieces the push path needs: the
// push-only fetcher, identity discovery and user-group expansion.
package slack

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/restclient"
)

// DefaultAPIBaseURL is the Web API root.
const DefaultAPIBaseURL = "https://slack.com/api"

// response is the envelope every Web API method returns, with HTTP 200
// even on failure.
type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r response) err(method string) error {
	if r.OK {
		return nil
	}
	switch r.Error {
	case "invalid_auth", "not_authed", "token_revoked", "account_inactive", "missing_scope":
		return source.NewAuthError(model.ProviderSlack, method+": "+r.Error)
	}
	return source.NewProviderError(model.ProviderSlack, method+": "+r.Error, nil)
}

type authTestResponse struct {
	response
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
}

type userGroupUsersResponse struct {
	response
	Users []string `json:"users"`
}

// Client calls the Slack Web API with one token.
type Client struct {
	rest *restclient.Client
}

// NewClient creates a Web API client rooted at baseURL.
func NewClient(baseURL, token string, opts ...restclient.Option) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &Client{rest: restclient.New(model.ProviderSlack, baseURL, token, opts...)}
}

// AuthTest returns the user id the token belongs to.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var resp authTestResponse
	if err := c.rest.Get(ctx, "/auth.test", nil, &resp); err != nil {
		return "", err
	}
	if err := resp.err("auth.test"); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// ExpandGroup returns the members of a user group.
func (c *Client) ExpandGroup(ctx context.Context, groupID string) ([]string, error) {
	var resp userGroupUsersResponse
	q := url.Values{"usergroup": {groupID}}
	if err := c.rest.Get(ctx, "/usergroups.users.list", q, &resp); err != nil {
		return nil, fmt.Errorf("expanding user group %s: %w", groupID, err)
	}
	if err := resp.err("usergroups.users.list"); err != nil {
		return nil, fmt.Errorf("expanding user group %s: %w", groupID, err)
	}
	return resp.Users, nil
}
