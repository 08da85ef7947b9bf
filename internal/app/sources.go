package app

import (
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/source/bitbucket"
	"github.com/nhle/inbox-sync/internal/source/email"
	"github.com/nhle/inbox-sync/internal/source/googlemail"
	"github.com/nhle/inbox-sync/internal/source/jira"
	"github.com/nhle/inbox-sync/internal/source/slack"
	"github.com/nhle/inbox-sync/internal/source/todoist"
	"github.com/nhle/inbox-sync/internal/source/webhook"
)

// imapFetchLimit caps the messages read from one mailbox per pass.
const imapFetchLimit = 200

// newRegistry registers one fetcher per provider kind.
func newRegistry(cfg *model.AppConfig) *source.Registry {
	return source.NewRegistry(
		jira.NewFetcher(),
		bitbucket.NewFetcher(),
		googlemail.NewFetcher(),
		email.NewFetcher(imapFetchLimit),
		todoist.NewFetcher(todoist.DefaultBaseURL),
		slack.NewFetcher(cfg.Slack.APIBaseURL),
		webhook.NewFetcher(),
	)
}

// googleOAuthConfig loads the OAuth client used to refresh Gmail tokens.
// It returns nil when no client file is configured.
func googleOAuthConfig(cfg model.GoogleConfig) (*oauth2.Config, error) {
	if cfg.OAuthClientFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(cfg.OAuthClientFile)
	if err != nil {
		return nil, fmt.Errorf("reading oauth client file: %w", err)
	}
	conf, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing oauth client file: %w", err)
	}
	return conf, nil
}

// groupExpander returns a per-request factory for Slack user-group
// lookups, or nil when no bot token is stored.
func (a *App) groupExpander() func() slack.GroupExpander {
	token, err := a.Credentials.Get(a.Config.Slack.BotTokenKey)
	if err != nil {
		a.logger.Warn("slack user group mentions disabled", "key", a.Config.Slack.BotTokenKey, "error", err)
		return nil
	}
	client := slack.NewClient(a.Config.Slack.APIBaseURL, token)
	return func() slack.GroupExpander {
		return slack.NewUserGroupCache(client)
	}
}
