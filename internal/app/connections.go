package app

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/connection"
	"github.com/nhle/inbox-sync/internal/model"
)

// AddConnection creates a connection of kind for userID from the JSON form
// of its provider config. An empty config takes the provider defaults.
func (a *App) AddConnection(
	ctx context.Context,
	userID string,
	kind string,
	rawConfig string,
) (*model.IntegrationConnection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &model.ValidationError{Field: "user", Message: "must not be empty"}
	}
	k, err := model.ParseProviderKind(kind)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if rawConfig != "" {
		raw = []byte(rawConfig)
	}
	cfg, err := model.DecodeProviderConfig(k, raw)
	if err != nil {
		return nil, &model.ValidationError{Field: "config", Message: err.Error()}
	}
	return a.Connections.Create(ctx, userID, cfg)
}

// Grant holds what an auth flow run outside this process produced.
type Grant struct {
	AccessToken    string
	RefreshToken   string
	Expiry         time.Time
	Scopes         []string
	ProviderUserID string
}

// ValidateConnection stores the grant's token for a connection and marks
// it validated.
func (a *App) ValidateConnection(
	ctx context.Context,
	id string,
	g Grant,
) (*model.IntegrationConnection, error) {
	return a.Connections.Validate(ctx, id, connection.Authorization{
		Token: &oauth2.Token{
			AccessToken:  g.AccessToken,
			RefreshToken: g.RefreshToken,
			Expiry:       g.Expiry,
		},
		Scopes:         g.Scopes,
		ProviderUserID: g.ProviderUserID,
	})
}
