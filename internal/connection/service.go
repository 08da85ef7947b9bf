// Package connection manages integration connections: their lifecycle,
// provider identity and access tokens.
package connection

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/credential"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/store"
)

// Service is the IntegrationConnection service.
type Service struct {
	store    store.Store
	creds    *credential.Store
	registry *source.Registry
	oauth    map[model.ProviderKind]*oauth2.Config
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithOAuthConfig registers the OAuth client used to refresh tokens of
// kind. Providers without one use their stored token as-is.
func WithOAuthConfig(kind model.ProviderKind, cfg *oauth2.Config) Option {
	return func(s *Service) { s.oauth[kind] = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a connection service.
func NewService(
	st store.Store,
	creds *credential.Store,
	registry *source.Registry,
	opts ...Option,
) *Service {
	s := &Service{
		store:    st,
		creds:    creds,
		registry: registry,
		oauth:    make(map[model.ProviderKind]*oauth2.Config),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new connection in the created state.
func (s *Service) Create(
	ctx context.Context,
	userID string,
	cfg model.ProviderConfig,
) (*model.IntegrationConnection, error) {
	if cfg == nil {
		return nil, &model.ValidationError{Field: "provider", Message: "must not be empty"}
	}
	c := &model.IntegrationConnection{UserID: userID, Provider: cfg}
	if err := s.store.CreateConnection(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("connection created", "connection", c.ID, "user", userID, "provider", c.Kind())
	return c, nil
}

// Get loads a connection.
func (s *Service) Get(ctx context.Context, id string) (*model.IntegrationConnection, error) {
	return s.store.GetConnection(ctx, id)
}

// FindByProviderUserID resolves an external identity. It returns nil, nil
// when no connection matches.
func (s *Service) FindByProviderUserID(
	ctx context.Context,
	kind model.ProviderKind,
	providerUserID string,
) (*model.IntegrationConnection, error) {
	return s.store.FindConnectionByProviderUserID(ctx, kind, providerUserID)
}

// List returns the connections matching filter.
func (s *Service) List(
	ctx context.Context,
	filter store.ConnectionFilter,
) ([]*model.IntegrationConnection, error) {
	return s.store.ListConnections(ctx, filter)
}

// Authorization is the outcome of an external auth flow.
type Authorization struct {
	Token  *oauth2.Token
	Scopes []string

	// ProviderUserID may be left empty; it is then discovered through the
	// provider when its fetcher supports it.
	ProviderUserID string
}

// Validate stores the credential of a completed authorization and moves
// the connection to validated.
func (s *Service) Validate(
	ctx context.Context,
	id string,
	auth Authorization,
) (*model.IntegrationConnection, error) {
	if auth.Token == nil || auth.Token.AccessToken == "" {
		return nil, &model.ValidationError{Field: "token", Message: "must not be empty"}
	}

	c, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}

	pid := auth.ProviderUserID
	if pid == "" && s.registry != nil {
		if f, err := s.registry.Get(c.Kind()); err == nil {
			if v, ok := f.(source.Validator); ok {
				pid, err = v.ValidateConnection(ctx, c, auth.Token)
				if err != nil {
					return nil, fmt.Errorf("validating connection %s: %w", id, err)
				}
			}
		}
	}

	var pidPtr *string
	if pid != "" {
		other, err := s.store.FindConnectionByProviderUserID(ctx, c.Kind(), pid)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID != c.ID {
			return nil, &model.ValidationError{
				Field:   "provider_user_id",
				Message: fmt.Sprintf("%s account %s is already connected", c.Kind(), pid),
			}
		}
		pidPtr = &pid
	}

	if err := s.creds.SaveToken(c.ConnectionID, auth.Token); err != nil {
		return nil, err
	}

	c.MarkValidated(pidPtr, auth.Scopes)
	if err := s.store.UpdateConnection(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("connection validated",
		"connection", c.ID, "provider", c.Kind(), "provider_user", pid)
	return c, nil
}

// AccessToken returns a usable token for c. Expired OAuth tokens are
// refreshed through the provider's registered OAuth config and the new
// token is stored back.
func (s *Service) AccessToken(
	ctx context.Context,
	c *model.IntegrationConnection,
) (*oauth2.Token, error) {
	tok, err := s.creds.Token(c.ConnectionID)
	if model.IsNotFound(err) {
		return nil, source.NewAuthError(c.Kind(), "no credential stored for connection "+c.ID)
	}
	if err != nil {
		return nil, err
	}

	cfg, ok := s.oauth[c.Kind()]
	if !ok || tok.Valid() || tok.RefreshToken == "" {
		return tok, nil
	}

	fresh, err := cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, &source.ProviderError{
			Provider: c.Kind(),
			Message:  "refreshing access token",
			Auth:     true,
			Err:      err,
		}
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := s.creds.SaveToken(c.ConnectionID, fresh); err != nil {
			return nil, err
		}
		s.logger.Debug("access token refreshed", "connection", c.ID)
	}
	return fresh, nil
}

// Disconnect deletes the connection, its items and projections, and its
// stored credential.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	c, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	if err := s.creds.Delete(c.ConnectionID); err != nil {
		s.logger.Warn("removing credential failed", "connection", id, "error", err)
	}
	s.logger.Info("connection removed", "connection", id, "provider", c.Kind())
	return nil
}
