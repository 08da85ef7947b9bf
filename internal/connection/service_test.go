package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/credential"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/tests/testutil"
)

type identityFetcher struct {
	source.PushOnly
	id string
}

func (f identityFetcher) ValidateConnection(
	context.Context,
	*model.IntegrationConnection,
	*oauth2.Token,
) (string, error) {
	return f.id, nil
}

func newService(t *testing.T, opts ...Option) (*Service, *credential.Store) {
	t.Helper()
	creds := credential.New(keyring.NewArrayKeyring(nil))
	registry := source.NewRegistry(identityFetcher{PushOnly: source.PushOnly{Kind: model.ProviderSlack}, id: "U-ADA"})
	return NewService(testutil.NewTestStore(t), creds, registry, opts...), creds
}

func TestValidateDiscoversIdentity(t *testing.T) {
	ctx := context.Background()
	svc, creds := newService(t)

	c, err := svc.Create(ctx, "user-1", &model.SlackConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != model.ConnectionStatusCreated {
		t.Fatalf("status = %s", c.Status)
	}

	scopes := model.ProviderSlack.RequiredOAuthScopes()
	c, err = svc.Validate(ctx, c.ID, Authorization{Token: &oauth2.Token{AccessToken: "xoxp"}, Scopes: scopes})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Status != model.ConnectionStatusValidated || c.ProviderUserID == nil || *c.ProviderUserID != "U-ADA" {
		t.Fatalf("connection = %+v", c)
	}
	if !c.HasOAuthScopes(scopes) {
		t.Fatal("scopes not recorded")
	}

	found, err := svc.FindByProviderUserID(ctx, model.ProviderSlack, "U-ADA")
	if err != nil || found == nil || found.ID != c.ID {
		t.Fatalf("lookup = %+v, %v", found, err)
	}
	if tok, err := creds.Token(c.ConnectionID); err != nil || tok.AccessToken != "xoxp" {
		t.Fatalf("stored token = %+v, %v", tok, err)
	}

	other, err := svc.Create(ctx, "user-2", &model.SlackConfig{})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	_, err = svc.Validate(ctx, other.ID, Authorization{Token: &oauth2.Token{AccessToken: "x"}})
	if !model.IsValidationError(err) {
		t.Fatalf("duplicate identity err = %v, want ValidationError", err)
	}
}

func TestAccessTokenRefreshes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","refresh_token":"r","expires_in":3600}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, creds := newService(t, WithOAuthConfig(model.ProviderGoogleMail, &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}))

	c, err := svc.Create(ctx, "user-1", &model.GoogleMailConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	expired := &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	if _, err := svc.Validate(ctx, c.ID, Authorization{Token: expired, ProviderUserID: "ada@example.com"}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tok, err := svc.AccessToken(ctx, c)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Fatalf("access token = %q, want fresh", tok.AccessToken)
	}
	if stored, _ := creds.Token(c.ConnectionID); stored.AccessToken != "fresh" {
		t.Fatalf("refreshed token not persisted: %q", stored.AccessToken)
	}
}

func TestAccessTokenMissingCredential(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	c, err := svc.Create(ctx, "user-1", &model.JiraConfig{BaseURL: "https://jira.example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AccessToken(ctx, c); !source.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	svc, creds := newService(t)

	c, err := svc.Create(ctx, "user-1", &model.JiraConfig{BaseURL: "https://jira.example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Validate(ctx, c.ID, Authorization{Token: &oauth2.Token{AccessToken: "pat"}, ProviderUserID: "ada"}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := svc.Disconnect(ctx, c.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := svc.Get(ctx, c.ID); !model.IsNotFound(err) {
		t.Fatalf("get after disconnect err = %v", err)
	}
	if _, err := creds.Get(c.ConnectionID); !model.IsNotFound(err) {
		t.Fatalf("credential still present: %v", err)
	}
}
