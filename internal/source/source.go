package source

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
)

// ProviderError reports a failure talking to an external provider. Auth is
// set when the provider rejected the credentials (HTTP 401, revoked grant,
// missing scopes); the user has to reconnect before syncing again.
type ProviderError struct {
	Provider model.ProviderKind
	Message  string
	Auth     bool
	Err      error
}

func (e *ProviderError) Error() string {
	prefix := "provider error"
	if e.Auth {
		prefix = "auth error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", prefix, e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", prefix, e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a ProviderError for provider.
func NewProviderError(provider model.ProviderKind, msg string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: msg, Err: err}
}

// NewAuthError returns a ProviderError with the Auth flag set.
func NewAuthError(provider model.ProviderKind, msg string) *ProviderError {
	return &ProviderError{Provider: provider, Message: msg, Auth: true}
}

// IsProviderError reports whether err (or any error in its chain) is a
// ProviderError.
func IsProviderError(err error) bool {
	var pErr *ProviderError
	return errors.As(err, &pErr)
}

// IsAuthError reports whether err (or any error in its chain) is a
// ProviderError caused by rejected credentials.
func IsAuthError(err error) bool {
	var pErr *ProviderError
	return errors.As(err, &pErr) && pErr.Auth
}

// SyncMode tells the orchestrator how a fetcher's listings relate to the
// provider's full state.
type SyncMode int

const (
	// ModeFull fetchers return every live item on each pass, so anything
	// not returned is stale.
	ModeFull SyncMode = iota

	// ModeIncremental fetchers return only what changed since the stored
	// sync token. Absence means nothing.
	ModeIncremental

	// ModePushOnly providers deliver everything through events; scheduled
	// passes do nothing.
	ModePushOnly
)

func (m SyncMode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeIncremental:
		return "incremental"
	case ModePushOnly:
		return "push-only"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// FetchRequest asks for one page of items.
type FetchRequest struct {
	Connection *model.IntegrationConnection
	Token      *oauth2.Token

	// Cursor is the page cursor returned by the previous page of this
	// pass; empty for the first page.
	Cursor string

	// SyncToken is the token stored by the last successful pass of an
	// incremental source; empty forces a full resync.
	SyncToken string

	PageSize int
}

// FetchedItem is one provider item. ParentSourceID, when set, names the
// source id of another item from the same connection that this item was
// derived from.
type FetchedItem struct {
	Data           model.ThirdPartyItemData
	ParentSourceID string
}

// Page holds one page returned by a fetcher.
type Page struct {
	Items []FetchedItem

	// NextCursor is empty on the last page.
	NextCursor string

	// SyncToken is set by incremental fetchers and stored on the
	// connection once the pass commits.
	SyncToken string

	// Retained names source ids the provider still holds but that this
	// listing did not return in full. Reconciliation keeps them and the
	// items derived from them.
	Retained []string
}

// Fetcher lists items for one provider.
type Fetcher interface {
	Provider() model.ProviderKind
	Mode() SyncMode

	// Kinds returns the item kinds a full listing is authoritative for.
	// Only these kinds are reconciled when items go missing.
	Kinds() []model.ThirdPartyItemKind

	FetchPage(ctx context.Context, req FetchRequest) (*Page, error)
}

// Validator is implemented by fetchers that can discover the provider-side
// identity of a freshly authorized connection.
type Validator interface {
	ValidateConnection(
		ctx context.Context,
		conn *model.IntegrationConnection,
		token *oauth2.Token,
	) (providerUserID string, err error)
}

// Registry maps provider kinds to fetchers.
type Registry struct {
	fetchers map[model.ProviderKind]Fetcher
}

// NewRegistry returns a registry holding fetchers.
func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[model.ProviderKind]Fetcher, len(fetchers))}
	for _, f := range fetchers {
		r.Register(f)
	}
	return r
}

// Register adds or replaces the fetcher for f.Provider().
func (r *Registry) Register(f Fetcher) {
	r.fetchers[f.Provider()] = f
}

// Get returns the fetcher for kind.
func (r *Registry) Get(kind model.ProviderKind) (Fetcher, error) {
	f, ok := r.fetchers[kind]
	if !ok {
		return nil, &model.NotFoundError{Entity: "fetcher", ID: string(kind)}
	}
	return f, nil
}

// Providers lists the registered provider kinds in a stable order.
func (r *Registry) Providers() []model.ProviderKind {
	out := make([]model.ProviderKind, 0, len(r.fetchers))
	for k := range r.fetchers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PushOnly is the fetcher for providers that only deliver events.
type PushOnly struct {
	Kind model.ProviderKind
}

func (p PushOnly) Provider() model.ProviderKind      { return p.Kind }
func (p PushOnly) Mode() SyncMode                    { return ModePushOnly }
func (p PushOnly) Kinds() []model.ThirdPartyItemKind { return nil }

func (p PushOnly) FetchPage(context.Context, FetchRequest) (*Page, error) {
	return &Page{}, nil
}
