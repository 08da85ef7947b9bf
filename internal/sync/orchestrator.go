// Package sync runs pull passes for integration connections: fetch every
// page from the provider, then ingest and reconcile inside one
// transaction.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/inbox-sync/internal/ingest"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/store"
)

// TokenProvider hands out access tokens for connections.
// *connection.Service implements it.
type TokenProvider interface {
	AccessToken(ctx context.Context, c *model.IntegrationConnection) (*oauth2.Token, error)
}

// Options tunes the orchestrator.
type Options struct {
	FailureThreshold int
	PageSize         int
	MaxPages         int
	Concurrency      int
	FetchTimeout     time.Duration
}

// OptionsFromConfig converts the sync config section.
func OptionsFromConfig(cfg model.SyncConfig) Options {
	return Options{
		FailureThreshold: cfg.FailureThreshold,
		PageSize:         cfg.PageSize,
		MaxPages:         cfg.MaxPages,
		Concurrency:      cfg.Concurrency,
		FetchTimeout:     time.Duration(cfg.FetchTimeoutSec) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = 3
	}
	if o.PageSize < 1 {
		o.PageSize = 50
	}
	if o.MaxPages < 1 {
		o.MaxPages = 100
	}
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 2 * time.Minute
	}
	return o
}

// SyncOptions controls one pass.
type SyncOptions struct {
	// Force runs a pass for a failing connection, for example after the
	// user fixed its configuration.
	Force bool
}

// PassReport describes the outcome of one pass.
type PassReport struct {
	ConnectionID string
	UserID       string
	Provider     model.ProviderKind
	Mode         source.SyncMode

	Skipped    bool
	SkipReason string

	Pages   int
	Results []model.ThirdPartyItemCreationResult
	Stale   int

	// Err is the provider failure recorded against the connection, if
	// any. Storage failures are returned as errors instead.
	Err error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Modified counts the items whose payload changed in the pass.
func (r *PassReport) Modified() int {
	n := 0
	for _, res := range r.Results {
		if res.IsModified {
			n++
		}
	}
	return n
}

// Orchestrator runs sync passes.
type Orchestrator struct {
	store    store.Store
	registry *source.Registry
	tokens   TokenProvider
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
	flight   singleflight.Group
}

// NewOrchestrator creates an orchestrator. A nil logger means
// slog.Default().
func NewOrchestrator(
	st store.Store,
	registry *source.Registry,
	tokens TokenProvider,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		tokens:   tokens,
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Sync runs a pass for each of the user's connections, optionally only
// those of one provider kind, and returns the item results of all passes.
// Provider failures are recorded per connection and do not fail the call;
// storage failures do.
func (o *Orchestrator) Sync(
	ctx context.Context,
	userID string,
	kind *model.ProviderKind,
) ([]model.ThirdPartyItemCreationResult, error) {
	conns, err := o.store.ListConnections(ctx, store.ConnectionFilter{UserID: userID, Kind: kind})
	if err != nil {
		return nil, err
	}

	var results []model.ThirdPartyItemCreationResult
	for _, c := range conns {
		report, err := o.SyncConnection(ctx, c.ID, SyncOptions{})
		if err != nil {
			return results, err
		}
		results = append(results, report.Results...)
	}
	return results, nil
}

// SyncAll runs a pass for every validated connection, several at a time.
// Only storage and context failures are returned.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]*PassReport, error) {
	conns, err := o.store.ListConnections(ctx, store.ConnectionFilter{
		Statuses: []model.ConnectionStatus{model.ConnectionStatusValidated},
	})
	if err != nil {
		return nil, err
	}

	reports := make([]*PassReport, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, c := range conns {
		g.Go(func() error {
			report, err := o.SyncConnection(gctx, c.ID, SyncOptions{})
			if err != nil {
				return fmt.Errorf("syncing connection %s: %w", c.ID, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// SyncConnection runs one pass for a connection. Concurrent calls for the
// same connection share a single pass.
func (o *Orchestrator) SyncConnection(
	ctx context.Context,
	connectionID string,
	opts SyncOptions,
) (*PassReport, error) {
	v, err, shared := o.flight.Do(connectionID, func() (any, error) {
		return o.pass(ctx, connectionID, opts)
	})
	if shared {
		o.logger.Debug("joined running pass", "connection", connectionID)
	}
	report, _ := v.(*PassReport)
	return report, err
}

func (o *Orchestrator) pass(
	ctx context.Context,
	connectionID string,
	opts SyncOptions,
) (*PassReport, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	report := &PassReport{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Provider:     conn.Kind(),
		StartedAt:    o.now(),
	}
	defer func() { report.FinishedAt = o.now() }()

	retryFailing := opts.Force && conn.Status == model.ConnectionStatusFailing
	if !conn.IsSyncable() && !retryFailing {
		return skip(report, "connection is "+string(conn.Status)), nil
	}

	fetcher, err := o.registry.Get(conn.Kind())
	if err != nil {
		return skip(report, "no fetcher for "+string(conn.Kind())), nil
	}
	report.Mode = fetcher.Mode()
	if fetcher.Mode() == source.ModePushOnly {
		return skip(report, "push-only provider"), nil
	}

	if required := conn.Kind().RequiredOAuthScopes(); !conn.HasOAuthScopes(required) {
		missing := conn.MissingOAuthScopes(required)
		cause := source.NewAuthError(conn.Kind(),
			"missing OAuth scopes "+strings.Join(missing, ", ")+"; reconnect the account to grant them")
		return o.fail(ctx, report, conn, cause)
	}

	conn.StartSync(o.now())
	if err := o.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}

	token, err := o.tokens.AccessToken(ctx, conn)
	if err != nil {
		return o.fail(ctx, report, conn, err)
	}

	pages, syncToken, err := o.fetchAll(ctx, fetcher, conn, token)
	if err != nil {
		return o.fail(ctx, report, conn, err)
	}
	report.Pages = len(pages)

	err = store.WithTx(ctx, o.store, func(repo store.Repository) error {
		return o.apply(ctx, repo, report, fetcher, conn, pages, syncToken)
	})
	if err != nil {
		report.Results = nil
		report.Stale = 0
		return o.fail(ctx, report, conn, err)
	}

	o.logger.Info("sync pass complete",
		"connection", conn.ID,
		"provider", conn.Kind(),
		"mode", fetcher.Mode(),
		"pages", report.Pages,
		"items", len(report.Results),
		"modified", report.Modified(),
		"stale", report.Stale,
	)
	return report, nil
}

func skip(report *PassReport, reason string) *PassReport {
	report.Skipped = true
	report.SkipReason = reason
	return report
}

// fetchAll pulls every page before any write happens. Incremental sources
// make a single token-scoped call.
func (o *Orchestrator) fetchAll(
	ctx context.Context,
	fetcher source.Fetcher,
	conn *model.IntegrationConnection,
	token *oauth2.Token,
) ([]*source.Page, string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	req := source.FetchRequest{
		Connection: conn,
		Token:      token,
		PageSize:   o.opts.PageSize,
	}
	if conn.SyncCursor != nil {
		req.SyncToken = *conn.SyncCursor
	}

	var pages []*source.Page
	for i := 0; i < o.opts.MaxPages; i++ {
		page, err := fetcher.FetchPage(ctx, req)
		if err != nil {
			return nil, "", err
		}
		pages = append(pages, page)

		if fetcher.Mode() == source.ModeIncremental {
			return pages, page.SyncToken, nil
		}
		if page.NextCursor == "" || len(page.Items) == 0 {
			return pages, "", nil
		}
		req.Cursor = page.NextCursor
	}

	// A truncated listing cannot be trusted for staleness.
	return nil, "", source.NewProviderError(conn.Kind(),
		fmt.Sprintf("listing exceeded %d pages", o.opts.MaxPages), nil)
}

// apply ingests the fetched items in order, reconciles staleness for full
// listings and records the successful pass, all on repo.
func (o *Orchestrator) apply(
	ctx context.Context,
	repo store.Repository,
	report *PassReport,
	fetcher source.Fetcher,
	conn *model.IntegrationConnection,
	pages []*source.Page,
	syncToken string,
) error {
	now := o.now()
	seen := make(map[string]bool)
	retained := make(map[string]bool)

	for _, page := range pages {
		for _, id := range page.Retained {
			retained[id] = true
		}
		for _, fi := range page.Items {
			item := model.NewThirdPartyItem(conn.UserID, conn.ID, fi.Data)
			if fi.ParentSourceID != "" {
				parent, err := repo.FindThirdPartyItem(ctx, conn.UserID, conn.ID, fi.ParentSourceID)
				if err != nil {
					return err
				}
				item.SourceItem = parent
			}

			res, err := ingest.Item(ctx, repo, conn, item, now)
			if err != nil {
				return err
			}
			seen[res.Item.ID] = true
			report.Results = append(report.Results, *res)
		}
	}

	if fetcher.Mode() == source.ModeFull {
		stale, err := o.reconcile(ctx, repo, fetcher, conn, seen, retained, now)
		if err != nil {
			return fmt.Errorf("reconciling connection %s: %w", conn.ID, err)
		}
		report.Stale = stale
	}

	conn.RecordSyncSuccess()
	if syncToken != "" {
		conn.SyncCursor = &syncToken
	}
	return repo.UpdateConnection(ctx, conn)
}

// reconcile retires the projections of tracked items missing from a full
// listing and stamps those items stale. Retained source ids, and items
// derived from them, are kept.
func (o *Orchestrator) reconcile(
	ctx context.Context,
	repo store.Repository,
	fetcher source.Fetcher,
	conn *model.IntegrationConnection,
	seen map[string]bool,
	retained map[string]bool,
	now time.Time,
) (int, error) {
	kinds := fetcher.Kinds()
	if len(kinds) == 0 {
		return 0, nil
	}

	live, err := repo.ListThirdPartyItems(ctx, store.ItemFilter{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Kinds:        kinds,
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, it := range live {
		if seen[it.ID] || retained[it.SourceID] {
			continue
		}
		if it.SourceItem != nil && retained[it.SourceItem.SourceID] {
			continue
		}
		stale = append(stale, it.ID)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if _, err := repo.DeleteNotificationsForItems(ctx, stale); err != nil {
		return 0, err
	}
	if _, err := repo.CompleteTasksForItems(ctx, stale); err != nil {
		return 0, err
	}
	if err := repo.MarkThirdPartyItemsStale(ctx, stale, now); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// fail records a provider failure against the connection. Storage and
// context errors are returned unchanged without touching the counters.
func (o *Orchestrator) fail(
	ctx context.Context,
	report *PassReport,
	conn *model.IntegrationConnection,
	cause error,
) (*PassReport, error) {
	if model.IsStorageError(cause) || errors.Is(cause, context.Canceled) {
		return nil, cause
	}
	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil {
		return nil, cause
	}

	conn.RecordSyncFailure(cause.Error(), o.opts.FailureThreshold)
	if err := o.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}

	report.Err = cause
	o.logger.Warn("sync pass failed",
		"connection", conn.ID,
		"provider", conn.Kind(),
		"failures", conn.SyncFailures,
		"status", conn.Status,
		"auth", source.IsAuthError(cause),
		"error", cause,
	)
	return report, nil
}
