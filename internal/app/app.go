// Package app wires the store, credentials, fetchers and services into a
// runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/inbox-sync/internal/connection"
	"github.com/nhle/inbox-sync/internal/credential"
	"github.com/nhle/inbox-sync/internal/httpapi"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/router"
	"github.com/nhle/inbox-sync/internal/source"
	"github.com/nhle/inbox-sync/internal/store"
	appsync "github.com/nhle/inbox-sync/internal/sync"
)

// App holds the long-lived collaborators shared by every command.
type App struct {
	Config       *model.AppConfig
	Store        *store.SQLStore
	Credentials  *credential.Store
	Registry     *source.Registry
	Connections  *connection.Service
	Orchestrator *appsync.Orchestrator
	Poller       *appsync.Poller
	Router       *router.Router

	logger *slog.Logger
}

// New opens the store and credential backend and builds the services.
func New(cfg *model.AppConfig, logger *slog.Logger) (*App, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	creds, err := credential.Open(cfg.Keyring)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return build(cfg, st, creds, logger)
}

// build assembles the services on an already opened store and keyring. A
// nil logger means slog.Default().
func build(cfg *model.AppConfig, st *store.SQLStore, creds *credential.Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := newRegistry(cfg)

	opts := []connection.Option{connection.WithLogger(logger)}
	oauthCfg, err := googleOAuthConfig(cfg.Google)
	if err != nil {
		st.Close()
		return nil, err
	}
	if oauthCfg != nil {
		opts = append(opts, connection.WithOAuthConfig(model.ProviderGoogleMail, oauthCfg))
	}
	conns := connection.NewService(st, creds, registry, opts...)

	orch := appsync.NewOrchestrator(st, registry, conns, appsync.OptionsFromConfig(cfg.Sync), logger)
	interval := time.Duration(cfg.Sync.PollIntervalSec) * time.Second

	return &App{
		Config:       cfg,
		Store:        st,
		Credentials:  creds,
		Registry:     registry,
		Connections:  conns,
		Orchestrator: orch,
		Poller:       appsync.NewPoller(orch, interval, logger),
		Router:       router.New(st, logger),
		logger:       logger,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	opts := []httpapi.Option{
		httpapi.WithLogger(a.logger),
		httpapi.WithSlackSigningSecret(a.Config.Slack.SigningSecret),
		httpapi.WithSyncStatus(a.Poller),
	}
	if groups := a.groupExpander(); groups != nil {
		opts = append(opts, httpapi.WithGroupExpander(groups))
	}
	return httpapi.NewServer(a.Orchestrator, a.Router, a.Store, opts...).Handler()
}

// Serve runs the poller, the Gmail push receiver (when configured) and the
// HTTP server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.Poller.Start(ctx)
	defer a.Poller.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if a.Config.Google.PubSubSubscription != "" {
		handler := appsync.NewGmailPushHandler(a.Store, a.Poller, a.logger)
		recv, err := appsync.NewGmailPushReceiver(ctx, a.Config.Google, handler, a.logger)
		if err != nil {
			return err
		}
		defer recv.Close()
		g.Go(func() error { return recv.Run(ctx) })
	}

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
