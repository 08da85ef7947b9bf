// Package httpapi exposes push webhooks and on-demand sync over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/router"
	"github.com/nhle/inbox-sync/internal/source/slack"
	"github.com/nhle/inbox-sync/internal/store"
	appsync "github.com/nhle/inbox-sync/internal/sync"
)

// Syncer runs on-demand passes. *sync.Orchestrator implements it.
type Syncer interface {
	Sync(ctx context.Context, userID string, kind *model.ProviderKind) ([]model.ThirdPartyItemCreationResult, error)
}

// EventHandler routes push events. *router.Router implements it.
type EventHandler interface {
	HandlePushEvent(ctx context.Context, ev router.Event, groups slack.GroupExpander) error
}

// Reader lists and edits a user's projections. *store.SQLStore
// implements it.
type Reader interface {
	ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]model.Notification, error)
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	PatchNotification(ctx context.Context, id string, patch model.NotificationPatch) (*model.Notification, error)

	ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	PatchTask(ctx context.Context, id string, patch model.TaskPatch) (*model.Task, error)
}

// StatusReporter exposes per-connection sync health. *sync.Poller
// implements it.
type StatusReporter interface {
	Statuses() []appsync.SyncStatus
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	syncer Syncer
	events EventHandler
	reader Reader
	status StatusReporter

	groups        func() slack.GroupExpander
	signingSecret string
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithGroupExpander sets the factory for the user-group lookup handed to
// each Slack event. The factory runs once per request.
func WithGroupExpander(f func() slack.GroupExpander) Option {
	return func(s *Server) { s.groups = f }
}

// WithSlackSigningSecret enables Slack request signature verification.
func WithSlackSigningSecret(secret string) Option {
	return func(s *Server) { s.signingSecret = secret }
}

// WithSyncStatus reports the poller's connection states on /health.
func WithSyncStatus(r StatusReporter) Option {
	return func(s *Server) { s.status = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server.
func NewServer(syncer Syncer, events EventHandler, reader Reader, opts ...Option) *Server {
	s := &Server{
		syncer: syncer,
		events: events,
		reader: reader,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.Health)

	hooks := r.Group("/hooks")
	{
		hooks.POST("/slack", s.SlackEvents)
		hooks.POST("/webhook/:connection_id", s.Webhook)
	}

	users := r.Group("/users/:user_id")
	{
		users.POST("/sync", s.SyncNow)
		users.GET("/notifications", s.ListNotifications)
		users.PATCH("/notifications/:id", s.PatchNotification)
		users.GET("/tasks", s.ListTasks)
		users.PATCH("/tasks/:id", s.PatchTask)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// pushError answers a push delivery. Unsupported events are acknowledged so
// the provider stops redelivering; anything unexpected is a 500 so it
// retries.
func (s *Server) pushError(c *gin.Context, err error) {
	switch {
	case model.IsUnsupportedAction(err):
		s.logger.Info("ignoring push event", "reason", err)
		c.JSON(http.StatusOK, gin.H{"ignored": err.Error()})
	default:
		s.writeError(c, err)
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case model.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case model.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
