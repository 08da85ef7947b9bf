package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/nhle/inbox-sync/internal/model"
)

// GmailNotification is the payload Gmail publishes to the watch topic.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// ConnectionFinder resolves a provider identity to a connection. It returns
// nil, nil when no connection matches.
type ConnectionFinder interface {
	FindConnectionByProviderUserID(
		ctx context.Context,
		kind model.ProviderKind,
		providerUserID string,
	) (*model.IntegrationConnection, error)
}

// Refresher schedules an immediate pass. *Poller implements it.
type Refresher interface {
	RefreshConnection(connectionID string)
}

// GmailPushHandler turns Gmail watch notifications into sync triggers for
// the matching Google Mail connection.
type GmailPushHandler struct {
	finder    ConnectionFinder
	refresher Refresher
	logger    *slog.Logger

	mu          gosync.Mutex
	lastHistory map[string]uint64
}

// NewGmailPushHandler creates a handler. A nil logger means slog.Default().
func NewGmailPushHandler(finder ConnectionFinder, refresher Refresher, logger *slog.Logger) *GmailPushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GmailPushHandler{
		finder:      finder,
		refresher:   refresher,
		logger:      logger,
		lastHistory: make(map[string]uint64),
	}
}

// Handle processes one notification. Unknown mailboxes and notifications
// older than one already handled are ignored.
func (h *GmailPushHandler) Handle(ctx context.Context, data []byte) error {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return &model.ValidationError{Field: "message", Message: "invalid gmail notification: " + err.Error()}
	}
	if n.EmailAddress == "" {
		return &model.ValidationError{Field: "emailAddress", Message: "must not be empty"}
	}

	conn, err := h.finder.FindConnectionByProviderUserID(ctx, model.ProviderGoogleMail, n.EmailAddress)
	if err != nil {
		return err
	}
	if conn == nil {
		h.logger.Debug("gmail notification for unknown mailbox", "email", n.EmailAddress)
		return nil
	}

	h.mu.Lock()
	last, seen := h.lastHistory[conn.ID]
	if seen && n.HistoryID <= last {
		h.mu.Unlock()
		return nil
	}
	h.lastHistory[conn.ID] = n.HistoryID
	h.mu.Unlock()

	h.logger.Info("gmail push received", "connection", conn.ID, "history_id", n.HistoryID)
	h.refresher.RefreshConnection(conn.ID)
	return nil
}

// GmailPushReceiver pulls Gmail watch notifications from a Pub/Sub
// subscription.
type GmailPushReceiver struct {
	client       *pubsub.Client
	subscription string
	handler      *GmailPushHandler
	logger       *slog.Logger
}

// NewGmailPushReceiver connects to Pub/Sub with the configured project and
// credentials.
func NewGmailPushReceiver(
	ctx context.Context,
	cfg model.GoogleConfig,
	handler *GmailPushHandler,
	logger *slog.Logger,
) (*GmailPushReceiver, error) {
	if cfg.PubSubProject == "" || cfg.PubSubSubscription == "" {
		return nil, &model.ValidationError{Field: "google.pubsub_subscription", Message: "project and subscription are required"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSubProject, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return &GmailPushReceiver{
		client:       client,
		subscription: cfg.PubSubSubscription,
		handler:      handler,
		logger:       logger,
	}, nil
}

// Run receives messages until ctx is done. Malformed and unknown
// notifications are acked; storage failures are nacked for redelivery.
func (r *GmailPushReceiver) Run(ctx context.Context) error {
	sub := r.client.Subscription(r.subscription)
	r.logger.Info("listening for gmail notifications", "subscription", r.subscription)

	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := r.handler.Handle(ctx, msg.Data); err != nil {
			if model.IsStorageError(err) {
				r.logger.Error("handling gmail notification", "error", err)
				msg.Nack()
				return
			}
			r.logger.Warn("dropping gmail notification", "error", err)
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receiving from %s: %w", r.subscription, err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (r *GmailPushReceiver) Close() error {
	return r.client.Close()
}
