// Package router dispatches inbound push events to the projections they
// affect, per the configuration of each matching connection.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/inbox-sync/internal/crossref"
	"github.com/nhle/inbox-sync/internal/ingest"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source/slack"
	"github.com/nhle/inbox-sync/internal/source/webhook"
	"github.com/nhle/inbox-sync/internal/store"
)

// Router handles push events. All writes caused by one event share one
// transaction.
type Router struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a router. A nil logger means slog.Default().
func New(st store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// HandlePushEvent routes ev. groups expands user-group mentions in message
// events and may be nil when group lookups are unavailable. A recognized
// event that no configuration routes returns an UnsupportedActionError.
func (r *Router) HandlePushEvent(ctx context.Context, ev Event, groups slack.GroupExpander) error {
	switch e := ev.(type) {
	case SlackStarEvent:
		return r.handleStar(ctx, e)
	case SlackReactionEvent:
		return r.handleReaction(ctx, e)
	case SlackMessageEvent:
		return r.handleMessage(ctx, e, groups)
	case WebhookEvent:
		return r.handleWebhook(ctx, e)
	default:
		return model.Unsupported("event %T", ev)
	}
}

func slackConfig(conn *model.IntegrationConnection) *model.SlackConfig {
	cfg, _ := conn.Provider.(*model.SlackConfig)
	return cfg
}

// actingConnection resolves the Slack user behind a star or reaction. A
// nil connection means the user never linked Slack.
func actingConnection(ctx context.Context, repo store.Repository, user string) (*model.IntegrationConnection, error) {
	if user == "" {
		return nil, nil
	}
	return repo.FindConnectionByProviderUserID(ctx, model.ProviderSlack, user)
}

func (r *Router) handleStar(ctx context.Context, ev SlackStarEvent) error {
	return store.WithTx(ctx, r.store, func(repo store.Repository) error {
		conn, err := actingConnection(ctx, repo, ev.User)
		if err != nil || conn == nil {
			return err
		}
		cfg := slackConfig(conn)
		if cfg == nil || !cfg.Star.SyncEnabled {
			return model.Unsupported("star sync disabled for connection %s", conn.ID)
		}

		data := &model.SlackStar{
			Channel:   ev.Channel,
			MessageTS: ev.MessageTS,
			Starred:   ev.Added,
			Text:      ev.Text,
			Author:    ev.Author,
			Permalink: ev.Permalink,
		}
		// star_removed carries no message body; keep the one already stored.
		if data.Text == "" {
			prev, err := repo.FindThirdPartyItem(ctx, conn.UserID, conn.ID, data.SourceID())
			if err != nil {
				return err
			}
			if prev != nil {
				if old, ok := prev.Data.(*model.SlackStar); ok {
					data.Text, data.Author, data.Permalink = old.Text, old.Author, old.Permalink
				}
			}
		}

		res, err := ingest.Item(ctx, repo, conn, model.NewThirdPartyItem(conn.UserID, conn.ID, data), r.now())
		if err != nil {
			return err
		}
		r.logResult("star", conn, res)
		return nil
	})
}

func (r *Router) handleReaction(ctx context.Context, ev SlackReactionEvent) error {
	return store.WithTx(ctx, r.store, func(repo store.Repository) error {
		conn, err := actingConnection(ctx, repo, ev.User)
		if err != nil || conn == nil {
			return err
		}
		cfg := slackConfig(conn)
		if cfg == nil || !cfg.Reaction.SyncEnabled {
			return model.Unsupported("reaction sync disabled for connection %s", conn.ID)
		}
		if cfg.Reaction.ReactionName != "" && cfg.Reaction.ReactionName != ev.Reaction {
			return model.Unsupported("reaction %q is not tracked", ev.Reaction)
		}

		data := &model.SlackReaction{
			Channel:   ev.Channel,
			MessageTS: ev.MessageTS,
			Name:      ev.Reaction,
			Active:    ev.Added,
			Author:    ev.Author,
		}
		res, err := ingest.Item(ctx, repo, conn, model.NewThirdPartyItem(conn.UserID, conn.ID, data), r.now())
		if err != nil {
			return err
		}
		r.logResult("reaction", conn, res)
		return nil
	})
}

func (r *Router) handleMessage(ctx context.Context, ev SlackMessageEvent, groups slack.GroupExpander) error {
	if ev.TS == "" || ev.Channel == "" {
		return &model.ValidationError{Field: "event", Message: "message without channel or ts"}
	}

	// Group expansion is a network call and stays outside the transaction.
	mentions := crossref.ExtractMentions(ev.Text)
	var groupMembers [][]string
	if groups != nil {
		for _, g := range mentions.Groups {
			members, err := groups.ExpandGroup(ctx, g)
			if err != nil {
				return fmt.Errorf("expanding user group %s: %w", g, err)
			}
			groupMembers = append(groupMembers, members)
		}
	} else if len(mentions.Groups) > 0 {
		r.logger.Warn("skipping user group mentions without a group lookup", "groups", mentions.Groups)
	}
	recipients := crossref.Recipients(mentions.Users, groupMembers, ev.User)

	msg := model.SlackMessage{TS: ev.TS, User: ev.User, Text: ev.Text}
	now := r.now()

	return store.WithTx(ctx, r.store, func(repo store.Repository) error {
		delivered := make(map[string]bool)

		owners, err := repo.FindThirdPartyItemsBySourceID(ctx, model.KindSlackThread, ev.RootTS())
		if err != nil {
			return err
		}
		for _, owned := range owners {
			thread, ok := owned.Data.(*model.SlackThread)
			if !ok || thread.Channel != ev.Channel || delivered[owned.IntegrationConnectionID] {
				continue
			}
			conn, err := repo.GetConnection(ctx, owned.IntegrationConnectionID)
			if err != nil {
				return err
			}
			if isSender(conn, ev.User) {
				continue
			}
			delivered[conn.ID] = true
			if err := r.deliver(ctx, repo, conn, owned, ev, msg, now); err != nil {
				return err
			}
		}

		for _, uid := range recipients {
			conn, err := repo.FindConnectionByProviderUserID(ctx, model.ProviderSlack, uid)
			if err != nil {
				return err
			}
			if conn == nil || delivered[conn.ID] {
				continue
			}
			delivered[conn.ID] = true

			existing, err := repo.FindThirdPartyItem(ctx, conn.UserID, conn.ID, ev.RootTS())
			if err != nil {
				return err
			}
			if err := r.deliver(ctx, repo, conn, existing, ev, msg, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func isSender(conn *model.IntegrationConnection, user string) bool {
	return conn.ProviderUserID != nil && *conn.ProviderUserID == user
}

// deliver appends msg to conn's mirror of the thread and refreshes its
// notification. existing is the connection's current thread item, if any.
// With two-way sync on, a reply in a thread conn already mirrors updates
// the thread item but leaves its notification untouched.
func (r *Router) deliver(
	ctx context.Context,
	repo store.Repository,
	conn *model.IntegrationConnection,
	existing *model.ThirdPartyItem,
	ev SlackMessageEvent,
	msg model.SlackMessage,
	now time.Time,
) error {
	cfg := slackConfig(conn)
	if cfg == nil || !cfg.Message.SyncEnabled {
		return nil
	}

	base := &model.SlackThread{Channel: ev.Channel, ThreadTS: ev.RootTS()}
	if existing != nil {
		if thread, ok := existing.Data.(*model.SlackThread); ok {
			base = thread
		}
	}
	item := model.NewThirdPartyItem(conn.UserID, conn.ID, base.WithMessage(msg))

	// With two-way sync the mirrored thread already shows replies, so the
	// item is kept current without resurfacing its notification.
	if cfg.Message.IsTwoWaySync && ev.IsReply() && existing != nil {
		if _, err := repo.CreateOrUpdateThirdPartyItem(ctx, item); err != nil {
			return fmt.Errorf("updating thread %s: %w", ev.RootTS(), err)
		}
		r.logger.Debug("reply mirrored without notification", "connection", conn.ID, "thread", ev.RootTS())
		return nil
	}

	res, err := ingest.Item(ctx, repo, conn, item, now)
	if err != nil {
		return err
	}
	r.logResult("message", conn, res)
	return nil
}

func (r *Router) handleWebhook(ctx context.Context, ev WebhookEvent) error {
	return store.WithTx(ctx, r.store, func(repo store.Repository) error {
		conn, err := repo.GetConnection(ctx, ev.ConnectionID)
		if err != nil {
			return err
		}
		cfg, ok := conn.Provider.(*model.WebhookConfig)
		if !ok {
			return &model.ValidationError{
				Field:   "connection_id",
				Message: fmt.Sprintf("connection %s is a %s connection", conn.ID, conn.Kind()),
			}
		}

		data, err := webhook.Decode(cfg, ev.Payload)
		if err != nil {
			return err
		}
		res, err := ingest.Item(ctx, repo, conn, model.NewThirdPartyItem(conn.UserID, conn.ID, data), r.now())
		if err != nil {
			return err
		}
		r.logResult("webhook", conn, res)
		return nil
	})
}

func (r *Router) logResult(kind string, conn *model.IntegrationConnection, res *model.ThirdPartyItemCreationResult) {
	r.logger.Info("push event routed",
		"event", kind,
		"connection", conn.ID,
		"source_id", res.Item.SourceID,
		"modified", res.IsModified,
		"notification", res.Notification != nil,
		"task", res.Task != nil,
	)
}
