package router

import (
	"encoding/json"

	"github.com/nhle/inbox-sync/internal/model"
)

// Event is an inbound push event.
type Event interface {
	isEvent()
}

// SlackStarEvent is a star_added or star_removed callback.
type SlackStarEvent struct {
	User      string
	Channel   string
	MessageTS string
	Text      string
	Author    string
	Permalink string
	Added     bool
}

// SlackReactionEvent is a reaction_added or reaction_removed callback.
type SlackReactionEvent struct {
	User      string
	Channel   string
	MessageTS string
	Reaction  string
	Author    string
	Added     bool
}

// SlackMessageEvent is a plain message posted to a channel or thread.
// ThreadTS is empty for top-level messages.
type SlackMessageEvent struct {
	User     string
	Channel  string
	TS       string
	ThreadTS string
	Text     string
}

// WebhookEvent is a payload posted to a generic webhook connection.
type WebhookEvent struct {
	ConnectionID string
	Payload      []byte
}

func (SlackStarEvent) isEvent()     {}
func (SlackReactionEvent) isEvent() {}
func (SlackMessageEvent) isEvent()  {}
func (WebhookEvent) isEvent()       {}

// RootTS returns the timestamp identifying the message's thread.
func (e SlackMessageEvent) RootTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// IsReply reports whether the message was posted inside an existing thread.
func (e SlackMessageEvent) IsReply() bool {
	return e.ThreadTS != "" && e.ThreadTS != e.TS
}

type slackEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type slackMessage struct {
	TS        string `json:"ts"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Permalink string `json:"permalink"`
}

type slackItem struct {
	Type    string       `json:"type"`
	Channel string       `json:"channel"`
	TS      string       `json:"ts"`
	Message slackMessage `json:"message"`
}

type slackInnerEvent struct {
	Type     string    `json:"type"`
	Subtype  string    `json:"subtype"`
	User     string    `json:"user"`
	Reaction string    `json:"reaction"`
	ItemUser string    `json:"item_user"`
	Item     slackItem `json:"item"`
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	TS       string    `json:"ts"`
	ThreadTS string    `json:"thread_ts"`
	BotID    string    `json:"bot_id"`
}

// ParseSlackEvent decodes an Events API event_callback body. Envelopes and
// events this service does not route yield an UnsupportedActionError.
func ParseSlackEvent(raw []byte) (Event, error) {
	var env slackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &model.ValidationError{Field: "body", Message: "invalid slack event: " + err.Error()}
	}
	if env.Type != "event_callback" {
		return nil, model.Unsupported("slack envelope %q", env.Type)
	}

	var ev slackInnerEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, &model.ValidationError{Field: "event", Message: err.Error()}
	}

	switch ev.Type {
	case "star_added", "star_removed":
		if ev.Item.Type != "message" {
			return nil, model.Unsupported("star on %q", ev.Item.Type)
		}
		ts := ev.Item.Message.TS
		if ts == "" {
			ts = ev.Item.TS
		}
		return SlackStarEvent{
			User:      ev.User,
			Channel:   ev.Item.Channel,
			MessageTS: ts,
			Text:      ev.Item.Message.Text,
			Author:    ev.Item.Message.User,
			Permalink: ev.Item.Message.Permalink,
			Added:     ev.Type == "star_added",
		}, nil
	case "reaction_added", "reaction_removed":
		if ev.Item.Type != "message" {
			return nil, model.Unsupported("reaction on %q", ev.Item.Type)
		}
		return SlackReactionEvent{
			User:      ev.User,
			Channel:   ev.Item.Channel,
			MessageTS: ev.Item.TS,
			Reaction:  ev.Reaction,
			Author:    ev.ItemUser,
			Added:     ev.Type == "reaction_added",
		}, nil
	case "message":
		if ev.Subtype != "" || ev.BotID != "" {
			return nil, model.Unsupported("message subtype %q", ev.Subtype)
		}
		return SlackMessageEvent{
			User:     ev.User,
			Channel:  ev.Channel,
			TS:       ev.TS,
			ThreadTS: ev.ThreadTS,
			Text:     ev.Text,
		}, nil
	default:
		return nil, model.Unsupported("slack event %q", ev.Type)
	}
}
