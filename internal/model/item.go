package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ThirdPartyItemKind discriminates the payload carried by a ThirdPartyItem.
type ThirdPartyItemKind string

const (
	KindJiraIssue     ThirdPartyItemKind = "jira_issue"
	KindPullRequest   ThirdPartyItemKind = "pull_request"
	KindMailThread    ThirdPartyItemKind = "mail_thread"
	KindCalendarEvent ThirdPartyItemKind = "calendar_event"
	KindSlackStar     ThirdPartyItemKind = "slack_star"
	KindSlackReaction ThirdPartyItemKind = "slack_reaction"
	KindSlackThread   ThirdPartyItemKind = "slack_thread"
	KindTodoItem      ThirdPartyItemKind = "todo_item"
	KindWebhookItem   ThirdPartyItemKind = "webhook_item"
)

// ThirdPartyItemData is the closed set of provider payloads. Only types in
// this package implement it; adding a provider means adding a variant here
// and a case to every switch over it.
type ThirdPartyItemData interface {
	Kind() ThirdPartyItemKind
	SourceID() string
	isThirdPartyItemData()
}

// ThirdPartyItem is the normalized envelope around one provider-native
// payload. (UserID, IntegrationConnectionID, SourceID) is unique.
type ThirdPartyItem struct {
	ID                      string             `json:"id"`
	SourceID                string             `json:"source_id"`
	Data                    ThirdPartyItemData `json:"-"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
	UserID                  string             `json:"user_id"`
	IntegrationConnectionID string             `json:"integration_connection_id"`

	// SourceItem is loaded one level deep. Deeper chains are resolved by
	// repeated lookups.
	SourceItem *ThirdPartyItem `json:"source_item,omitempty"`

	// StaleAt is set when a full listing no longer contained the item.
	StaleAt *time.Time `json:"stale_at,omitempty"`
}

// NewThirdPartyItem wraps data for the given user and connection. The
// source id is taken from the payload.
func NewThirdPartyItem(
	userID string,
	connectionID string,
	data ThirdPartyItemData,
) *ThirdPartyItem {
	return &ThirdPartyItem{
		SourceID:                data.SourceID(),
		Data:                    data,
		UserID:                  userID,
		IntegrationConnectionID: connectionID,
	}
}

// Kind returns the discriminant of the item's payload.
func (i *ThirdPartyItem) Kind() ThirdPartyItemKind {
	if i.Data == nil {
		return ""
	}
	return i.Data.Kind()
}

// SourceItemID returns the id of the back-referenced item, if any.
func (i *ThirdPartyItem) SourceItemID() *string {
	if i.SourceItem == nil || i.SourceItem.ID == "" {
		return nil
	}
	id := i.SourceItem.ID
	return &id
}

// EncodeItemData serializes a payload for storage. encoding/json sorts map
// keys and emits struct fields in declaration order, so equal payloads
// always encode to equal bytes.
func EncodeItemData(data ThirdPartyItemData) ([]byte, error) {
	if data == nil {
		return nil, &ValidationError{Field: "data", Message: "payload is required"}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", data.Kind(), err)
	}
	return raw, nil
}

// DecodeItemData restores a payload from its kind and stored JSON.
func DecodeItemData(
	kind ThirdPartyItemKind,
	raw []byte,
) (ThirdPartyItemData, error) {
	var data ThirdPartyItemData
	switch kind {
	case KindJiraIssue:
		data = &JiraIssue{}
	case KindPullRequest:
		data = &PullRequest{}
	case KindMailThread:
		data = &MailThread{}
	case KindCalendarEvent:
		data = &CalendarEvent{}
	case KindSlackStar:
		data = &SlackStar{}
	case KindSlackReaction:
		data = &SlackReaction{}
	case KindSlackThread:
		data = &SlackThread{}
	case KindTodoItem:
		data = &TodoItem{}
	case KindWebhookItem:
		data = &WebhookItem{}
	default:
		return nil, &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown item kind %q", kind),
		}
	}

	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return data, nil
}

// ThirdPartyItemCreationResult bundles an upserted item with the
// projections derived from it. It is never persisted.
type ThirdPartyItemCreationResult struct {
	Item         *ThirdPartyItem `json:"item"`
	Notification *Notification   `json:"notification,omitempty"`
	Task         *Task           `json:"task,omitempty"`
	IsModified   bool            `json:"is_modified"`
}
