package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderKind identifies the provider behind an IntegrationConnection.
type ProviderKind string

const (
	ProviderJira       ProviderKind = "jira"
	ProviderBitbucket  ProviderKind = "bitbucket"
	ProviderGoogleMail ProviderKind = "google_mail"
	ProviderIMAP       ProviderKind = "imap"
	ProviderTodoist    ProviderKind = "todoist"
	ProviderSlack      ProviderKind = "slack"
	ProviderWebhook    ProviderKind = "webhook"
)

// requiredScopes lists the OAuth scopes each provider must have granted.
// Providers missing from the map authenticate with plain tokens or
// passwords and are scope-exempt.
var requiredScopes = map[ProviderKind][]string{
	ProviderGoogleMail: {"https://www.googleapis.com/auth/gmail.modify"},
	ProviderTodoist:    {"data:read_write"},
	ProviderSlack: {
		"stars:read",
		"reactions:read",
		"usergroups:read",
		"channels:history",
	},
}

// RequiredOAuthScopes returns the scopes a connection of this kind needs.
func (k ProviderKind) RequiredOAuthScopes() []string {
	return requiredScopes[k]
}

// IsScopeExempt reports whether the provider registers no OAuth scopes.
func (k ProviderKind) IsScopeExempt() bool {
	_, ok := requiredScopes[k]
	return !ok
}

// ConnectionStatus is the health state of an IntegrationConnection.
type ConnectionStatus string

const (
	ConnectionStatusCreated   ConnectionStatus = "created"
	ConnectionStatusValidated ConnectionStatus = "validated"
	ConnectionStatusFailing   ConnectionStatus = "failing"
)

// IntegrationConnection is a user's authorized link to one provider
// account along with its sync configuration and health.
type IntegrationConnection struct {
	ID     string
	UserID string

	// ProviderUserID is the external identity used to match push events.
	ProviderUserID *string

	// ConnectionID is the external auth session handle. Credentials are
	// stored under it.
	ConnectionID string

	Status                 ConnectionStatus
	FailureMessage         *string
	LastSyncStartedAt      *time.Time
	LastSyncFailureMessage *string
	SyncFailures           int
	Provider               ProviderConfig
	RegisteredOAuthScopes  []string

	// SyncCursor is the token handed back by incremental providers.
	SyncCursor *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind returns the provider kind of the connection's config.
func (c *IntegrationConnection) Kind() ProviderKind {
	if c.Provider == nil {
		return ""
	}
	return c.Provider.ProviderKind()
}

// IsSyncable reports whether a scheduled pass may run.
func (c *IntegrationConnection) IsSyncable() bool {
	return c.Status == ConnectionStatusValidated
}

// MarkValidated records a successful external authorization. It moves a
// Created or Failing connection to Validated.
func (c *IntegrationConnection) MarkValidated(
	providerUserID *string,
	scopes []string,
) {
	if providerUserID != nil {
		c.ProviderUserID = providerUserID
	}
	if scopes != nil {
		c.RegisteredOAuthScopes = scopes
	}
	c.Status = ConnectionStatusValidated
	c.FailureMessage = nil
	c.SyncFailures = 0
}

// StartSync stamps the beginning of a pass.
func (c *IntegrationConnection) StartSync(now time.Time) {
	c.LastSyncStartedAt = &now
}

// RecordSyncSuccess resets failure tracking after a successful pass.
func (c *IntegrationConnection) RecordSyncSuccess() {
	c.Status = ConnectionStatusValidated
	c.SyncFailures = 0
	c.FailureMessage = nil
	c.LastSyncFailureMessage = nil
}

// RecordSyncFailure counts a failed pass. The connection flips to Failing
// only once threshold consecutive failures have been recorded.
func (c *IntegrationConnection) RecordSyncFailure(msg string, threshold int) {
	if threshold < 1 {
		threshold = 1
	}
	c.SyncFailures++
	c.LastSyncFailureMessage = &msg
	if c.SyncFailures >= threshold {
		c.Status = ConnectionStatusFailing
		c.FailureMessage = &msg
	}
}

// HasOAuthScopes reports whether every required scope was granted.
// Scope-exempt providers always pass.
func (c *IntegrationConnection) HasOAuthScopes(required []string) bool {
	return len(c.MissingOAuthScopes(required)) == 0
}

// MissingOAuthScopes returns the required scopes that were not granted.
// Scope-exempt providers miss nothing.
func (c *IntegrationConnection) MissingOAuthScopes(required []string) []string {
	if c.Kind().IsScopeExempt() {
		return nil
	}
	granted := make(map[string]bool, len(c.RegisteredOAuthScopes))
	for _, s := range c.RegisteredOAuthScopes {
		granted[s] = true
	}
	var missing []string
	for _, s := range required {
		if !granted[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// ProviderConfig is the closed set of per-provider configurations.
type ProviderConfig interface {
	ProviderKind() ProviderKind
	isProviderConfig()
}

// JiraConfig configures a Jira Server/DC connection.
type JiraConfig struct {
	BaseURL string `json:"base_url"`
	JQL     string `json:"jql,omitempty"`
}

// BitbucketConfig configures a Bitbucket Server/DC connection.
type BitbucketConfig struct {
	BaseURL string `json:"base_url"`
}

// GoogleMailConfig configures a Gmail connection.
type GoogleMailConfig struct {
	Query string `json:"query,omitempty"`
}

// IMAPConfig configures a generic IMAP mailbox.
type IMAPConfig struct {
	Host      string `json:"host"`
	Port      string `json:"port"`
	TLS       bool   `json:"tls"`
	Username  string `json:"username"`
	Mailbox   string `json:"mailbox,omitempty"`
	SinceDays int    `json:"since_days,omitempty"`
}

// TodoistConfig configures a to-do provider connection.
type TodoistConfig struct {
	SyncTasksEnabled                bool `json:"sync_tasks_enabled"`
	CreateNotificationFromInboxTask bool `json:"create_notification_from_inbox_task"`
}

// SyncType selects the projection an ambiguous event becomes.
type SyncType string

const (
	SyncAsTask         SyncType = "as_task"
	SyncAsNotification SyncType = "as_notification"
)

// SlackStarConfig routes star events.
type SlackStarConfig struct {
	SyncEnabled bool     `json:"sync_enabled"`
	SyncType    SyncType `json:"sync_type"`
}

// SlackReactionConfig routes reaction events for one emoji.
type SlackReactionConfig struct {
	SyncEnabled  bool     `json:"sync_enabled"`
	ReactionName string   `json:"reaction_name"`
	SyncType     SyncType `json:"sync_type"`
}

// SlackMessageConfig controls mention and thread notifications.
type SlackMessageConfig struct {
	SyncEnabled  bool `json:"sync_enabled"`
	IsTwoWaySync bool `json:"is_2way_sync"`
}

// SlackConfig configures a Slack workspace connection.
type SlackConfig struct {
	Star     SlackStarConfig     `json:"star"`
	Reaction SlackReactionConfig `json:"reaction"`
	Message  SlackMessageConfig  `json:"message"`
}

// WebhookConfig configures a generic inbound webhook.
type WebhookConfig struct {
	CreateAs SyncType `json:"create_as"`

	// Schema is an optional JSON Schema the payload must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`
}

func (c *JiraConfig) ProviderKind() ProviderKind       { return ProviderJira }
func (c *BitbucketConfig) ProviderKind() ProviderKind  { return ProviderBitbucket }
func (c *GoogleMailConfig) ProviderKind() ProviderKind { return ProviderGoogleMail }
func (c *IMAPConfig) ProviderKind() ProviderKind       { return ProviderIMAP }
func (c *TodoistConfig) ProviderKind() ProviderKind    { return ProviderTodoist }
func (c *SlackConfig) ProviderKind() ProviderKind      { return ProviderSlack }
func (c *WebhookConfig) ProviderKind() ProviderKind    { return ProviderWebhook }

func (c *JiraConfig) isProviderConfig()       {}
func (c *BitbucketConfig) isProviderConfig()  {}
func (c *GoogleMailConfig) isProviderConfig() {}
func (c *IMAPConfig) isProviderConfig()       {}
func (c *TodoistConfig) isProviderConfig()    {}
func (c *SlackConfig) isProviderConfig()      {}
func (c *WebhookConfig) isProviderConfig()    {}

// EncodeProviderConfig serializes a provider config for storage.
func EncodeProviderConfig(cfg ProviderConfig) ([]byte, error) {
	if cfg == nil {
		return nil, &ValidationError{Field: "provider", Message: "provider config is required"}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s config: %w", cfg.ProviderKind(), err)
	}
	return raw, nil
}

// DecodeProviderConfig restores a provider config from its kind and JSON.
func DecodeProviderConfig(kind ProviderKind, raw []byte) (ProviderConfig, error) {
	var cfg ProviderConfig
	switch kind {
	case ProviderJira:
		cfg = &JiraConfig{}
	case ProviderBitbucket:
		cfg = &BitbucketConfig{}
	case ProviderGoogleMail:
		cfg = &GoogleMailConfig{}
	case ProviderIMAP:
		cfg = &IMAPConfig{}
	case ProviderTodoist:
		cfg = &TodoistConfig{}
	case ProviderSlack:
		cfg = &SlackConfig{}
	case ProviderWebhook:
		cfg = &WebhookConfig{}
	default:
		return nil, &ValidationError{
			Field:   "provider_kind",
			Message: fmt.Sprintf("unknown provider %q", kind),
		}
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s config: %w", kind, err)
		}
	}
	return cfg, nil
}

// ParseProviderKind validates a provider kind string.
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(s)
	switch k {
	case ProviderJira, ProviderBitbucket, ProviderGoogleMail, ProviderIMAP,
		ProviderTodoist, ProviderSlack, ProviderWebhook:
		return k, nil
	}
	return "", &ValidationError{
		Field:   "provider",
		Message: fmt.Sprintf("unknown provider %q", s),
	}
}
