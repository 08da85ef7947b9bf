package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DatabaseConfig selects the store backend. A postgres:// DSN uses
// Postgres; anything else is treated as a SQLite path.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// SyncConfig tunes the orchestrator and the background poller.
type SyncConfig struct {
	// FailureThreshold is the number of consecutive failed passes after
	// which a connection is marked failing.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// PollIntervalSec is how often (in seconds) every connection is synced.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// MaxPages caps a full pass so a misbehaving cursor cannot loop forever.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`

	// Concurrency bounds how many connections sync at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// FetchTimeoutSec bounds the network phase of one pass.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// GoogleConfig holds the OAuth client and Pub/Sub settings for Gmail.
type GoogleConfig struct {
	// OAuthClientFile is the OAuth client JSON used to refresh user tokens.
	OAuthClientFile string `mapstructure:"oauth_client_file" yaml:"oauth_client_file"`

	// CredentialsFile is the service account used for Pub/Sub.
	CredentialsFile    string `mapstructure:"credentials_file" yaml:"credentials_file"`
	PubSubProject      string `mapstructure:"pubsub_project" yaml:"pubsub_project"`
	PubSubSubscription string `mapstructure:"pubsub_subscription" yaml:"pubsub_subscription"`
}

// SlackAppConfig holds workspace-level Slack settings.
type SlackAppConfig struct {
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`

	// BotTokenKey is the keyring key of the bot token used for user-group
	// lookups.
	BotTokenKey string `mapstructure:"bot_token_key" yaml:"bot_token_key"`

	// SigningSecret verifies inbound Events API requests. Empty disables
	// verification.
	SigningSecret string `mapstructure:"signing_secret" yaml:"signing_secret"`
}

// KeyringConfig holds credential storage settings.
type KeyringConfig struct {
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	FileDir     string `mapstructure:"file_dir" yaml:"file_dir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Google   GoogleConfig   `mapstructure:"google" yaml:"google"`
	Slack    SlackAppConfig `mapstructure:"slack" yaml:"slack"`
	Keyring  KeyringConfig  `mapstructure:"keyring" yaml:"keyring"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// envPrefix namespaces environment overrides, e.g. INBOX_SYNC_DATABASE_DSN.
const envPrefix = "INBOX_SYNC"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/inbox-sync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inbox-sync", "config.yaml")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			DSN: "inbox-sync.db",
		},
		Sync: SyncConfig{
			FailureThreshold: 3,
			PollIntervalSec:  300,
			PageSize:         50,
			MaxPages:         100,
			Concurrency:      4,
			FetchTimeoutSec:  120,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Slack: SlackAppConfig{
			APIBaseURL:  "https://slack.com/api",
			BotTokenKey: "slack-bot",
		},
		Keyring: KeyringConfig{
			ServiceName: "inbox-sync",
			FileDir:     "~/.config/inbox-sync/credentials",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// setDefaults mirrors DefaultConfig so missing keys resolve to sensible
// values and environment overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("sync.failure_threshold", d.Sync.FailureThreshold)
	v.SetDefault("sync.poll_interval_sec", d.Sync.PollIntervalSec)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.max_pages", d.Sync.MaxPages)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("sync.fetch_timeout_sec", d.Sync.FetchTimeoutSec)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("google.oauth_client_file", "")
	v.SetDefault("google.credentials_file", "")
	v.SetDefault("google.pubsub_project", "")
	v.SetDefault("google.pubsub_subscription", "")
	v.SetDefault("slack.api_base_url", d.Slack.APIBaseURL)
	v.SetDefault("slack.bot_token_key", d.Slack.BotTokenKey)
	v.SetDefault("slack.signing_secret", "")
	v.SetDefault("keyring.service_name", d.Keyring.ServiceName)
	v.SetDefault("keyring.file_dir", d.Keyring.FileDir)
	v.SetDefault("log.level", d.Log.Level)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Values from a .env file in the working directory and INBOX_SYNC_*
// environment variables override the file. A missing file yields the
// defaults.
func LoadConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Database.DSN == "" {
		return &ValidationError{Field: "database.dsn", Message: "must not be empty"}
	}
	if c.Sync.FailureThreshold < 1 {
		return &ValidationError{Field: "sync.failure_threshold", Message: "must be at least 1"}
	}
	if c.Sync.PageSize < 1 {
		return &ValidationError{Field: "sync.page_size", Message: "must be at least 1"}
	}
	if c.Sync.Concurrency < 1 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.MaxPages < 1 {
		c.Sync.MaxPages = 1
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("sync", cfg.Sync)
	v.Set("server", cfg.Server)
	v.Set("google", cfg.Google)
	v.Set("slack", cfg.Slack)
	v.Set("keyring", cfg.Keyring)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
