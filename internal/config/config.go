// Package config provides YAML-based configuration loading for bkcrm.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bkcrm configuration, loaded from config.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Relay    RelayConfig    `yaml:"relay"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig holds connection settings for the ticket database.
// Driver "sqlite" uses Path; driver "mysql" uses Host/Port/Name/User/Password.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// GatewayConfig holds connection settings for the WhatsApp gateway socket.
type GatewayConfig struct {
	URL      string `yaml:"url"`      // ws:// or wss:// endpoint
	APIKey   string `yaml:"api_key"`  // gateway apikey header value
	Instance string `yaml:"instance"` // gateway instance name
}

// RelayConfig selects and configures outbound external-channel relays.
type RelayConfig struct {
	WhatsApp WhatsAppRelayConfig `yaml:"whatsapp"`
	Slack    SlackRelayConfig    `yaml:"slack"`
	Discord  DiscordRelayConfig  `yaml:"discord"`
}

// WhatsAppRelayConfig configures the WhatsApp HTTP gateway relay.
type WhatsAppRelayConfig struct {
	BaseURL  string `yaml:"base_url"`
	Instance string `yaml:"instance"`
	APIKey   string `yaml:"api_key"`
}

// SlackRelayConfig configures the Slack external-channel relay.
type SlackRelayConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordRelayConfig configures the Discord external-channel relay.
type DiscordRelayConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// ReconnectConfig parameterizes the connection supervisor's backoff.
type ReconnectConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// SyncConfig tunes the realtime synchronization core.
type SyncConfig struct {
	PollIntervalSec      int             `yaml:"poll_interval_sec"`
	MinRefreshSpacingSec int             `yaml:"min_refresh_spacing_sec"`
	PendingTimeoutSec    int             `yaml:"pending_timeout_sec"`
	Reconnect            ReconnectConfig `yaml:"reconnect"`
	ResyncCron           string          `yaml:"resync_cron"` // optional 5-field cron for full resync sweeps
}

// ServerConfig holds the HTTP read-surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "bkcrm.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "bkcrm"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Sync.PollIntervalSec == 0 {
		c.Sync.PollIntervalSec = 5
	}
	if c.Sync.MinRefreshSpacingSec == 0 {
		c.Sync.MinRefreshSpacingSec = 2
	}
	if c.Sync.PendingTimeoutSec == 0 {
		c.Sync.PendingTimeoutSec = 20
	}
	if c.Sync.Reconnect.BaseDelayMs == 0 {
		c.Sync.Reconnect.BaseDelayMs = 1000
	}
	if c.Sync.Reconnect.MaxDelayMs == 0 {
		c.Sync.Reconnect.MaxDelayMs = 30000
	}
	if c.Sync.Reconnect.MaxAttempts == 0 {
		c.Sync.Reconnect.MaxAttempts = 10
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Relay.WhatsApp.Instance == "" {
		c.Relay.WhatsApp.Instance = c.Gateway.Instance
	}
	if c.Relay.WhatsApp.APIKey == "" {
		c.Relay.WhatsApp.APIKey = c.Gateway.APIKey
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Gateway.URL != "" && !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		errs = append(errs, "gateway.url must be a ws:// or wss:// endpoint")
	}
	if c.Sync.Reconnect.BaseDelayMs > c.Sync.Reconnect.MaxDelayMs {
		errs = append(errs, "sync.reconnect.base_delay_ms must not exceed max_delay_ms")
	}
	if c.Relay.Slack.BotToken != "" && c.Relay.Slack.ChannelID == "" {
		errs = append(errs, "relay.slack.channel_id is required when relay.slack.bot_token is set")
	}
	if c.Relay.Discord.BotToken != "" && c.Relay.Discord.ChannelID == "" {
		errs = append(errs, "relay.discord.channel_id is required when relay.discord.bot_token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
