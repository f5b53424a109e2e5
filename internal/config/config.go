// Package config holds the gateway configuration: a JSON5 file overlaid
// with environment variables. Secrets (tokens, DSNs) come from env only and
// are never written back to disk.
package config

import (
	"os"
	"time"
)

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Engines   EnginesConfig   `json:"engines"`
	Run       RunConfig       `json:"run"`
	Outbox    OutboxConfig    `json:"outbox"`
	Router    RouterConfig    `json:"router"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []BindingConfig `json:"bindings,omitempty"`
}

// GatewayConfig configures the WebSocket control plane listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // env AGENTGW_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
}

// ChannelsConfig configures the channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	SMS      SMSConfig      `json:"sms"`
}

// TelegramConfig configures the Telegram bot adapter.
// Token is NEVER read from the config file — only from env AGENTGW_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	Token          string `json:"-"`
	Account        string `json:"account,omitempty"` // logical account id, default "bot1"
	Proxy          string `json:"proxy,omitempty"`
	PollTimeoutSec int    `json:"poll_timeout_sec,omitempty"`
}

// SMSConfig configures the Twilio-compatible SMS adapter. AuthToken and
// WebhookToken come from env only.
type SMSConfig struct {
	Enabled      bool   `json:"enabled"`
	AccountSID   string `json:"account_sid,omitempty"`
	AuthToken    string `json:"-"` // env AGENTGW_SMS_AUTH_TOKEN only
	From         string `json:"from,omitempty"`
	Account      string `json:"account,omitempty"` // logical account id, default "twilio0"
	APIBase      string `json:"api_base,omitempty"`
	WebhookToken string `json:"-"` // env AGENTGW_SMS_WEBHOOK_TOKEN only
}

// EnginesConfig selects and tunes the agent engines.
type EnginesConfig struct {
	Default string `json:"default,omitempty"`
	// Commands maps engine id to the argv of its CLI adapter, e.g.
	// {"claude": ["claude-agent", "--stream-json"]}.
	Commands map[string][]string `json:"commands,omitempty"`
	// ContextWindows overrides the per-engine context window in tokens.
	ContextWindows map[string]int `json:"context_windows,omitempty"`
}

// RunConfig tunes the run lifecycle policies.
type RunConfig struct {
	IdleTimeoutSec       int     `json:"idle_timeout_sec,omitempty"`    // watchdog, default 7200
	ConfirmTimeoutSec    int     `json:"confirm_timeout_sec,omitempty"` // keepalive answer, default 300
	ReserveTokens        int     `json:"reserve_tokens,omitempty"`
	NearLimitRatio       float64 `json:"near_limit_ratio,omitempty"`
	MaxZeroAnswerRetries int     `json:"max_zero_answer_retries,omitempty"`
	StreamMaxQueue       int     `json:"stream_max_queue,omitempty"`
}

// OutboxConfig tunes outbound delivery.
type OutboxConfig struct {
	ThrottleMs        int `json:"throttle_ms,omitempty"`         // per-peer drain interval, default 400
	IdempotencyTTLSec int `json:"idempotency_ttl_sec,omitempty"` // default 600
}

// RouterConfig tunes inbound routing.
type RouterConfig struct {
	DedupeTTLSec int `json:"dedupe_ttl_sec,omitempty"` // default 600
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file — only from env AGENTGW_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "memory", "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP HTTP collector
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// BindingConfig routes inbound messages to an agent. Empty fields are
// wildcards; the most specific matching binding wins.
type BindingConfig struct {
	Channel   string `json:"channel,omitempty"`
	Account   string `json:"account,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Thread    string `json:"thread,omitempty"`
	AgentID   string `json:"agent_id"`
	Engine    string `json:"engine,omitempty"`
	QueueMode string `json:"queue_mode,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18990,
			RateLimitRPM: 60,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Account:        "bot1",
				PollTimeoutSec: 30,
			},
			SMS: SMSConfig{
				Account: "twilio0",
			},
		},
		Run: RunConfig{
			IdleTimeoutSec:       7200,
			ConfirmTimeoutSec:    300,
			ReserveTokens:        16384,
			NearLimitRatio:       0.9,
			MaxZeroAnswerRetries: 1,
		},
		Outbox: OutboxConfig{
			ThrottleMs:        400,
			IdempotencyTTLSec: 600,
		},
		Router: RouterConfig{
			DedupeTTLSec: 600,
		},
		Database: DatabaseConfig{
			Mode:       "sqlite",
			SQLitePath: "~/.agentgw/agentgw.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentgw",
		},
	}
}

// Duration accessors for the *_sec / *_ms knobs.

func (c *RunConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func (c *RunConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSec) * time.Second
}

func (c *OutboxConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleMs) * time.Millisecond
}

func (c *OutboxConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

func (c *RouterConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSec) * time.Second
}

// SQLiteFile returns the expanded sqlite path.
func (c *DatabaseConfig) SQLiteFile() string {
	return ExpandHome(c.SQLitePath)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
