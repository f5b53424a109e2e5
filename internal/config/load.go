package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults (plus env).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets exist only here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets
	envStr("AGENTGW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AGENTGW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AGENTGW_SMS_AUTH_TOKEN", &c.Channels.SMS.AuthToken)
	envStr("AGENTGW_SMS_WEBHOOK_TOKEN", &c.Channels.SMS.WebhookToken)
	envStr("AGENTGW_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.SMS.AuthToken != "" && c.Channels.SMS.AccountSID != "" {
		c.Channels.SMS.Enabled = true
	}

	// Listener
	envStr("AGENTGW_HOST", &c.Gateway.Host)
	if v := os.Getenv("AGENTGW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("AGENTGW_DB_MODE", &c.Database.Mode)
	envStr("AGENTGW_SQLITE_PATH", &c.Database.SQLitePath)

	// Engines
	envStr("AGENTGW_DEFAULT_ENGINE", &c.Engines.Default)

	// Telemetry
	envStr("AGENTGW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTGW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTGW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTGW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// SMS origins allow comma-separated override.
	if v := os.Getenv("AGENTGW_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
}

// Save writes the config to disk. Secret fields carry `json:"-"` so they
// can never leak into the file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
