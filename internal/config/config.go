// Package config loads runtime configuration from a JSON5 file overlaid
// with environment variables. Env vars win over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/finchlabs/finch/internal/channels"
)

// DefaultModel is used when neither the file nor MODEL_ID name one.
const DefaultModel = "claude-sonnet-4-20250514"

// Config is the root runtime configuration.
type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Workspace string          `json:"workspace"`
	SkillDir  string          `json:"skillDir"`
	Identity  string          `json:"identity"`
	Timezone  string          `json:"timezone"`
	OwnerIDs  []string        `json:"ownerIds"`
	LogLevel  string          `json:"logLevel"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type ToolsConfig struct {
	BashTimeoutMs       int  `json:"bashTimeoutMs"`
	BrowserEnabled      bool `json:"browserEnabled"`
	SmartRouting        bool `json:"smartRouting"`
	AutoSnapshotMinutes int  `json:"autoSnapshotMinutes"`
}

type SessionsConfig struct {
	Storage    string `json:"storage"`
	HistoryCap int    `json:"historyCap"`
}

type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebhookToken  string `json:"webhookToken"`
	RatePerMinute int    `json:"ratePerMinute"`
	RateBurst     int    `json:"rateBurst"`
}

type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
}

type ChannelConfig struct {
	Enabled     bool                 `json:"enabled"`
	Token       string               `json:"token"`
	AllowFrom   []string             `json:"allowFrom"`
	GroupPolicy channels.GroupPolicy `json:"groupPolicy"`
}

type HeartbeatConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: 8192,
		},
		Workspace: "~/.finch/workspace",
		SkillDir:  "~/.finch/skills",
		Timezone:  "UTC",
		LogLevel:  "info",
		Tools: ToolsConfig{
			BashTimeoutMs: 30_000,
		},
		Sessions: SessionsConfig{
			Storage:    "~/.finch/sessions",
			HistoryCap: 40,
		},
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          8790,
			RatePerMinute: 30,
			RateBurst:     10,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes: 30,
		},
	}
}

// Load reads the config file (JSON5; missing file is fine), then overlays
// environment variables and expands ~ paths.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("ANTHROPIC_API_KEY", &c.Provider.APIKey)
	envStr("ANTHROPIC_BASE_URL", &c.Provider.BaseURL)
	envStr("MODEL_ID", &c.Provider.Model)
	envInt("MAX_TOKENS", &c.Provider.MaxTokens)
	envInt("BASH_TIMEOUT", &c.Tools.BashTimeoutMs)
	envStr("WORK_DIR", &c.Workspace)
	envStr("SKILL_DIR", &c.SkillDir)
	envInt("AUTO_SNAPSHOT_MINUTES", &c.Tools.AutoSnapshotMinutes)
	if v := os.Getenv("SMART_ROUTING"); v != "" {
		c.Tools.SmartRouting = v == "1" || strings.EqualFold(v, "true")
	}

	envStr("FINCH_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("FINCH_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("FINCH_WEBHOOK_TOKEN", &c.Gateway.WebhookToken)

	// A token arriving via env implies the channel should run.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Validate reports configuration the runtime cannot start without.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("model id is empty")
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Workspace = ExpandHome(c.Workspace)
	c.SkillDir = ExpandHome(c.SkillDir)
	c.Sessions.Storage = ExpandHome(c.Sessions.Storage)
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// WorkspaceSub returns a path under the workspace, creating nothing.
func (c *Config) WorkspaceSub(parts ...string) string {
	return filepath.Join(append([]string{c.Workspace}, parts...)...)
}
