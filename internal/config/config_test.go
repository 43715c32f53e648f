package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Tools.BashTimeoutMs != 30_000 || cfg.Sessions.HistoryCap != 40 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// trailing commas and comments are fine
		provider: { model: "claude-opus-4-1", maxTokens: 4096, },
		workspace: "/tmp/finch-ws",
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "claude-opus-4-1" || cfg.Provider.MaxTokens != 4096 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Workspace != "/tmp/finch-ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MODEL_ID", "claude-haiku-4-5")
	t.Setenv("MAX_TOKENS", "2048")
	t.Setenv("BASH_TIMEOUT", "5000")
	t.Setenv("SMART_ROUTING", "true")

	path := writeConfig(t, `{ provider: { model: "from-file" } }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "claude-haiku-4-5" {
		t.Errorf("model = %q, env should win", cfg.Provider.Model)
	}
	if cfg.Provider.MaxTokens != 2048 || cfg.Tools.BashTimeoutMs != 5000 {
		t.Errorf("ints = %+v %+v", cfg.Provider, cfg.Tools)
	}
	if !cfg.Tools.SmartRouting {
		t.Error("SMART_ROUTING=true not applied")
	}
}

func TestChannelTokenAutoEnables(t *testing.T) {
	t.Setenv("FINCH_TELEGRAM_TOKEN", "tg-token")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if cfg.Channels.Discord.Enabled {
		t.Error("discord enabled without a token")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing api key passed validation")
	}
	cfg.Provider.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/x"); got != "/abs/x" {
		t.Errorf("absolute path changed: %q", got)
	}
}
