package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.CardExpiryMinutes != 1440 {
		t.Errorf("CardExpiryMinutes = %d, want 1440", cfg.Pipeline.CardExpiryMinutes)
	}
	if cfg.Model.MaxToolIterations != 10 {
		t.Errorf("MaxToolIterations = %d, want 10", cfg.Model.MaxToolIterations)
	}
	if cfg.Session.IdleTimeout != 2*time.Hour {
		t.Errorf("IdleTimeout = %v, want 2h", cfg.Session.IdleTimeout)
	}
	if cfg.Approval.TimeoutSeconds != 60 {
		t.Errorf("Approval.TimeoutSeconds = %d, want 60", cfg.Approval.TimeoutSeconds)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"model": {"provider": "anthropic", "name": "claude-sonnet-4-5", "maxTokens": 2048},
		"pipeline": {"cardExpiryMinutes": 120, "knownSenders": ["alice@company.com"]},
		"channels": {"telegram": {"enabled": true, "token": "from-file"}}
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ANTEROOM_TELEGRAM_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("Provider = %q", cfg.Model.Provider)
	}
	if cfg.Pipeline.CardExpiryMinutes != 120 {
		t.Errorf("CardExpiryMinutes = %d, want 120", cfg.Pipeline.CardExpiryMinutes)
	}
	if cfg.Channels.Telegram.Token != "from-env" {
		t.Errorf("Telegram.Token = %q, want env override", cfg.Channels.Telegram.Token)
	}
	if len(cfg.Pipeline.KnownSenders) != 1 || cfg.Pipeline.KnownSenders[0] != "alice@company.com" {
		t.Errorf("KnownSenders = %v", cfg.Pipeline.KnownSenders)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestNormalizeClampsCompactionThreshold(t *testing.T) {
	cfg := &Config{}
	cfg.Session.CompactionThreshold = 3.0
	cfg.Normalize()
	if cfg.Session.CompactionThreshold != 0.8 {
		t.Errorf("CompactionThreshold = %v, want 0.8", cfg.Session.CompactionThreshold)
	}
}
