package global

import (
	"os"
	"path/filepath"
	"testing"

	"taskgate/cli/internal/config"
)

func TestConfigStore_InitThenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if cfg.Gateway.URL != "" || cfg.Gateway.Token != "" {
		t.Fatalf("fresh config should be empty: %+v", cfg)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("config.toml not written: %v", err)
	}

	cfg.Gateway.URL = "ws://gw.local:18789"
	cfg.Gateway.Token = " tok-2 "
	cfg.Defaults.Model = "claude-3-haiku-20240307"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Gateway.URL != "ws://gw.local:18789" {
		t.Fatalf("url: %q", loaded.Gateway.URL)
	}
	if loaded.Gateway.Token != "tok-2" {
		t.Fatalf("token not normalized: %q", loaded.Gateway.Token)
	}
}

func TestApply_EnvWins(t *testing.T) {
	t.Setenv("TASKGATE_GATEWAY_URL", "ws://from-env")
	t.Setenv("TASKGATE_DEFAULT_MODEL", "")

	base := config.Config{GatewayURL: "ws://from-env", DefaultModel: "fallback"}
	file := GlobalConfig{
		Gateway:  GatewaySettings{URL: "ws://from-file", Token: "file-token"},
		Defaults: RunDefaults{Model: "file-model"},
	}

	got := Apply(base, file)
	if got.GatewayURL != "ws://from-env" {
		t.Fatalf("env url must win: %q", got.GatewayURL)
	}
	if got.GatewayToken != "file-token" {
		t.Fatalf("file token should fill blank: %q", got.GatewayToken)
	}
	if got.DefaultModel != "file-model" {
		t.Fatalf("file model should fill blank: %q", got.DefaultModel)
	}
}

func TestApply_MockFlagFromFile(t *testing.T) {
	got := Apply(config.Config{}, GlobalConfig{Gateway: GatewaySettings{UseMock: true}})
	if !got.UseMock {
		t.Fatalf("file use_mock should enable mock mode")
	}
}
