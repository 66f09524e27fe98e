package global

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"taskgate/cli/internal/config"
)

const configTOMLFileName = "config.toml"

type GatewaySettings struct {
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	UseMock bool   `toml:"use_mock"`
}

type RunDefaults struct {
	Model              string `toml:"model"`
	TaskTimeoutSeconds int    `toml:"task_timeout_seconds"`
}

type GlobalConfig struct {
	Gateway  GatewaySettings `toml:"gateway"`
	Defaults RunDefaults     `toml:"defaults"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

// Apply fills in settings the environment left blank. Env values always win.
func Apply(cfg config.Config, file GlobalConfig) config.Config {
	if os.Getenv("TASKGATE_GATEWAY_URL") == "" && strings.TrimSpace(file.Gateway.URL) != "" {
		cfg.GatewayURL = strings.TrimSpace(file.Gateway.URL)
	}
	if cfg.GatewayToken == "" {
		cfg.GatewayToken = strings.TrimSpace(file.Gateway.Token)
	}
	if file.Gateway.UseMock {
		cfg.UseMock = true
	}
	if os.Getenv("TASKGATE_DEFAULT_MODEL") == "" && strings.TrimSpace(file.Defaults.Model) != "" {
		cfg.DefaultModel = strings.TrimSpace(file.Defaults.Model)
	}
	if os.Getenv("TASKGATE_TASK_TIMEOUT_SECONDS") == "" && file.Defaults.TaskTimeoutSeconds >= 5 {
		cfg.TaskTimeout = time.Duration(file.Defaults.TaskTimeoutSeconds) * time.Second
	}
	return cfg
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	cfg.Gateway.URL = strings.TrimSpace(cfg.Gateway.URL)
	cfg.Gateway.Token = strings.TrimSpace(cfg.Gateway.Token)
	cfg.Defaults.Model = strings.TrimSpace(cfg.Defaults.Model)
	if cfg.Defaults.TaskTimeoutSeconds < 0 {
		cfg.Defaults.TaskTimeoutSeconds = 0
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
