package config

import (
	"os"
	"strings"
	"time"
)

// Config carries every runtime setting as a value. Callers load it once and
// pass it down; nothing reads the environment after startup.
type Config struct {
	GatewayURL     string
	GatewayToken   string
	UseMock        bool
	LogLevel       string
	DBPath         string
	ConfigDir      string
	TaskTimeout    time.Duration
	PollInterval   time.Duration
	DefaultModel   string
	ClientVersion  string
	ClientInstance string
}

func LoadConfig() Config {
	gatewayURL := os.Getenv("TASKGATE_GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://127.0.0.1:18789"
	}

	token := os.Getenv("TASKGATE_GATEWAY_TOKEN")
	useMock := parseBool(os.Getenv("TASKGATE_USE_MOCK"))

	level := os.Getenv("TASKGATE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	dbPath := os.Getenv("TASKGATE_DB_PATH")
	if dbPath == "" {
		dbPath = defaultDBPath()
	}

	configDir := os.Getenv("TASKGATE_CONFIG_DIR")
	if configDir == "" {
		configDir = defaultConfigDir()
	}

	timeoutSec := atoiOrDefault(os.Getenv("TASKGATE_TASK_TIMEOUT_SECONDS"), 60)
	if timeoutSec < 5 {
		timeoutSec = 5
	}
	pollMs := atoiOrDefault(os.Getenv("TASKGATE_POLL_INTERVAL_MS"), 900)
	if pollMs < 50 {
		pollMs = 900
	}

	model := os.Getenv("TASKGATE_DEFAULT_MODEL")
	if model == "" {
		model = "claude-3-haiku-20240307"
	}

	return Config{
		GatewayURL:     gatewayURL,
		GatewayToken:   token,
		UseMock:        useMock,
		LogLevel:       level,
		DBPath:         dbPath,
		ConfigDir:      configDir,
		TaskTimeout:    time.Duration(timeoutSec) * time.Second,
		PollInterval:   time.Duration(pollMs) * time.Millisecond,
		DefaultModel:   model,
		ClientVersion:  "0.1.0",
		ClientInstance: "taskgate",
	}
}

// MockMode reports whether the executor should be the deterministic mock:
// either requested explicitly, or forced because no gateway token exists.
func (c Config) MockMode() bool {
	return c.UseMock || strings.TrimSpace(c.GatewayToken) == ""
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".taskgate"
	}
	return home + string(os.PathSeparator) + ".taskgate"
}

func defaultDBPath() string {
	return defaultConfigDir() + string(os.PathSeparator) + "taskgate.db"
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
