package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Backend selects the agent driver: "cli" or "mock".
	BackendMode       string
	AgentCLIPath      string
	AgentModel        string
	PermissionMode    string
	ProjectRoot       string
	DefaultProjectDir string

	TaskGCDelay      time.Duration
	ChatThrottle     time.Duration
	WebThrottle      time.Duration
	ChatMessageLimit int

	TelegramBotToken   string
	TelegramPollPeriod time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "tandem"),
		AllowAnyOrigin:    false,
		BackendMode:       envOrDefault("AGENT_BACKEND_MODE", "cli"),
		AgentCLIPath:      envOrDefault("AGENT_CLI_PATH", "claude"),
		AgentModel:        stringsTrimSpace("AGENT_MODEL"),
		PermissionMode:    envOrDefault("AGENT_PERMISSION_MODE", "acceptEdits"),
		ProjectRoot:       stringsTrimSpace("APP_PROJECT_ROOT"),
		DefaultProjectDir: stringsTrimSpace("APP_DEFAULT_PROJECT_DIR"),
		TelegramBotToken:  stringsTrimSpace("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:    15 * time.Second,
		TaskGCDelay:        30 * time.Second,
		ChatThrottle:       1500 * time.Millisecond,
		WebThrottle:        250 * time.Millisecond,
		ChatMessageLimit:   3900,
		TelegramPollPeriod: 30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskGCDelay, err = durationFromEnv("APP_TASK_GC_DELAY", cfg.TaskGCDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatThrottle, err = durationFromEnv("APP_CHAT_THROTTLE", cfg.ChatThrottle)
	if err != nil {
		return Config{}, err
	}
	cfg.WebThrottle, err = durationFromEnv("APP_WEB_THROTTLE", cfg.WebThrottle)
	if err != nil {
		return Config{}, err
	}
	cfg.TelegramPollPeriod, err = durationFromEnv("TELEGRAM_POLL_PERIOD", cfg.TelegramPollPeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatMessageLimit, err = intFromEnv("APP_CHAT_MESSAGE_LIMIT", cfg.ChatMessageLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.BackendMode {
	case "cli", "mock":
	default:
		return Config{}, fmt.Errorf("AGENT_BACKEND_MODE must be cli or mock, got %q", cfg.BackendMode)
	}
	if cfg.TaskGCDelay <= 0 {
		return Config{}, fmt.Errorf("APP_TASK_GC_DELAY must be positive")
	}
	if cfg.ChatThrottle <= 0 || cfg.WebThrottle <= 0 {
		return Config{}, fmt.Errorf("throttle intervals must be positive")
	}
	if cfg.ChatMessageLimit < 200 {
		return Config{}, fmt.Errorf("APP_CHAT_MESSAGE_LIMIT must be at least 200")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
