package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.BackendMode != "cli" {
		t.Fatalf("BackendMode = %q, want %q", cfg.BackendMode, "cli")
	}
	if cfg.TaskGCDelay != 30*time.Second {
		t.Fatalf("TaskGCDelay = %v, want 30s", cfg.TaskGCDelay)
	}
	if cfg.ChatThrottle != 1500*time.Millisecond {
		t.Fatalf("ChatThrottle = %v, want 1.5s", cfg.ChatThrottle)
	}
	if cfg.ProjectRoot != "" {
		t.Fatalf("ProjectRoot = %q, want empty default (sandbox off)", cfg.ProjectRoot)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("AGENT_BACKEND_MODE", "mock")
	t.Setenv("APP_TASK_GC_DELAY", "45s")
	t.Setenv("APP_PROJECT_ROOT", " /srv/projects ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" || cfg.BackendMode != "mock" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TaskGCDelay != 45*time.Second {
		t.Fatalf("TaskGCDelay = %v, want 45s", cfg.TaskGCDelay)
	}
	if cfg.ProjectRoot != "/srv/projects" {
		t.Fatalf("ProjectRoot = %q, want trimmed path", cfg.ProjectRoot)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"AGENT_BACKEND_MODE", "http"},
		{"APP_TASK_GC_DELAY", "-1s"},
		{"APP_CHAT_THROTTLE", "nope"},
		{"APP_CHAT_MESSAGE_LIMIT", "10"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_PROJECT_ROOT",
		"APP_DEFAULT_PROJECT_DIR",
		"APP_TASK_GC_DELAY",
		"APP_CHAT_THROTTLE",
		"APP_WEB_THROTTLE",
		"APP_CHAT_MESSAGE_LIMIT",
		"AGENT_BACKEND_MODE",
		"AGENT_CLI_PATH",
		"AGENT_MODEL",
		"AGENT_PERMISSION_MODE",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_POLL_PERIOD",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
