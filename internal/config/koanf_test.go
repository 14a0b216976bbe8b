// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory with every mapped variable
// cleared, so neither the host environment nor a stray config.yaml leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(ConfigPathEnvVar, "")
	for key := range envMappings {
		t.Setenv(strings.ToUpper(key), "")
		os.Unsetenv(strings.ToUpper(key))
	}
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.WorkerCount != 0 {
		t.Errorf("Server.WorkerCount = %d, want 0 (auto)", cfg.Server.WorkerCount)
	}
	if !reflect.DeepEqual(cfg.Server.Queues, []string{"default"}) {
		t.Errorf("Server.Queues = %v, want [default]", cfg.Server.Queues)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 30s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.ServerTimeout != 5*time.Minute {
		t.Errorf("Server.ServerTimeout = %v, want 5m", cfg.Server.ServerTimeout)
	}
	if cfg.Server.SchedulePollingInterval != 15*time.Second {
		t.Errorf("Server.SchedulePollingInterval = %v, want 15s", cfg.Server.SchedulePollingInterval)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if !cfg.Storage.BreakerEnabled {
		t.Error("Storage.BreakerEnabled should be true by default")
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.HTTP.RateLimitRequests != 100 {
		t.Errorf("HTTP.RateLimitRequests = %d, want 100", cfg.HTTP.RateLimitRequests)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"WORKER_COUNT", "server.worker_count"},
		{"QUEUES", "server.queues"},
		{"SERVER_TIMEOUT", "server.server_timeout"},
		{"STORAGE_BACKEND", "storage.backend"},
		{"REDIS_URL", "storage.redis_url"},
		{"HTTP_ADDR", "http.addr"},
		{"CORS_ORIGINS", "http.cors_origins"},
		{"LOG_LEVEL", "logging.level"},
		{"log_format", "logging.format"},

		// Unmapped keys are skipped
		{"PATH", ""},
		{"HOME", ""},
		{"SERVER_QUEUES", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := envTransformFunc(tt.input); got != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)

	t.Run("no config file exists", func(t *testing.T) {
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty string", got)
		}
	})

	t.Run("config.yaml exists", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		defer os.Remove(path)

		if got := findConfigFile(); got != "config.yaml" {
			t.Errorf("findConfigFile() = %q, want config.yaml", got)
		}
	})

	t.Run("CONFIG_PATH takes precedence", func(t *testing.T) {
		custom := filepath.Join(dir, "custom.yaml")
		if err := os.WriteFile(custom, []byte("server: {}\n"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		t.Setenv(ConfigPathEnvVar, custom)

		if got := findConfigFile(); got != custom {
			t.Errorf("findConfigFile() = %q, want %q", got, custom)
		}
	})

	t.Run("CONFIG_PATH with missing file falls back", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "/non/existent/config.yaml")
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty string", got)
		}
	})
}

func TestLoadWithKoanfEnvVars(t *testing.T) {
	isolate(t)
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("QUEUES", "critical:2, default ,reports")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("BREAKER_ENABLED", "false")
	t.Setenv("HTTP_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Server.WorkerCount != 4 {
		t.Errorf("Server.WorkerCount = %d, want 4", cfg.Server.WorkerCount)
	}
	if want := []string{"critical:2", "default", "reports"}; !reflect.DeepEqual(cfg.Server.Queues, want) {
		t.Errorf("Server.Queues = %v, want %v", cfg.Server.Queues, want)
	}
	if cfg.Server.HeartbeatInterval != 10*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 10s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Storage.Backend != BackendRedis || cfg.Storage.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Storage = %+v, want redis at localhost", cfg.Storage)
	}
	if cfg.Storage.BreakerEnabled {
		t.Error("Storage.BreakerEnabled = true, want false")
	}
	if cfg.HTTP.Enabled {
		t.Error("HTTP.Enabled = true, want false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}

	// Defaults still apply to unset values
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s (default)", cfg.Server.ShutdownTimeout)
	}
	if cfg.Storage.RedisPrefix != "taskhost:" {
		t.Errorf("Storage.RedisPrefix = %q, want taskhost: (default)", cfg.Storage.RedisPrefix)
	}
}

func TestLoadWithKoanfConfigFile(t *testing.T) {
	dir := isolate(t)

	content := `
server:
  worker_count: 8
  queues:
    - critical:1
    - default
  shutdown_timeout: 45s

storage:
  backend: badger
  badger_path: /var/lib/taskhost

http:
  addr: "127.0.0.1:9090"
  cors_origins:
    - https://ops.example.com

logging:
  level: warn
  format: console
`
	path := filepath.Join(dir, "taskhost.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Server.WorkerCount != 8 {
		t.Errorf("Server.WorkerCount = %d, want 8", cfg.Server.WorkerCount)
	}
	if want := []string{"critical:1", "default"}; !reflect.DeepEqual(cfg.Server.Queues, want) {
		t.Errorf("Server.Queues = %v, want %v", cfg.Server.Queues, want)
	}
	if cfg.Server.ShutdownTimeout != 45*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 45s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Storage.Backend != BackendBadger || cfg.Storage.BadgerPath != "/var/lib/taskhost" {
		t.Errorf("Storage = %+v, want badger at /var/lib/taskhost", cfg.Storage)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Errorf("HTTP.Addr = %q, want 127.0.0.1:9090", cfg.HTTP.Addr)
	}
	if want := []string{"https://ops.example.com"}; !reflect.DeepEqual(cfg.HTTP.CORSOrigins, want) {
		t.Errorf("HTTP.CORSOrigins = %v, want %v", cfg.HTTP.CORSOrigins, want)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want console", cfg.Logging.Format)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 30s (default)", cfg.Server.HeartbeatInterval)
	}
}

func TestLoadWithKoanfEnvOverridesFile(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  worker_count: 8\nlogging:\n  level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WORKER_COUNT", "2")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if cfg.Server.WorkerCount != 2 {
		t.Errorf("Server.WorkerCount = %d, want 2 (env wins over file)", cfg.Server.WorkerCount)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn (from file)", cfg.Logging.Level)
	}
}

func TestLoadWithKoanfValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "invalid queue name",
			env:     map[string]string{"QUEUES": "default,Reports"},
			wantErr: "invalid queue name",
		},
		{
			name:    "invalid worker limit",
			env:     map[string]string{"QUEUES": "critical:-1"},
			wantErr: "invalid worker limit",
		},
		{
			name:    "server timeout not above heartbeat",
			env:     map[string]string{"HEARTBEAT_INTERVAL": "5m", "SERVER_TIMEOUT": "5m"},
			wantErr: "SERVER_TIMEOUT",
		},
		{
			name:    "retry max below initial",
			env:     map[string]string{"RETRY_INITIAL_DELAY": "10s", "RETRY_MAX_DELAY": "1s"},
			wantErr: "RETRY_MAX_DELAY",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORAGE_BACKEND": "postgres"},
			wantErr: "Backend must be one of",
		},
		{
			name:    "redis without url",
			env:     map[string]string{"STORAGE_BACKEND": "redis"},
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "redis with http url",
			env:     map[string]string{"STORAGE_BACKEND": "redis", "REDIS_URL": "http://localhost"},
			wantErr: "REDIS_URL must start with",
		},
		{
			name:    "badger without path",
			env:     map[string]string{"STORAGE_BACKEND": "badger", "BADGER_PATH": ""},
			wantErr: "BADGER_PATH is required",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "verbose"},
			wantErr: "Level must be one of",
		},
		{
			name:    "zero job attempts",
			env:     map[string]string{"JOB_MAX_ATTEMPTS": "0"},
			wantErr: "JobMaxAttempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadWithKoanf()
			if err == nil {
				t.Fatalf("LoadWithKoanf() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadWithKoanf() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestQueueSpecs(t *testing.T) {
	sc := ServerConfig{Queues: []string{"critical:2", "default", "reports:0"}}
	specs, err := sc.QueueSpecs()
	if err != nil {
		t.Fatalf("QueueSpecs() error = %v", err)
	}
	want := []QueueSpec{{Name: "critical", MaxWorkers: 2}, {Name: "default"}, {Name: "reports"}}
	if !reflect.DeepEqual(specs, want) {
		t.Errorf("QueueSpecs() = %+v, want %+v", specs, want)
	}
}
