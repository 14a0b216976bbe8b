// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/taskhost/config.yaml",
	"/etc/taskhost/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WorkerCount:             0, // min(5*NumCPU, 20)
			Queues:                  []string{"default"},
			ShutdownTimeout:         15 * time.Second,
			HeartbeatInterval:       30 * time.Second,
			ServerCheckInterval:     5 * time.Minute,
			ServerTimeout:           5 * time.Minute,
			SchedulePollingInterval: 15 * time.Second,
			WorkerPollInterval:      time.Second,
			JobLease:                5 * time.Minute,
			RetryInitialDelay:       time.Second,
			RetryMaxDelay:           5 * time.Minute,
			JobMaxAttempts:          10,
		},
		Storage: StorageConfig{
			Backend:             BackendMemory,
			BadgerPath:          "/data/taskhost",
			RedisPrefix:         "taskhost:",
			RedisPoolSize:       10,
			BreakerEnabled:      true,
			BreakerTimeout:      30 * time.Second,
			MaintenanceInterval: time.Minute,
			JobRetention:        24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Enabled:           true,
			Addr:              ":8080",
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults: built-in defaults
//  2. Config File: optional YAML config file (if exists)
//  3. Environment Variables: override any mapped setting
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Environment variables (highest priority)
	// WORKER_COUNT -> server.worker_count
	// REDIS_URL    -> storage.redis_url
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "" when none is found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated slices
var sliceConfigPaths = []string{
	"server.queues",
	"http.cors_origins",
}

// processSliceFields converts comma-separated environment values into
// string slices. Values loaded from YAML are already slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

var envMappings = map[string]string{
	// Server
	"worker_count":              "server.worker_count",
	"queues":                    "server.queues",
	"shutdown_timeout":          "server.shutdown_timeout",
	"heartbeat_interval":        "server.heartbeat_interval",
	"server_check_interval":     "server.server_check_interval",
	"server_timeout":            "server.server_timeout",
	"schedule_polling_interval": "server.schedule_polling_interval",
	"worker_poll_interval":      "server.worker_poll_interval",
	"job_lease":                 "server.job_lease",
	"retry_initial_delay":       "server.retry_initial_delay",
	"retry_max_delay":           "server.retry_max_delay",
	"job_max_attempts":          "server.job_max_attempts",

	// Storage
	"storage_backend":      "storage.backend",
	"badger_path":          "storage.badger_path",
	"badger_sync_writes":   "storage.badger_sync_writes",
	"redis_url":            "storage.redis_url",
	"redis_prefix":         "storage.redis_prefix",
	"redis_pool_size":      "storage.redis_pool_size",
	"breaker_enabled":      "storage.breaker_enabled",
	"breaker_timeout":      "storage.breaker_timeout",
	"maintenance_interval": "storage.maintenance_interval",
	"job_retention":        "storage.job_retention",

	// HTTP API
	"http_enabled":          "http.enabled",
	"http_addr":             "http.addr",
	"http_shutdown_timeout": "http.shutdown_timeout",
	"cors_origins":          "http.cors_origins",
	"rate_limit_requests":   "http.rate_limit_requests",
	"rate_limit_window":     "http.rate_limit_window",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables return "" and are skipped, so unrelated environment
// does not leak into the configuration.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// WatchConfigFile calls callback whenever the file at path changes. The
// caller reloads with LoadWithKoanf and guards the swap itself.
func WatchConfigFile(path string, callback func()) error {
	return file.Provider(path).Watch(func(_ interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
