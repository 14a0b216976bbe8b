// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package config

import "time"

// Storage backends accepted by StorageConfig.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config holds the full taskhost configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	HTTP    HTTPConfig    `koanf:"http"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig configures the background job server and its supervisor.
type ServerConfig struct {
	// WorkerCount of zero picks min(5*NumCPU, 20).
	WorkerCount int `koanf:"worker_count" validate:"gte=0,lte=1000"`

	// Queues in priority order. Entries may carry a capacity suffix,
	// "critical:2", parsed by QueueSpecs.
	Queues []string `koanf:"queues" validate:"required,min=1"`

	ShutdownTimeout         time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	HeartbeatInterval       time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	ServerCheckInterval     time.Duration `koanf:"server_check_interval" validate:"gt=0"`
	ServerTimeout           time.Duration `koanf:"server_timeout" validate:"gt=0"`
	SchedulePollingInterval time.Duration `koanf:"schedule_polling_interval" validate:"gt=0"`
	WorkerPollInterval      time.Duration `koanf:"worker_poll_interval" validate:"gt=0"`
	JobLease                time.Duration `koanf:"job_lease" validate:"gt=0"`

	// RetryInitialDelay and RetryMaxDelay bound the backoff of the
	// automatic-retry decorator around every process.
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay" validate:"gt=0"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" validate:"gt=0"`

	// JobMaxAttempts before a failing job is marked failed.
	JobMaxAttempts int `koanf:"job_max_attempts" validate:"gte=1,lte=100"`
}

// StorageConfig selects and tunes the job storage backend.
type StorageConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory badger redis"`

	BadgerPath       string `koanf:"badger_path"`
	BadgerSyncWrites bool   `koanf:"badger_sync_writes"`

	RedisURL      string `koanf:"redis_url"`
	RedisPrefix   string `koanf:"redis_prefix"`
	RedisPoolSize int    `koanf:"redis_pool_size" validate:"gte=0"`

	BreakerEnabled bool          `koanf:"breaker_enabled"`
	BreakerTimeout time.Duration `koanf:"breaker_timeout" validate:"gte=0"`

	MaintenanceInterval time.Duration `koanf:"maintenance_interval" validate:"gt=0"`
	JobRetention        time.Duration `koanf:"job_retention" validate:"gt=0"`
}

// HTTPConfig configures the management API.
type HTTPConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Addr            string        `koanf:"addr" validate:"required_if=Enabled true"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// LoggingConfig mirrors logging.Config for the fields that come from
// configuration.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
