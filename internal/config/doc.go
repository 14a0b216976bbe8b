// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

/*
Package config loads taskhost configuration with Koanf v2.

Sources, lowest priority first:
  - Built-in defaults (defaultConfig)
  - A YAML file: $CONFIG_PATH, ./config.yaml, ./config.yml,
    /etc/taskhost/config.yaml or /etc/taskhost/config.yml
  - Environment variables

# Environment Variables

Server (ServerConfig):
  - WORKER_COUNT: Workers in the pool (default: min(5*NumCPU, 20))
  - QUEUES: Comma-separated queues in priority order, "name" or
    "name:max_workers" (default: default)
  - SHUTDOWN_TIMEOUT: Bound on graceful shutdown (default: 15s)
  - HEARTBEAT_INTERVAL: Heartbeat period (default: 30s)
  - SERVER_CHECK_INTERVAL: Watchdog period (default: 5m)
  - SERVER_TIMEOUT: Heartbeat age after which a server is dead (default: 5m)
  - SCHEDULE_POLLING_INTERVAL: Delayed and recurring scheduler period (default: 15s)
  - WORKER_POLL_INTERVAL: Idle worker poll period (default: 1s)
  - JOB_LEASE: Lease on a fetched job (default: 5m)
  - RETRY_INITIAL_DELAY, RETRY_MAX_DELAY: Process retry backoff (default: 1s, 5m)
  - JOB_MAX_ATTEMPTS: Attempts before a job fails (default: 10)

Storage (StorageConfig):
  - STORAGE_BACKEND: memory, badger or redis (default: memory)
  - BADGER_PATH, BADGER_SYNC_WRITES
  - REDIS_URL, REDIS_PREFIX, REDIS_POOL_SIZE
  - BREAKER_ENABLED, BREAKER_TIMEOUT: Circuit breaker on connections (default: true, 30s)
  - MAINTENANCE_INTERVAL, JOB_RETENTION (default: 1m, 24h)

HTTP API (HTTPConfig):
  - HTTP_ENABLED, HTTP_ADDR, HTTP_SHUTDOWN_TIMEOUT (default: true, :8080, 10s)
  - CORS_ORIGINS: Comma-separated allowed origins (default: *)
  - RATE_LIMIT_REQUESTS, RATE_LIMIT_WINDOW: Per-IP limit on /api/v1 (default: 100 per 1m)

Logging (LoggingConfig):
  - LOG_LEVEL, LOG_FORMAT, LOG_CALLER (default: info, json, false)

# Usage

	cfg, err := config.LoadWithKoanf()
	if err != nil {
	    log.Fatal(err)
	}
	queues, _ := cfg.Server.QueueSpecs()
*/
package config
