// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

/*
Package main is the entry point for the taskhost background job server.

# Process Tree

	ProcessingServer ("taskhost")
	├── heartbeat
	├── watchdog
	├── storage components (lease-reaper, expiration-manager, badger-gc)
	├── worker x WORKER_COUNT
	├── delayed-job-scheduler
	├── recurring-job-scheduler
	└── http-api (HTTP_ENABLED=true)

Every process runs inside the automatic-retry decorator, so a failing
storage backend is retried with backoff instead of crashing the server.

Startup order:

 1. Configuration: Koanf v2 (defaults, config.yaml, environment)
 2. Logging: zerolog with JSON or console output
 3. Storage: memory, BadgerDB or Redis, optionally behind a circuit breaker
 4. Job handlers: the built-in noop, log and sleep types
 5. Background job server: announce, then start every process
 6. HTTP API: chi router with /healthz, /metrics and /api/v1

# Signal Handling

SIGINT and SIGTERM stop the server. Shutdown waits at most SHUTDOWN_TIMEOUT
for processes to stop, removes the server record and closes the storage.

See package config for the full list of environment variables.
*/
package main
