// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Process supervision
	ProcessExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_process_executions_total",
			Help: "Total number of process executions",
		},
		[]string{"process"},
	)

	ProcessFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_process_failures_total",
			Help: "Total number of process executions that returned an error",
		},
		[]string{"process"},
	)

	ProcessRetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhost_process_retry_delay_seconds",
			Help:    "Backoff delay applied before re-running a failed process",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		},
		[]string{"process"},
	)

	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhost_process_duration_seconds",
			Help:    "Duration of a single process execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"process"},
	)

	// Server liveness
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_heartbeats_total",
			Help: "Heartbeats written, by result (ok, reannounced, error)",
		},
		[]string{"result"},
	)

	WatchdogRemovedServers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhost_watchdog_removed_servers_total",
			Help: "Servers removed by the watchdog for missing heartbeats",
		},
	)

	// Jobs
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_jobs_processed_total",
			Help: "Jobs performed, by queue and outcome (succeeded, retried, failed, requeued)",
		},
		[]string{"queue", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhost_job_duration_seconds",
			Help:    "Job perform duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Worker pool
	WorkerPoolQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhost_worker_pool_queues",
			Help: "Number of queues known to the worker pool",
		},
	)

	WorkerPoolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhost_worker_pool_workers",
			Help: "Number of workers in the worker pool",
		},
	)

	// Schedulers
	SchedulerEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_scheduler_enqueued_total",
			Help: "Jobs moved to their queue by a scheduler",
		},
		[]string{"scheduler"},
	)

	// Storage
	StorageBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhost_storage_breaker_state",
			Help: "Storage circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	StorageMaintenance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_storage_maintenance_items_total",
			Help: "Items handled by storage maintenance components, by task",
		},
		[]string{"task"},
	)

	// Management API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhost_api_requests_total",
			Help: "API requests by method, route pattern and status code",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhost_api_request_duration_seconds",
			Help:    "API request latency by method and route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhost_api_active_requests",
			Help: "API requests currently being served",
		},
	)
)

// RecordProcessExecution records one process run.
func RecordProcessExecution(process string, duration time.Duration, err error) {
	ProcessExecutions.WithLabelValues(process).Inc()
	ProcessDuration.WithLabelValues(process).Observe(duration.Seconds())
	if err != nil {
		ProcessFailures.WithLabelValues(process).Inc()
	}
}

// RecordJob records a performed job.
func RecordJob(queue, outcome string, duration time.Duration) {
	JobsProcessed.WithLabelValues(queue, outcome).Inc()
	JobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequests.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
