// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

/*
Package api serves the status and admin HTTP API of a processing server.

Routes:

	GET    /healthz                 liveness plus a storage round trip
	GET    /metrics                 Prometheus metrics
	GET    /api/v1/servers          servers registered in storage
	GET    /api/v1/queues           local queues with capacity, bindings and length
	POST   /api/v1/queues           add a queue at runtime
	POST   /api/v1/jobs             enqueue or schedule a job
	GET    /api/v1/jobs/{id}        job state
	GET    /api/v1/recurring        recurring jobs
	PUT    /api/v1/recurring/{id}   add or update a recurring job
	DELETE /api/v1/recurring/{id}   remove a recurring job

Every /api/v1 response uses the APIResponse envelope. Request counts and
latency are exported per route pattern by PrometheusMetrics. The API runs as an
HTTPProcess under the processing server, so it starts after the server is
announced and stops with it.
*/
package api
