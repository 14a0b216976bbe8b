// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	serverIDKey contextKey = "server_id"
	processKey  contextKey = "process"
	workerIDKey contextKey = "worker_id"
	jobIDKey    contextKey = "job_id"
	loggerKey   contextKey = "logger"
)

// contextFields lists the keys Ctx copies into log fields, in output order.
var contextFields = []contextKey{serverIDKey, processKey, workerIDKey, jobIDKey}

// WithServerID returns a context carrying the server id for log correlation.
func WithServerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, serverIDKey, id)
}

// WithProcess returns a context carrying the running process name.
func WithProcess(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, processKey, name)
}

// WithWorkerID returns a context carrying a worker id.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// WithJobID returns a context carrying the id of the job being performed.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// ServerIDFromContext returns the server id stored in ctx, or "".
func ServerIDFromContext(ctx context.Context) string {
	return stringValue(ctx, serverIDKey)
}

// ProcessFromContext returns the process name stored in ctx, or "".
func ProcessFromContext(ctx context.Context) string {
	return stringValue(ctx, processKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// ContextWithLogger stores a pre-configured logger in ctx.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, falling back to the global one.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger with server_id, process, worker_id and job_id fields
// populated from ctx when present.
//
//	logging.Ctx(ctx).Info().Msg("Job performed")
//	// {"level":"info","server_id":"host:42:...","process":"worker","job_id":"...","message":"Job performed"}
func Ctx(ctx context.Context) *zerolog.Logger {
	l := CtxWith(ctx).Logger()
	return &l
}

// CtxWith returns a logger context builder with the context fields applied.
func CtxWith(ctx context.Context) zerolog.Context {
	logger := LoggerFromContext(ctx)
	lc := logger.With()
	for _, key := range contextFields {
		if v := stringValue(ctx, key); v != "" {
			lc = lc.Str(string(key), v)
		}
	}
	return lc
}
