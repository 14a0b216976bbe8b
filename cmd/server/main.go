// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/taskhost/internal/api"
	"github.com/tomtom215/taskhost/internal/config"
	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/server"
	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/supervisor"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Msg("Starting taskhost")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	js, closer, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open job storage")
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing job storage")
		}
	}()
	storage.SetDefault(js)

	opts, err := serverOptions(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid server configuration")
	}

	// nil storage resolves to the default set above.
	srv, err := server.New(nil, opts)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to start background job server")
		return
	}

	<-ctx.Done()
	logging.Info().Msg("Received shutdown signal")

	if err := srv.Shutdown(); err != nil {
		if errors.Is(err, supervisor.ErrShutdownTimeout) {
			logging.Warn().Err(err).Msg("Background job server did not stop gracefully")
			return
		}
		logging.Error().Err(err).Msg("Background job server shutdown error")
		return
	}
	logging.Info().Msg("Application stopped gracefully")
}

// serverOptions maps configuration onto server.Options.
func serverOptions(cfg *config.Config) (server.Options, error) {
	specs, err := cfg.Server.QueueSpecs()
	if err != nil {
		return server.Options{}, err
	}
	queues := make([]*server.Queue, 0, len(specs))
	for _, spec := range specs {
		q, err := server.NewQueue(spec.Name, spec.MaxWorkers)
		if err != nil {
			return server.Options{}, err
		}
		queues = append(queues, q)
	}

	retry := process.RetryPolicy{
		Initial: cfg.Server.RetryInitialDelay,
		Max:     cfg.Server.RetryMaxDelay,
	}
	opts := server.Options{
		WorkerCount:  cfg.Server.WorkerCount,
		Queues:       queues,
		Performer:    builtinHandlers(),
		StateChanger: execution.NewRetryingStateChanger(cfg.Server.JobMaxAttempts),
		Worker: server.WorkerOptions{
			PollInterval: cfg.Server.WorkerPollInterval,
			JobLease:     cfg.Server.JobLease,
		},
		SchedulePollingInterval: cfg.Server.SchedulePollingInterval,
		Supervisor: supervisor.Options{
			ShutdownTimeout:     cfg.Server.ShutdownTimeout,
			HeartbeatInterval:   cfg.Server.HeartbeatInterval,
			ServerCheckInterval: cfg.Server.ServerCheckInterval,
			ServerTimeout:       cfg.Server.ServerTimeout,
			RetryPolicy:         retry,
		},
	}
	if cfg.HTTP.Enabled {
		opts.ServerProcesses = func(s *server.BackgroundJobServer) []process.Process {
			return []process.Process{apiProcess(s, cfg.HTTP)}
		}
	}
	return opts, nil
}

// apiProcess builds the management API served next to the workers.
func apiProcess(s *server.BackgroundJobServer, cfg config.HTTPConfig) process.Process {
	mwCfg := api.DefaultMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = cfg.CORSOrigins
	mwCfg.RateLimitRequests = cfg.RateLimitRequests
	mwCfg.RateLimitWindow = cfg.RateLimitWindow
	mwCfg.RateLimitDisabled = cfg.RateLimitRequests == 0

	router := api.NewRouter(api.NewHandler(s), api.NewMiddleware(mwCfg))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logging.Info().Str("addr", cfg.Addr).Msg("HTTP API enabled")
	return api.NewHTTPProcess(httpServer, cfg.ShutdownTimeout)
}
