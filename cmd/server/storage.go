// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/tomtom215/taskhost/internal/config"
	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/storage/badgerstore"
	"github.com/tomtom215/taskhost/internal/storage/memory"
	"github.com/tomtom215/taskhost/internal/storage/redisstore"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStorage opens the configured backend. The returned closer releases
// the underlying backend, not the breaker wrapper.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.JobStorage, io.Closer, error) {
	maintenance := storage.MaintenanceOptions{
		Interval:     cfg.MaintenanceInterval,
		JobRetention: cfg.JobRetention,
	}

	var (
		js     storage.JobStorage
		closer io.Closer = nopCloser{}
	)
	switch cfg.Backend {
	case config.BackendMemory:
		js = memory.New(memory.WithMaintenance(maintenance))
		logging.Warn().Msg("Using in-memory job storage: jobs are lost on restart")

	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{
			Path:        cfg.BadgerPath,
			SyncWrites:  cfg.BadgerSyncWrites,
			Maintenance: maintenance,
		})
		if err != nil {
			return nil, nil, err
		}
		js, closer = store, store

	case config.BackendRedis:
		store, err := redisstore.Open(ctx, redisstore.Config{
			URL:         cfg.RedisURL,
			Prefix:      cfg.RedisPrefix,
			PoolSize:    cfg.RedisPoolSize,
			Maintenance: maintenance,
		})
		if err != nil {
			return nil, nil, err
		}
		js, closer = store, store

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if cfg.BreakerEnabled {
		js = storage.WithCircuitBreaker(js, storage.BreakerSettings{Timeout: cfg.BreakerTimeout})
	}
	return js, closer, nil
}
