// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package redisstore is a shared job storage on Redis, for running several
// processing servers against one set of queues.
//
// Keys, all under Config.Prefix:
//
//	servers            zset   server id -> last heartbeat (unix ms)
//	server-data        hash   server id -> ServerRecord JSON
//	job:<id>           string Job JSON
//	queue:<name>       list   job ids, LPUSH on enqueue, RPOP on fetch
//	schedule           zset   job id -> due time (unix ms)
//	processing         zset   job id -> lease expiry (unix ms)
//	finished           zset   job id -> completion time (unix ms)
//	recurring          hash   recurring id -> RecurringJob JSON
//	lock:<resource>    string owner token, expires with PX
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/storage"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "taskhost:"

var (
	ErrEmptyURL         = errors.New("redisstore: empty connection URL")
	ErrInvalidURL       = errors.New("redisstore: failed to parse connection URL")
	ErrConnectionFailed = errors.New("redisstore: failed to establish connection")
)

// Config configures Open. Zero values take the defaults noted per field.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL    string
	Prefix string

	PoolSize     int           // 10
	MinIdleConns int           // 2
	DialTimeout  time.Duration // 5s
	ReadTimeout  time.Duration // 3s
	WriteTimeout time.Duration // 3s

	// ConnectAttempts pings before giving up, waiting ConnectInterval*n
	// between attempts. Defaults: 3 and 2s.
	ConnectAttempts int
	ConnectInterval time.Duration

	Maintenance storage.MaintenanceOptions

	// Now overrides the clock used for heartbeats and leases.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Store is a Redis-backed storage.JobStorage.
type Store struct {
	client redis.UniversalClient
	cfg    Config
}

// Open parses cfg.URL, builds a pooled client and waits until the server
// answers a PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if !strings.HasPrefix(cfg.URL, "redis://") && !strings.HasPrefix(cfg.URL, "rediss://") {
		return nil, ErrInvalidURL
	}
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client, err := connect(ctx, opts, cfg.ConnectAttempts, cfg.ConnectInterval)
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Str("prefix", cfg.Prefix).
		Msg("Redis job storage connected")
	return &Store{client: client, cfg: cfg}, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config) *Store {
	return &Store{client: client, cfg: cfg.withDefaults()}
}

func connect(ctx context.Context, opts *redis.Options, attempts int, interval time.Duration) (redis.UniversalClient, error) {
	var lastErr error
	for i := range attempts {
		client := redis.NewClient(opts)
		lastErr = client.Ping(ctx).Err()
		if lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		logging.Warn().Err(lastErr).Int("attempt", i+1).Msg("Redis ping failed")
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrConnectionFailed, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, errors.Join(ErrConnectionFailed, lastErr)
}

func (s *Store) String() string { return "redis" }

// GetConnection pings the server so an unreachable Redis surfaces here,
// where the circuit breaker sees it.
func (s *Store) GetConnection(ctx context.Context) (storage.Connection, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, storage.ErrClosed
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &connection{client: s.client, prefix: s.cfg.Prefix, now: s.cfg.Now}, nil
}

func (s *Store) GetComponents() []storage.Component {
	return s.cfg.Maintenance.Components(s)
}

// Close closes the client pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
