// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package badgerstore is a durable single-host job storage on BadgerDB.
//
// Key layout (values are JSON unless noted):
//
//	server:<id>                    ServerRecord
//	job:<id>                       Job
//	queue:<name>:<seq>             job id, FIFO by sequence number
//	schedule:<unix-nano>:<id>      empty, ordered by due time
//	processing:<id>                empty, one per leased job
//	recurring:<id>                 RecurringJob
//	lock:<resource>                lock record, with a TTL for cleanup
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/storage"
)

const (
	prefixServer     = "server:"
	prefixJob        = "job:"
	prefixQueue      = "queue:"
	prefixSchedule   = "schedule:"
	prefixProcessing = "processing:"
	prefixRecurring  = "recurring:"
	prefixLock       = "lock:"

	sequenceKey       = "seq:queue"
	sequenceBandwidth = 1000

	// conflictRetries bounds how often a transaction is replayed after
	// badger.ErrConflict from a concurrent writer.
	conflictRetries = 128
)

// Config configures Open.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM (tests).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval and GCRatio drive the value-log GC component. GCInterval
	// of zero uses 10m.
	GCInterval time.Duration
	GCRatio    float64

	// CloseTimeout bounds Close. Default: 30s.
	CloseTimeout time.Duration

	Maintenance storage.MaintenanceOptions

	// Now overrides the clock.
	Now func() time.Time
}

// Store is a BadgerDB-backed storage.JobStorage.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required")
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.GCRatio <= 0 || cfg.GCRatio >= 1 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger queue sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, cfg: cfg, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Badger job storage opened")
	return s, nil
}

func (s *Store) String() string { return "badger" }

func (s *Store) GetConnection(_ context.Context) (storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &connection{s: s}, nil
}

// GetComponents returns the maintenance components plus value-log GC for
// on-disk databases.
func (s *Store) GetComponents() []storage.Component {
	comps := s.cfg.Maintenance.Components(s)
	if !s.cfg.InMemory {
		comps = append(comps, &valueLogGC{store: s})
	}
	return comps
}

// Close releases the sequence and closes the database, giving up after
// CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := s.seq.Release()
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Badger job storage closed")
		return nil
	case <-time.After(s.cfg.CloseTimeout):
		logging.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", s.cfg.CloseTimeout)
	}
}

// update runs fn in a read-write transaction, replaying it on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// valueLogGC reclaims value-log space every GCInterval, rewriting files
// until badger reports nothing left to rewrite.
type valueLogGC struct {
	store *Store
}

func (g *valueLogGC) String() string { return "badger-gc" }

func (g *valueLogGC) Execute(ctx context.Context) error {
	t := time.NewTimer(g.store.cfg.GCInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	for ctx.Err() == nil {
		err := g.store.db.RunValueLogGC(g.store.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run value log GC: %w", err)
		}
	}
	return nil
}
