// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package storage defines the job storage contract shared by the server core
// and the storage backends (memory, badgerstore, redisstore).
//
// Callers never hold a Connection for longer than one unit of work:
//
//	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
//	    return conn.Heartbeat(ctx, serverID)
//	})
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by every backend.
var (
	ErrServerNotFound       = errors.New("server not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrRecurringJobNotFound = errors.New("recurring job not found")
	ErrLockTaken            = errors.New("lock is held by another owner")
	ErrClosed               = errors.New("storage is closed")
	ErrNoDefault            = errors.New("no default job storage configured")
)

// JobStorage is a backend that hands out connections and contributes its own
// maintenance components to the processing server.
type JobStorage interface {
	GetConnection(ctx context.Context) (Connection, error)
	GetComponents() []Component
	String() string
}

// Component is a storage-owned background task. The processing server runs
// each component as a supervised, retried process.
type Component interface {
	Execute(ctx context.Context) error
	String() string
}

// ReleaseFunc releases a lock obtained with AcquireLock.
type ReleaseFunc func(ctx context.Context) error

// Connection is a scoped handle to the backend. Implementations must be safe
// to use from the goroutine that acquired them; they are not shared.
type Connection interface {
	// Servers
	AnnounceServer(ctx context.Context, serverID string, sc ServerContext) error
	RemoveServer(ctx context.Context, serverID string) error
	// Heartbeat returns ErrServerNotFound when the server record is absent.
	Heartbeat(ctx context.Context, serverID string) error
	ExpiredServers(ctx context.Context, timeout time.Duration) ([]string, error)
	Servers(ctx context.Context) ([]ServerRecord, error)

	// Jobs. EnqueueJob and ScheduleJob upsert the job record.
	EnqueueJob(ctx context.Context, job *Job) error
	ScheduleJob(ctx context.Context, job *Job, at time.Time) error
	Job(ctx context.Context, id string) (*Job, error)
	// FetchJob polls queues in order and leases the first available job to
	// workerID. It returns nil, nil when every queue is empty.
	FetchJob(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error)
	CompleteJob(ctx context.Context, id string, state State, reason string) error
	RequeueJob(ctx context.Context, id string) error
	QueueLength(ctx context.Context, queue string) (int64, error)

	// Delayed jobs
	DueScheduledJobs(ctx context.Context, now time.Time, limit int) ([]string, error)
	// EnqueueScheduled moves a scheduled job to its queue. It reports false
	// when the job is no longer scheduled (another server moved it).
	EnqueueScheduled(ctx context.Context, id string) (bool, error)

	// Recurring jobs
	AddOrUpdateRecurringJob(ctx context.Context, rj *RecurringJob) error
	RemoveRecurringJob(ctx context.Context, id string) error
	RecurringJobs(ctx context.Context) ([]RecurringJob, error)
	SetRecurringJobRun(ctx context.Context, id string, lastRun, nextRun time.Time, lastJobID string) error

	// Maintenance
	RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error)
	DeleteFinishedJobs(ctx context.Context, olderThan time.Time) (int, error)

	// AcquireLock takes a named lock for at most ttl. It fails with
	// ErrLockTaken when the lock is held.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (ReleaseFunc, error)

	Close() error
}

// UseConnection acquires a connection, runs fn and always closes the
// connection afterwards.
func UseConnection(ctx context.Context, js JobStorage, fn func(conn Connection) error) (err error) {
	conn, err := js.GetConnection(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s connection: %w", js, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s connection: %w", js, cerr)
		}
	}()
	return fn(conn)
}

// Query is UseConnection for callbacks that produce a value.
func Query[T any](ctx context.Context, js JobStorage, fn func(conn Connection) (T, error)) (T, error) {
	var out T
	err := UseConnection(ctx, js, func(conn Connection) error {
		var err error
		out, err = fn(conn)
		return err
	})
	return out, err
}

// WithLock runs fn while holding resource. ErrLockTaken is returned
// unchanged so callers can treat contention as a normal outcome.
func WithLock(ctx context.Context, conn Connection, resource string, ttl time.Duration, fn func() error) (err error) {
	release, err := conn.AcquireLock(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", resource, rerr)
		}
	}()
	return fn()
}
