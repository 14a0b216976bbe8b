// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package server is the entry point for running background jobs: it builds
// the worker pool and schedulers from Options and hands them to a
// supervisor.ProcessingServer.
//
//	js, _ := badgerstore.Open(badgerstore.Config{Path: "/var/lib/taskhost"})
//	storage.SetDefault(js)
//
//	srv, err := server.New(nil, server.Options{
//		WorkerCount: 4,
//		Queues:      []*server.Queue{server.MustQueue("default", server.UnlimitedWorkers)},
//		Performer:   registry,
//	})
//	...
//	defer srv.Shutdown()
package server

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/scheduler"
	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/supervisor"
)

// Options configures New. Zero values take defaults.
type Options struct {
	// WorkerCount defaults to DefaultWorkerCount().
	WorkerCount int

	// Queues defaults to a single unlimited "default" queue.
	Queues []*Queue

	Performer execution.Performer

	// StateChanger defaults to a RetryingStateChanger with
	// execution.DefaultMaxAttempts.
	StateChanger execution.StateChanger

	Worker WorkerOptions

	// SchedulePollingInterval drives the delayed and recurring schedulers.
	SchedulePollingInterval time.Duration

	Supervisor supervisor.Options

	// Processes are run next to the workers and schedulers.
	Processes []process.Process

	// ServerProcesses builds processes that need the server itself, such as
	// the admin API. It is called once, before the server starts, so the
	// processes may only use the server from Execute on.
	ServerProcesses func(s *BackgroundJobServer) []process.Process
}

// DefaultWorkerCount is min(5 * NumCPU, 20).
func DefaultWorkerCount() int {
	return min(5*runtime.NumCPU(), 20)
}

func (o Options) withDefaults() Options {
	if o.WorkerCount == 0 {
		o.WorkerCount = DefaultWorkerCount()
	}
	if len(o.Queues) == 0 {
		o.Queues = []*Queue{MustQueue(storage.DefaultQueue, UnlimitedWorkers)}
	}
	if o.StateChanger == nil {
		o.StateChanger = execution.NewRetryingStateChanger(execution.DefaultMaxAttempts)
	}
	if o.SchedulePollingInterval <= 0 {
		o.SchedulePollingInterval = scheduler.DefaultPollingInterval
	}
	return o
}

// BackgroundJobServer runs workers and schedulers against one storage.
type BackgroundJobServer struct {
	storage storage.JobStorage
	pool    *WorkerPool
	ps      atomic.Pointer[supervisor.ProcessingServer]
}

// New builds the worker pool and starts processing. A nil js selects the
// storage registered with storage.SetDefault.
func New(js storage.JobStorage, opts Options) (*BackgroundJobServer, error) {
	if js == nil {
		var err error
		if js, err = storage.Default(); err != nil {
			return nil, fmt.Errorf("resolve job storage: %w", err)
		}
	}
	opts = opts.withDefaults()

	pool, err := NewWorkerPool(opts.WorkerCount, opts.Queues, opts.Performer, opts.StateChanger, opts.Worker)
	if err != nil {
		return nil, err
	}

	s := &BackgroundJobServer{storage: js, pool: pool}
	processes := pool.Processes()
	processes = append(processes,
		&scheduler.DelayedJobScheduler{PollingInterval: opts.SchedulePollingInterval},
		&scheduler.RecurringJobScheduler{PollingInterval: opts.SchedulePollingInterval},
	)
	processes = append(processes, opts.Processes...)
	if opts.ServerProcesses != nil {
		processes = append(processes, opts.ServerProcesses(s)...)
	}

	err = pool.attach(func(props process.Properties) (announceFunc, error) {
		ps, err := supervisor.NewProcessingServer(js, processes, props, opts.Supervisor)
		if err != nil {
			return nil, err
		}
		s.ps.Store(ps)
		return ps.Announce, nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("server_id", s.ServerID()).
		Int("worker_count", pool.WorkerCount()).
		Dur("schedule_polling_interval", opts.SchedulePollingInterval).
		Dur("worker_poll_interval", opts.Worker.withDefaults().PollInterval).
		Msg("Background job server started")
	return s, nil
}

func (s *BackgroundJobServer) ServerID() string { return s.ps.Load().ServerID() }

func (s *BackgroundJobServer) Storage() storage.JobStorage { return s.storage }

func (s *BackgroundJobServer) Pool() *WorkerPool { return s.pool }

func (s *BackgroundJobServer) State() supervisor.State { return s.ps.Load().State() }

// AddQueue adds a queue at runtime. See WorkerPool.AddQueue.
func (s *BackgroundJobServer) AddQueue(ctx context.Context, q *Queue) (bool, error) {
	return s.pool.AddQueue(ctx, q)
}

// SendStop asks every process to stop without waiting.
func (s *BackgroundJobServer) SendStop() { s.ps.Load().SendStop() }

// Shutdown stops the server, waiting at most the configured shutdown
// timeout.
func (s *BackgroundJobServer) Shutdown() error { return s.ps.Load().Shutdown() }

// Done is closed once the server has fully stopped.
func (s *BackgroundJobServer) Done() <-chan struct{} { return s.ps.Load().Done() }

// Queues returns the queues of the worker pool.
func (s *BackgroundJobServer) Queues() []*Queue { return s.pool.Queues() }
