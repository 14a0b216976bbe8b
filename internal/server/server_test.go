// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package server

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/storage/memory"
	"github.com/tomtom215/taskhost/internal/supervisor"
)

func fastOptions(reg *execution.Registry) Options {
	return Options{
		WorkerCount:             2,
		Performer:               reg,
		Worker:                  WorkerOptions{PollInterval: 5 * time.Millisecond},
		SchedulePollingInterval: 10 * time.Millisecond,
		Supervisor: supervisor.Options{
			ShutdownTimeout:   5 * time.Second,
			HeartbeatInterval: 10 * time.Millisecond,
			RetryPolicy:       process.RetryPolicy{Initial: time.Millisecond, Max: 10 * time.Millisecond},
		},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func servers(t *testing.T, js storage.JobStorage) []storage.ServerRecord {
	t.Helper()
	ctx := context.Background()
	out, err := storage.Query(ctx, js, func(conn storage.Connection) ([]storage.ServerRecord, error) {
		return conn.Servers(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestBackgroundJobServer(t *testing.T) {
	t.Parallel()

	js := memory.New()
	var performed atomic.Int32
	reg := execution.NewRegistry()
	reg.Register("count", func(context.Context, json.RawMessage) error {
		performed.Add(1)
		return nil
	})

	var serverProcessRan atomic.Bool
	opts := fastOptions(reg)
	opts.ServerProcesses = func(s *BackgroundJobServer) []process.Process {
		return []process.Process{process.NewFunc("inspector", func(ctx context.Context, pc process.Context) error {
			if s.Pool().WorkerCount() == 2 && pc.ServerID != "" {
				serverProcessRan.Store(true)
			}
			process.Sleep(ctx, time.Hour)
			return nil
		})}
	}

	srv, err := New(js, opts)
	if err != nil {
		t.Fatal(err)
	}

	id := enqueue(t, js, "count", "default")
	eventually(t, "job to succeed", func() bool { return jobState(t, js, id) == storage.StateSucceeded })
	eventually(t, "server process to run", serverProcessRan.Load)

	recs := servers(t, js)
	if len(recs) != 1 || recs[0].ID != srv.ServerID() || recs[0].WorkerCount != 2 {
		t.Fatalf("Servers() = %+v", recs)
	}

	added, err := srv.AddQueue(context.Background(), MustQueue("reports", 1))
	if err != nil || !added {
		t.Fatalf("AddQueue() = %v, %v", added, err)
	}
	if got := servers(t, js)[0].Queues; !slices.Equal(got, []string{"default", "reports"}) {
		t.Errorf("announced queues = %v", got)
	}
	reportJob := enqueue(t, js, "count", "reports")
	eventually(t, "reports job to succeed", func() bool { return jobState(t, js, reportJob) == storage.StateSucceeded })

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	<-srv.Done()
	if srv.State() != supervisor.StateStopped {
		t.Errorf("State() = %s", srv.State())
	}
	if recs := servers(t, js); len(recs) != 0 {
		t.Errorf("Servers() after shutdown = %+v", recs)
	}
	if performed.Load() != 2 {
		t.Errorf("performed %d jobs, want 2", performed.Load())
	}
}

func TestBackgroundJobServerRunsScheduledJobs(t *testing.T) {
	t.Parallel()

	js := memory.New()
	reg := execution.NewRegistry()
	reg.Register("noop", func(context.Context, json.RawMessage) error { return nil })
	srv, err := New(js, fastOptions(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Shutdown() }()

	job, err := storage.NewJob("noop", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	err = storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		return conn.ScheduleJob(ctx, job, time.Now().Add(20*time.Millisecond))
	})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "scheduled job to run", func() bool { return jobState(t, js, job.ID) == storage.StateSucceeded })
}

// Not parallel: it swaps the process-wide default storage.
func TestNewResolvesDefaultStorage(t *testing.T) {
	storage.SetDefault(nil)
	t.Cleanup(func() { storage.SetDefault(nil) })

	reg := execution.NewRegistry()
	if _, err := New(nil, fastOptions(reg)); !errors.Is(err, storage.ErrNoDefault) {
		t.Fatalf("New(nil) without default error = %v, want ErrNoDefault", err)
	}

	js := memory.New()
	storage.SetDefault(js)
	srv, err := New(nil, fastOptions(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Shutdown() }()
	if srv.Storage() != storage.JobStorage(js) {
		t.Error("server did not use the default storage")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	opts := fastOptions(nil)
	opts.Performer = nil
	if _, err := New(memory.New(), opts); !errors.Is(err, ErrNilPerformer) {
		t.Errorf("New() without performer error = %v, want ErrNilPerformer", err)
	}
	opts = fastOptions(execution.NewRegistry())
	opts.WorkerCount = -1
	if _, err := New(memory.New(), opts); !errors.Is(err, ErrInvalidWorkerCount) {
		t.Errorf("New() with negative workers error = %v, want ErrInvalidWorkerCount", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	if o.WorkerCount != DefaultWorkerCount() || o.WorkerCount < 1 || o.WorkerCount > 20 {
		t.Errorf("WorkerCount = %d", o.WorkerCount)
	}
	if len(o.Queues) != 1 || o.Queues[0].Name() != storage.DefaultQueue || o.Queues[0].MaxWorkers() != UnlimitedWorkers {
		t.Errorf("Queues = %v", o.Queues)
	}
	if o.StateChanger == nil {
		t.Error("StateChanger not defaulted")
	}
}
