// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package storage_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/storage/memory"
)

type flakyStorage struct {
	storage.JobStorage
	calls atomic.Int32
	err   error
}

func (f *flakyStorage) GetConnection(ctx context.Context) (storage.Connection, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.JobStorage.GetConnection(ctx)
}

type closeCounter struct {
	storage.Connection
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return c.Connection.Close()
}

type countingStorage struct {
	storage.JobStorage
	closed atomic.Int32
}

func (c *countingStorage) GetConnection(ctx context.Context) (storage.Connection, error) {
	conn, err := c.JobStorage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return closeCounter{Connection: conn, closed: &c.closed}, nil
}

func TestUseConnectionAlwaysCloses(t *testing.T) {
	t.Parallel()

	js := &countingStorage{JobStorage: memory.New()}
	boom := errors.New("boom")

	if err := storage.UseConnection(context.Background(), js, func(storage.Connection) error { return nil }); err != nil {
		t.Fatal(err)
	}
	err := storage.UseConnection(context.Background(), js, func(storage.Connection) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("UseConnection() error = %v, want %v", err, boom)
	}
	if got := js.closed.Load(); got != 2 {
		t.Fatalf("connections closed = %d, want 2", got)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	js := memory.New()
	ctx := context.Background()
	n, err := storage.Query(ctx, js, func(conn storage.Connection) (int64, error) {
		job, err := storage.NewJob("noop", nil, "")
		if err != nil {
			return 0, err
		}
		if err := conn.EnqueueJob(ctx, job); err != nil {
			return 0, err
		}
		return conn.QueueLength(ctx, storage.DefaultQueue)
	})
	if err != nil || n != 1 {
		t.Fatalf("Query() = %d, %v; want 1", n, err)
	}
}

func TestWithLock(t *testing.T) {
	t.Parallel()

	js := memory.New()
	ctx := context.Background()
	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		ran := false
		err := storage.WithLock(ctx, conn, "res", time.Minute, func() error {
			if _, err := conn.AcquireLock(ctx, "res", time.Minute); !errors.Is(err, storage.ErrLockTaken) {
				t.Errorf("nested AcquireLock() error = %v, want ErrLockTaken", err)
			}
			ran = true
			return nil
		})
		if err != nil || !ran {
			t.Fatalf("WithLock() = %v, ran = %v", err, ran)
		}
		// released on return
		release, err := conn.AcquireLock(ctx, "res", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock() after WithLock error = %v", err)
		}
		return release(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	inner := &flakyStorage{JobStorage: memory.New(), err: down}
	js := storage.WithCircuitBreaker(inner, storage.BreakerSettings{
		Name:                "breaker-test",
		ConsecutiveFailures: 3,
		Timeout:             time.Hour,
	})

	for i := 0; i < 3; i++ {
		if _, err := js.GetConnection(context.Background()); !errors.Is(err, down) {
			t.Fatalf("attempt %d error = %v, want %v", i, err, down)
		}
	}
	if _, err := js.GetConnection(context.Background()); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("GetConnection() with open breaker error = %v, want ErrOpenState", err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("inner calls = %d, want 3", got)
	}
	if js.String() != "memory" {
		t.Errorf("String() = %q, want memory", js.String())
	}
}

func TestDefault(t *testing.T) {
	storage.SetDefault(nil)
	if _, err := storage.Default(); !errors.Is(err, storage.ErrNoDefault) {
		t.Fatalf("Default() error = %v, want ErrNoDefault", err)
	}
	js := memory.New()
	storage.SetDefault(js)
	t.Cleanup(func() { storage.SetDefault(nil) })

	got, err := storage.Default()
	if err != nil || got != js {
		t.Fatalf("Default() = %v, %v", got, err)
	}
}

func TestLeaseReaperRequeuesExpiredJobs(t *testing.T) {
	t.Parallel()

	js := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		job, err := storage.NewJob("noop", nil, "default")
		if err != nil {
			return err
		}
		if err := conn.EnqueueJob(ctx, job); err != nil {
			return err
		}
		_, err = conn.FetchJob(ctx, []string{"default"}, "dead-worker", time.Millisecond)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	reaper := &storage.LeaseReaper{
		Storage:  js,
		Interval: time.Hour,
		Now:      func() time.Time { return time.Now().Add(time.Minute) },
	}
	done := make(chan error, 1)
	go func() { done <- reaper.Execute(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		n, err := storage.Query(ctx, js, func(conn storage.Connection) (int64, error) {
			return conn.QueueLength(ctx, "default")
		})
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("lease reaper did not requeue the job")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() after cancel = %v, want context.Canceled", err)
	}
}

func TestExpirationManagerDeletesOldFinishedJobs(t *testing.T) {
	t.Parallel()

	js := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finished, pending string
	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		done, err := storage.NewJob("noop", nil, "default")
		if err != nil {
			return err
		}
		if err := conn.EnqueueJob(ctx, done); err != nil {
			return err
		}
		if err := conn.CompleteJob(ctx, done.ID, storage.StateSucceeded, ""); err != nil {
			return err
		}
		waiting, err := storage.NewJob("noop", nil, "default")
		if err != nil {
			return err
		}
		finished, pending = done.ID, waiting.ID
		return conn.EnqueueJob(ctx, waiting)
	})
	if err != nil {
		t.Fatal(err)
	}

	m := &storage.ExpirationManager{
		Storage:   js,
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
		Now:       func() time.Time { return time.Now().Add(48 * time.Hour) },
	}
	done := make(chan error, 1)
	go func() { done <- m.Execute(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		_, err := storage.Query(ctx, js, func(conn storage.Connection) (*storage.Job, error) {
			return conn.Job(ctx, finished)
		})
		if errors.Is(err, storage.ErrJobNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expiration manager did not delete the finished job")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_, err = storage.Query(ctx, js, func(conn storage.Connection) (*storage.Job, error) {
		return conn.Job(ctx, pending)
	})
	if err != nil {
		t.Errorf("enqueued job should survive expiration, got %v", err)
	}

	cancel()
	<-done
}
