// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

//go:build integration

package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/storage/storagetest"
	"github.com/tomtom215/taskhost/internal/testinfra"
)

func TestContract_Integration(t *testing.T) {
	url := testinfra.StartRedis(t)

	storagetest.Run(t, func(t *testing.T) storage.JobStorage {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// every subtest gets its own keyspace
		s, err := Open(ctx, Config{URL: url, Prefix: "test:" + uuid.NewString() + ":"})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestClosedStoreRefusesConnections_Integration(t *testing.T) {
	url := testinfra.StartRedis(t)
	ctx := context.Background()

	s, err := Open(ctx, Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.GetConnection(ctx); err == nil {
		t.Fatal("GetConnection() after Close succeeded, want error")
	}
}

// A worker that claims an id and is interrupted before the lease is written
// must not lose the job.
func TestInterruptedFetchIsRecovered_Integration(t *testing.T) {
	url := testinfra.StartRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{URL: url, Prefix: "test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	conn := &connection{client: s.client, prefix: s.cfg.Prefix, now: time.Now}

	job, err := storage.NewJob("test", nil, "default")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	until := time.Now().Add(time.Minute)
	id, err := claimScript.Run(ctx, s.client, []string{conn.queueKey("default"), conn.processingKey()}, msString(until)).Text()
	if err != nil || id != job.ID {
		t.Fatalf("claim = %q, %v; want %s", id, err, job.ID)
	}
	if n, _ := conn.QueueLength(ctx, "default"); n != 0 {
		t.Fatalf("QueueLength() after claim = %d, want 0", n)
	}

	n, err := conn.RequeueExpiredLeases(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("RequeueExpiredLeases(now) = %d, %v; want 0 before the claim expires", n, err)
	}
	n, err = conn.RequeueExpiredLeases(ctx, until.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("RequeueExpiredLeases(after claim) = %d, %v; want 1", n, err)
	}
	if n, _ := conn.QueueLength(ctx, "default"); n != 1 {
		t.Fatalf("QueueLength() after recovery = %d, want 1", n)
	}

	got, err := conn.FetchJob(ctx, []string{"default"}, "worker-1", time.Minute)
	if err != nil || got == nil || got.ID != job.ID {
		t.Fatalf("FetchJob() after recovery = %+v, %v", got, err)
	}
	score, err := s.client.ZScore(ctx, conn.processingKey(), job.ID).Result()
	if err != nil || int64(score) != got.LeaseUntil.UnixMilli() {
		t.Errorf("processing score = %v, %v; want lease %d", score, err, got.LeaseUntil.UnixMilli())
	}
}

func TestFetchDropsStaleClaim_Integration(t *testing.T) {
	url := testinfra.StartRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{URL: url, Prefix: "test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	conn := &connection{client: s.client, prefix: s.cfg.Prefix, now: time.Now}

	// an id left on the list for a job that no longer exists
	if err := s.client.LPush(ctx, conn.queueKey("default"), "gone").Err(); err != nil {
		t.Fatal(err)
	}
	got, err := conn.FetchJob(ctx, []string{"default"}, "worker-1", time.Minute)
	if err != nil || got != nil {
		t.Fatalf("FetchJob() = %+v, %v; want nil", got, err)
	}
	if err := s.client.ZScore(ctx, conn.processingKey(), "gone").Err(); !errors.Is(err, redis.Nil) {
		t.Errorf("stale id still in processing index: %v", err)
	}
}
