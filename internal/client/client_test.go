// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/storage/memory"
)

var testNow = time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)

func newTestClient() (*Client, *memory.Storage) {
	clock := func() time.Time { return testNow }
	js := memory.New(memory.WithClock(clock))
	return New(js, WithClock(clock)), js
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient()
	ctx := context.Background()
	id, err := c.Enqueue(ctx, "send_email", map[string]string{"to": "ops@example.com"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := c.Job(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Queue != storage.DefaultQueue || job.State != storage.StateEnqueued || string(job.Args) != `{"to":"ops@example.com"}` {
		t.Errorf("stored job = %+v", job)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient()
	tests := []struct {
		name    string
		jobType string
		queue   string
		want    error
	}{
		{"empty type", "", "default", ErrEmptyJobType},
		{"uppercase queue", "noop", "Reports", ErrInvalidQueue},
		{"dashed queue", "noop", "my-queue", ErrInvalidQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.Enqueue(context.Background(), tt.jobType, nil, tt.queue); !errors.Is(err, tt.want) {
				t.Errorf("Enqueue() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	c, js := newTestClient()
	ctx := context.Background()
	id, err := c.Schedule(ctx, "noop", nil, "reports", 90*time.Second)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	job, err := c.Job(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != storage.StateScheduled || !job.ScheduledAt.Equal(testNow.Add(90*time.Second)) {
		t.Errorf("scheduled job = %+v", job)
	}

	due, err := storage.Query(ctx, js, func(conn storage.Connection) ([]string, error) {
		return conn.DueScheduledJobs(ctx, testNow.Add(2*time.Minute), 10)
	})
	if err != nil || len(due) != 1 || due[0] != id {
		t.Errorf("DueScheduledJobs() = %v, %v", due, err)
	}
}

func TestRecurring(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient()
	ctx := context.Background()

	if err := c.AddOrUpdateRecurring(ctx, "nightly", "0 3 * * *", "cleanup", nil, "maintenance"); err != nil {
		t.Fatalf("AddOrUpdateRecurring() error = %v", err)
	}
	all, err := c.RecurringJobs(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("RecurringJobs() = %v, %v", all, err)
	}
	want := time.Date(2026, 2, 11, 3, 0, 0, 0, time.UTC)
	if !all[0].NextRun.Equal(want) || all[0].Queue != "maintenance" {
		t.Errorf("recurring job = %+v, want next run %v", all[0], want)
	}

	if err := c.AddOrUpdateRecurring(ctx, "nightly", "every day", "cleanup", nil, ""); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("invalid cron error = %v, want ErrInvalidCron", err)
	}
	if err := c.AddOrUpdateRecurring(ctx, "", "* * * * *", "cleanup", nil, ""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("empty id error = %v, want ErrEmptyID", err)
	}

	if err := c.RemoveRecurring(ctx, "nightly"); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveRecurring(ctx, "nightly"); err != nil {
		t.Errorf("second RemoveRecurring() error = %v", err)
	}
	if all, _ := c.RecurringJobs(ctx); len(all) != 0 {
		t.Errorf("RecurringJobs() after remove = %v", all)
	}
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient()
	if _, err := c.Job(context.Background(), "missing"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("Job() error = %v, want ErrJobNotFound", err)
	}
}
