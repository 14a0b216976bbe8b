// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package storagetest is the behavioural contract every storage backend
// must pass. Backends call Run from their own tests:
//
//	func TestContract(t *testing.T) {
//	    storagetest.Run(t, func(t *testing.T) storage.JobStorage { return memory.New() })
//	}
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/taskhost/internal/storage"
)

// Factory returns a fresh, empty storage for one subtest.
type Factory func(t *testing.T) storage.JobStorage

// Run executes the contract suite.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, conn storage.Connection)
	}{
		{"ServerLifecycle", testServerLifecycle},
		{"ExpiredServers", testExpiredServers},
		{"FetchOrder", testFetchOrder},
		{"CompleteAndExpire", testCompleteAndExpire},
		{"RequeueJob", testRequeueJob},
		{"ExpiredLeases", testExpiredLeases},
		{"CanceledFetchKeepsJob", testCanceledFetch},
		{"ScheduledJobs", testScheduledJobs},
		{"RetryReschedulesProcessingJob", testRetryReschedules},
		{"RecurringJobs", testRecurringJobs},
		{"Locks", testLocks},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			js := newStorage(t)
			if err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
				tc.fn(t, ctx, conn)
				return nil
			}); err != nil {
				t.Fatalf("UseConnection() error = %v", err)
			}
		})
	}
}

func newJob(t *testing.T, queue string) *storage.Job {
	t.Helper()
	job, err := storage.NewJob("test", map[string]int{"n": 1}, queue)
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	return job
}

func mustEnqueue(t *testing.T, ctx context.Context, conn storage.Connection, queue string) *storage.Job {
	t.Helper()
	job := newJob(t, queue)
	if err := conn.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	return job
}

func mustFetch(t *testing.T, ctx context.Context, conn storage.Connection, queues []string, lease time.Duration) *storage.Job {
	t.Helper()
	job, err := conn.FetchJob(ctx, queues, "worker-1", lease)
	if err != nil {
		t.Fatalf("FetchJob() error = %v", err)
	}
	return job
}

func expectState(t *testing.T, ctx context.Context, conn storage.Connection, id string, want storage.State) *storage.Job {
	t.Helper()
	job, err := conn.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job(%s) error = %v", id, err)
	}
	if job.State != want {
		t.Fatalf("Job(%s).State = %s, want %s", id, job.State, want)
	}
	return job
}

func expectQueueLength(t *testing.T, ctx context.Context, conn storage.Connection, queue string, want int64) {
	t.Helper()
	n, err := conn.QueueLength(ctx, queue)
	if err != nil {
		t.Fatalf("QueueLength(%s) error = %v", queue, err)
	}
	if n != want {
		t.Fatalf("QueueLength(%s) = %d, want %d", queue, n, want)
	}
}

func testServerLifecycle(t *testing.T, ctx context.Context, conn storage.Connection) {
	if err := conn.Heartbeat(ctx, "ghost"); !errors.Is(err, storage.ErrServerNotFound) {
		t.Fatalf("Heartbeat(unknown) error = %v, want ErrServerNotFound", err)
	}

	sc := storage.ServerContext{Queues: []string{"default", "critical"}, WorkerCount: 4}
	if err := conn.AnnounceServer(ctx, "server-a", sc); err != nil {
		t.Fatalf("AnnounceServer() error = %v", err)
	}
	// re-announce is an upsert
	sc.Queues = append(sc.Queues, "reports")
	if err := conn.AnnounceServer(ctx, "server-a", sc); err != nil {
		t.Fatalf("AnnounceServer() second call error = %v", err)
	}
	if err := conn.Heartbeat(ctx, "server-a"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	servers, err := conn.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers() error = %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("Servers() = %d records, want 1", len(servers))
	}
	got := servers[0]
	if got.ID != "server-a" || got.WorkerCount != 4 || !slices.Equal(got.Queues, sc.Queues) {
		t.Errorf("Servers()[0] = %+v", got)
	}
	if got.Heartbeat.IsZero() || got.StartedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", got)
	}

	if err := conn.RemoveServer(ctx, "server-a"); err != nil {
		t.Fatalf("RemoveServer() error = %v", err)
	}
	if err := conn.RemoveServer(ctx, "server-a"); err != nil {
		t.Fatalf("RemoveServer() must be idempotent, error = %v", err)
	}
	if err := conn.Heartbeat(ctx, "server-a"); !errors.Is(err, storage.ErrServerNotFound) {
		t.Fatalf("Heartbeat(removed) error = %v, want ErrServerNotFound", err)
	}
}

func testExpiredServers(t *testing.T, ctx context.Context, conn storage.Connection) {
	if err := conn.AnnounceServer(ctx, "stale", storage.ServerContext{WorkerCount: 1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	for _, id := range []string{"fresh-1", "fresh-2"} {
		if err := conn.AnnounceServer(ctx, id, storage.ServerContext{WorkerCount: 1}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := conn.ExpiredServers(ctx, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("ExpiredServers() error = %v", err)
	}
	if !slices.Equal(ids, []string{"stale"}) {
		t.Fatalf("ExpiredServers() = %v, want [stale]", ids)
	}
}

func testFetchOrder(t *testing.T, ctx context.Context, conn storage.Connection) {
	first := mustEnqueue(t, ctx, conn, "default")
	second := mustEnqueue(t, ctx, conn, "default")
	urgent := mustEnqueue(t, ctx, conn, "critical")
	expectQueueLength(t, ctx, conn, "default", 2)

	queues := []string{"critical", "default"}
	for _, want := range []*storage.Job{urgent, first, second} {
		got := mustFetch(t, ctx, conn, queues, time.Minute)
		if got == nil || got.ID != want.ID {
			t.Fatalf("FetchJob() = %+v, want job %s", got, want.ID)
		}
		if got.State != storage.StateProcessing || got.WorkerID != "worker-1" || got.LeaseUntil.IsZero() {
			t.Errorf("fetched job not leased: %+v", got)
		}
		var args map[string]int
		if err := json.Unmarshal(got.Args, &args); err != nil || args["n"] != 1 {
			t.Errorf("args = %s (%v), want {\"n\":1}", got.Args, err)
		}
	}

	if got := mustFetch(t, ctx, conn, queues, time.Minute); got != nil {
		t.Fatalf("FetchJob() on empty queues = %+v, want nil", got)
	}
	expectQueueLength(t, ctx, conn, "default", 0)
	expectState(t, ctx, conn, first.ID, storage.StateProcessing)
}

func testCompleteAndExpire(t *testing.T, ctx context.Context, conn storage.Connection) {
	done := mustEnqueue(t, ctx, conn, "default")
	failed := mustEnqueue(t, ctx, conn, "default")
	mustFetch(t, ctx, conn, []string{"default"}, time.Minute)
	mustFetch(t, ctx, conn, []string{"default"}, time.Minute)

	if err := conn.CompleteJob(ctx, done.ID, storage.StateSucceeded, ""); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if err := conn.CompleteJob(ctx, failed.ID, storage.StateFailed, "boom"); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if got := expectState(t, ctx, conn, failed.ID, storage.StateFailed); got.Reason != "boom" {
		t.Errorf("Reason = %q, want boom", got.Reason)
	}
	if err := conn.CompleteJob(ctx, "missing", storage.StateSucceeded, ""); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("CompleteJob(missing) error = %v, want ErrJobNotFound", err)
	}

	n, err := conn.DeleteFinishedJobs(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("DeleteFinishedJobs(past) = %d, %v; want 0", n, err)
	}
	n, err = conn.DeleteFinishedJobs(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteFinishedJobs(future) = %d, %v; want 1", n, err)
	}
	if _, err := conn.Job(ctx, done.ID); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("Job(expired) error = %v, want ErrJobNotFound", err)
	}
	expectState(t, ctx, conn, failed.ID, storage.StateFailed)
}

func testRequeueJob(t *testing.T, ctx context.Context, conn storage.Connection) {
	job := mustEnqueue(t, ctx, conn, "default")
	mustFetch(t, ctx, conn, []string{"default"}, time.Minute)

	if err := conn.RequeueJob(ctx, job.ID); err != nil {
		t.Fatalf("RequeueJob() error = %v", err)
	}
	expectQueueLength(t, ctx, conn, "default", 1)
	if got := expectState(t, ctx, conn, job.ID, storage.StateEnqueued); got.WorkerID != "" {
		t.Errorf("WorkerID = %q after requeue, want empty", got.WorkerID)
	}
	if got := mustFetch(t, ctx, conn, []string{"default"}, time.Minute); got == nil || got.ID != job.ID {
		t.Fatalf("FetchJob() after requeue = %+v", got)
	}
}

func testExpiredLeases(t *testing.T, ctx context.Context, conn storage.Connection) {
	job := mustEnqueue(t, ctx, conn, "default")
	mustFetch(t, ctx, conn, []string{"default"}, time.Minute)

	n, err := conn.RequeueExpiredLeases(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("RequeueExpiredLeases(now) = %d, %v; want 0", n, err)
	}
	n, err = conn.RequeueExpiredLeases(ctx, time.Now().Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueExpiredLeases(+2m) = %d, %v; want 1", n, err)
	}
	expectState(t, ctx, conn, job.ID, storage.StateEnqueued)
	expectQueueLength(t, ctx, conn, "default", 1)
}

// A fetch whose context is canceled either leases the job or leaves it
// where the next fetch or the lease reaper can find it.
func testCanceledFetch(t *testing.T, ctx context.Context, conn storage.Connection) {
	job := mustEnqueue(t, ctx, conn, "default")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	got, err := conn.FetchJob(canceled, []string{"default"}, "worker-1", time.Minute)
	if err == nil && got != nil {
		if got.ID != job.ID {
			t.Fatalf("FetchJob(canceled) = %s, want %s", got.ID, job.ID)
		}
		expectState(t, ctx, conn, job.ID, storage.StateProcessing)
		return
	}

	if got := mustFetch(t, ctx, conn, []string{"default"}, time.Minute); got == nil {
		n, err := conn.RequeueExpiredLeases(ctx, time.Now().Add(2*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("job %s lost after canceled fetch: RequeueExpiredLeases = %d, %v", job.ID, n, err)
		}
		got = mustFetch(t, ctx, conn, []string{"default"}, time.Minute)
		if got == nil || got.ID != job.ID {
			t.Fatalf("FetchJob() after reaping = %+v, want %s", got, job.ID)
		}
	} else if got.ID != job.ID {
		t.Fatalf("FetchJob() after canceled fetch = %s, want %s", got.ID, job.ID)
	}
	expectState(t, ctx, conn, job.ID, storage.StateProcessing)
}

func testScheduledJobs(t *testing.T, ctx context.Context, conn storage.Connection) {
	now := time.Now()
	later := newJob(t, "default")
	soon := newJob(t, "default")
	if err := conn.ScheduleJob(ctx, later, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	if err := conn.ScheduleJob(ctx, soon, now.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	expectState(t, ctx, conn, soon.ID, storage.StateScheduled)
	expectQueueLength(t, ctx, conn, "default", 0)

	ids, err := conn.DueScheduledJobs(ctx, now, 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("DueScheduledJobs(now) = %v, %v; want none", ids, err)
	}
	ids, err = conn.DueScheduledJobs(ctx, now.Add(3*time.Hour), 10)
	if err != nil || !slices.Equal(ids, []string{soon.ID, later.ID}) {
		t.Fatalf("DueScheduledJobs(+3h) = %v, %v; want [%s %s]", ids, err, soon.ID, later.ID)
	}
	ids, err = conn.DueScheduledJobs(ctx, now.Add(3*time.Hour), 1)
	if err != nil || !slices.Equal(ids, []string{soon.ID}) {
		t.Fatalf("DueScheduledJobs(limit 1) = %v, %v", ids, err)
	}

	moved, err := conn.EnqueueScheduled(ctx, soon.ID)
	if err != nil || !moved {
		t.Fatalf("EnqueueScheduled() = %v, %v; want true", moved, err)
	}
	moved, err = conn.EnqueueScheduled(ctx, soon.ID)
	if err != nil || moved {
		t.Fatalf("EnqueueScheduled() twice = %v, %v; want false", moved, err)
	}
	expectState(t, ctx, conn, soon.ID, storage.StateEnqueued)
	expectQueueLength(t, ctx, conn, "default", 1)

	ids, err = conn.DueScheduledJobs(ctx, now.Add(3*time.Hour), 10)
	if err != nil || !slices.Equal(ids, []string{later.ID}) {
		t.Fatalf("DueScheduledJobs() after move = %v, %v", ids, err)
	}
}

func testRetryReschedules(t *testing.T, ctx context.Context, conn storage.Connection) {
	mustEnqueue(t, ctx, conn, "default")
	job := mustFetch(t, ctx, conn, []string{"default"}, time.Minute)

	job.Attempts++
	job.Reason = "transient"
	if err := conn.ScheduleJob(ctx, job, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	got := expectState(t, ctx, conn, job.ID, storage.StateScheduled)
	if got.Attempts != 1 || got.Reason != "transient" {
		t.Errorf("rescheduled job = %+v", got)
	}
	n, err := conn.RequeueExpiredLeases(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("RequeueExpiredLeases() = %d, %v; rescheduled job must not hold a lease", n, err)
	}
}

func testRecurringJobs(t *testing.T, ctx context.Context, conn storage.Connection) {
	next := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	for _, id := range []string{"nightly", "hourly"} {
		rj := &storage.RecurringJob{ID: id, Cron: "0 * * * *", Queue: "default", Type: "test", NextRun: next}
		if err := conn.AddOrUpdateRecurringJob(ctx, rj); err != nil {
			t.Fatalf("AddOrUpdateRecurringJob() error = %v", err)
		}
	}

	list, err := conn.RecurringJobs(ctx)
	if err != nil {
		t.Fatalf("RecurringJobs() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "hourly" || list[1].ID != "nightly" {
		t.Fatalf("RecurringJobs() = %+v, want hourly, nightly", list)
	}
	if !list[0].NextRun.Equal(next) {
		t.Errorf("NextRun = %v, want %v", list[0].NextRun, next)
	}

	lastRun := next
	nextRun := next.Add(time.Hour)
	if err := conn.SetRecurringJobRun(ctx, "hourly", lastRun, nextRun, "job-1"); err != nil {
		t.Fatalf("SetRecurringJobRun() error = %v", err)
	}
	if err := conn.SetRecurringJobRun(ctx, "missing", lastRun, nextRun, "job-1"); !errors.Is(err, storage.ErrRecurringJobNotFound) {
		t.Errorf("SetRecurringJobRun(missing) error = %v, want ErrRecurringJobNotFound", err)
	}

	list, err = conn.RecurringJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].LastJobID != "job-1" || !list[0].NextRun.Equal(nextRun) || !list[0].LastRun.Equal(lastRun) {
		t.Errorf("after SetRecurringJobRun: %+v", list[0])
	}

	if err := conn.RemoveRecurringJob(ctx, "nightly"); err != nil {
		t.Fatalf("RemoveRecurringJob() error = %v", err)
	}
	list, err = conn.RecurringJobs(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("RecurringJobs() after remove = %+v, %v", list, err)
	}
}

func testLocks(t *testing.T, ctx context.Context, conn storage.Connection) {
	release, err := conn.AcquireLock(ctx, "schedule-poller", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if _, err := conn.AcquireLock(ctx, "schedule-poller", time.Minute); !errors.Is(err, storage.ErrLockTaken) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLockTaken", err)
	}
	if _, err := conn.AcquireLock(ctx, "recurring-jobs", time.Minute); err != nil {
		t.Fatalf("AcquireLock(other resource) error = %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	again, err := conn.AcquireLock(ctx, "schedule-poller", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	// a stale release must not drop a lock now owned by someone else
	if err := release(ctx); err != nil {
		t.Fatalf("stale release() error = %v", err)
	}
	if _, err := conn.AcquireLock(ctx, "schedule-poller", time.Minute); !errors.Is(err, storage.ErrLockTaken) {
		t.Fatalf("AcquireLock() after stale release error = %v, want ErrLockTaken", err)
	}
	if err := again(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := conn.AcquireLock(ctx, "short", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := conn.AcquireLock(ctx, "short", time.Minute); err != nil {
		t.Fatalf("AcquireLock() after ttl error = %v", err)
	}
}
