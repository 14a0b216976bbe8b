// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package scheduler moves time-triggered work onto queues. Both schedulers
// run on every processing server and serialize through a storage lock, so
// only one server does the work per polling round.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
)

const (
	// DefaultPollingInterval is used when PollingInterval is zero.
	DefaultPollingInterval = 15 * time.Second

	DelayedLockResource   = "schedule-poller"
	RecurringLockResource = "recurring-jobs"

	defaultBatchSize = 1000
	minLockTTL       = time.Minute
)

func pollingInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollingInterval
	}
	return d
}

// lockTTL outlives a slow round so a second server cannot start a
// concurrent one, but still frees the lock soon after a crash.
func lockTTL(interval time.Duration) time.Duration {
	return max(2*interval, minLockTTL)
}

func clock(now func() time.Time) time.Time {
	if now != nil {
		return now().UTC()
	}
	return time.Now().UTC()
}

// DelayedJobScheduler enqueues scheduled jobs whose time has come.
type DelayedJobScheduler struct {
	PollingInterval time.Duration
	BatchSize       int
	Now             func() time.Time
}

func (s *DelayedJobScheduler) String() string { return "delayed-job-scheduler" }

func (s *DelayedJobScheduler) Execute(ctx context.Context, pc process.Context) error {
	interval := pollingInterval(s.PollingInterval)
	n, err := s.EnqueueDue(ctx, pc.Storage)
	switch {
	case errors.Is(err, storage.ErrLockTaken):
		logging.Ctx(ctx).Debug().Msg("Delayed jobs handled by another server")
	case err != nil:
		return err
	case n > 0:
		logging.Ctx(ctx).Info().Int("count", n).Msg("Enqueued scheduled jobs")
	}
	process.Sleep(ctx, interval)
	return nil
}

// EnqueueDue runs one polling round and returns how many jobs it moved.
func (s *DelayedJobScheduler) EnqueueDue(ctx context.Context, js storage.JobStorage) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	moved := 0
	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		return storage.WithLock(ctx, conn, DelayedLockResource, lockTTL(pollingInterval(s.PollingInterval)), func() error {
			for ctx.Err() == nil {
				ids, err := conn.DueScheduledJobs(ctx, clock(s.Now), batch)
				if err != nil {
					return fmt.Errorf("list due jobs: %w", err)
				}
				for _, id := range ids {
					ok, err := conn.EnqueueScheduled(ctx, id)
					if err != nil {
						return fmt.Errorf("enqueue scheduled job %s: %w", id, err)
					}
					if ok {
						moved++
					}
				}
				if len(ids) < batch {
					return nil
				}
			}
			return nil
		})
	})
	if moved > 0 {
		metrics.SchedulerEnqueued.WithLabelValues("delayed").Add(float64(moved))
	}
	return moved, err
}

// RecurringJobScheduler enqueues a job for every recurring job that is due
// and advances it to its next cron occurrence. Occurrences missed while no
// server was running collapse into a single run.
type RecurringJobScheduler struct {
	PollingInterval time.Duration
	Now             func() time.Time
}

func (s *RecurringJobScheduler) String() string { return "recurring-job-scheduler" }

func (s *RecurringJobScheduler) Execute(ctx context.Context, pc process.Context) error {
	n, err := s.TriggerDue(ctx, pc.Storage)
	switch {
	case errors.Is(err, storage.ErrLockTaken):
		logging.Ctx(ctx).Debug().Msg("Recurring jobs handled by another server")
	case err != nil:
		return err
	case n > 0:
		logging.Ctx(ctx).Info().Int("count", n).Msg("Triggered recurring jobs")
	}
	process.Sleep(ctx, pollingInterval(s.PollingInterval))
	return nil
}

// TriggerDue runs one polling round and returns how many jobs it enqueued.
func (s *RecurringJobScheduler) TriggerDue(ctx context.Context, js storage.JobStorage) (int, error) {
	triggered := 0
	err := storage.UseConnection(ctx, js, func(conn storage.Connection) error {
		return storage.WithLock(ctx, conn, RecurringLockResource, lockTTL(pollingInterval(s.PollingInterval)), func() error {
			all, err := conn.RecurringJobs(ctx)
			if err != nil {
				return fmt.Errorf("list recurring jobs: %w", err)
			}
			now := clock(s.Now)
			for i := range all {
				if ctx.Err() != nil {
					return nil
				}
				fired, err := s.trigger(ctx, conn, &all[i], now)
				if err != nil {
					return err
				}
				if fired {
					triggered++
				}
			}
			return nil
		})
	})
	if triggered > 0 {
		metrics.SchedulerEnqueued.WithLabelValues("recurring").Add(float64(triggered))
	}
	return triggered, err
}

func (s *RecurringJobScheduler) trigger(ctx context.Context, conn storage.Connection, rj *storage.RecurringJob, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(rj.Cron)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("recurring_id", rj.ID).Str("cron", rj.Cron).Msg("Skipping recurring job with invalid cron expression")
		return false, nil
	}

	if rj.NextRun.IsZero() {
		if err := conn.SetRecurringJobRun(ctx, rj.ID, rj.LastRun, sched.Next(now), rj.LastJobID); err != nil {
			return false, fmt.Errorf("initialize recurring job %s: %w", rj.ID, err)
		}
		return false, nil
	}
	if rj.NextRun.After(now) {
		return false, nil
	}

	job, err := storage.NewJob(rj.Type, rj.Args, rj.Queue)
	if err != nil {
		return false, err
	}
	if err := conn.EnqueueJob(ctx, job); err != nil {
		return false, fmt.Errorf("enqueue recurring job %s: %w", rj.ID, err)
	}
	if err := conn.SetRecurringJobRun(ctx, rj.ID, now, sched.Next(now), job.ID); err != nil {
		if errors.Is(err, storage.ErrRecurringJobNotFound) {
			return true, nil
		}
		return true, fmt.Errorf("advance recurring job %s: %w", rj.ID, err)
	}
	logging.Ctx(ctx).Debug().
		Str("recurring_id", rj.ID).
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Msg("Recurring job triggered")
	return true, nil
}
