// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package storage

import (
	"context"
	"time"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
)

// MaintenanceOptions configures the components every backend contributes.
type MaintenanceOptions struct {
	// Interval between maintenance passes. Default: 1m.
	Interval time.Duration

	// JobRetention is how long succeeded and deleted jobs are kept. Default: 24h.
	JobRetention time.Duration
}

// DefaultMaintenanceOptions returns the maintenance defaults.
func DefaultMaintenanceOptions() MaintenanceOptions {
	return MaintenanceOptions{Interval: time.Minute, JobRetention: 24 * time.Hour}
}

func (o MaintenanceOptions) withDefaults() MaintenanceOptions {
	d := DefaultMaintenanceOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.JobRetention <= 0 {
		o.JobRetention = d.JobRetention
	}
	return o
}

// Components returns the standard maintenance components for js.
func (o MaintenanceOptions) Components(js JobStorage) []Component {
	o = o.withDefaults()
	return []Component{
		&LeaseReaper{Storage: js, Interval: o.Interval},
		&ExpirationManager{Storage: js, Interval: o.Interval, Retention: o.JobRetention},
	}
}

// LeaseReaper puts processing jobs whose lease ran out back on their queue.
// Leases expire when the worker holding them died without completing the job.
type LeaseReaper struct {
	Storage  JobStorage
	Interval time.Duration
	Now      func() time.Time
}

func (r *LeaseReaper) String() string { return "lease-reaper" }

func (r *LeaseReaper) Execute(ctx context.Context) error {
	n, err := Query(ctx, r.Storage, func(conn Connection) (int, error) {
		return conn.RequeueExpiredLeases(ctx, now(r.Now))
	})
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.StorageMaintenance.WithLabelValues("requeued_leases").Add(float64(n))
		logging.Ctx(ctx).Info().Int("jobs", n).Msg("Requeued jobs with expired leases")
	}
	return sleep(ctx, r.Interval)
}

// ExpirationManager deletes finished jobs older than Retention.
type ExpirationManager struct {
	Storage   JobStorage
	Interval  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

func (m *ExpirationManager) String() string { return "expiration-manager" }

func (m *ExpirationManager) Execute(ctx context.Context) error {
	n, err := Query(ctx, m.Storage, func(conn Connection) (int, error) {
		return conn.DeleteFinishedJobs(ctx, now(m.Now).Add(-m.Retention))
	})
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.StorageMaintenance.WithLabelValues("expired_jobs").Add(float64(n))
		logging.Ctx(ctx).Debug().Int("jobs", n).Msg("Deleted expired jobs")
	}
	return sleep(ctx, m.Interval)
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
