// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package server

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
)

const (
	DefaultPollInterval = time.Second
	DefaultJobLease     = 5 * time.Minute

	// finishTimeout bounds the state write after a perform call, which runs
	// on a context detached from shutdown.
	finishTimeout = 10 * time.Second
)

// WorkerOptions configures every worker of a pool.
type WorkerOptions struct {
	// PollInterval spaces consecutive fetches that found no job.
	PollInterval time.Duration

	// JobLease is how long a fetched job stays claimed before the lease
	// reaper hands it to another worker.
	JobLease time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.JobLease <= 0 {
		o.JobLease = DefaultJobLease
	}
	return o
}

// Worker fetches jobs from its queues and performs them one at a time.
//
// The queue set is published copy-on-write: the pool swaps in a new slice
// under its lock and the poll loop only loads the pointer.
type Worker struct {
	id           string
	queues       atomic.Pointer[[]string]
	performer    execution.Performer
	stateChanger execution.StateChanger
	opts         WorkerOptions
	idle         *rate.Limiter
}

func newWorker(queues []string, performer execution.Performer, sc execution.StateChanger, opts WorkerOptions) *Worker {
	w := &Worker{
		id:           uuid.NewString(),
		performer:    performer,
		stateChanger: sc,
		opts:         opts,
		idle:         rate.NewLimiter(rate.Every(opts.PollInterval), 1),
	}
	qs := slices.Clone(queues)
	w.queues.Store(&qs)
	return w
}

func (w *Worker) ID() string { return w.id }

// Queues returns the queues the worker polls, in polling order.
func (w *Worker) Queues() []string {
	return slices.Clone(*w.queues.Load())
}

// addQueue appends name to the queue set. Callers hold the pool lock.
func (w *Worker) addQueue(name string) bool {
	cur := *w.queues.Load()
	if slices.Contains(cur, name) {
		return false
	}
	next := append(slices.Clone(cur), name)
	w.queues.Store(&next)
	return true
}

func (w *Worker) String() string { return "worker" }

// Execute fetches and performs at most one job.
func (w *Worker) Execute(ctx context.Context, pc process.Context) error {
	ctx = logging.WithWorkerID(ctx, w.id)
	queues := *w.queues.Load()
	if len(queues) == 0 {
		process.Sleep(ctx, w.opts.PollInterval)
		return nil
	}

	job, err := storage.Query(ctx, pc.Storage, func(conn storage.Connection) (*storage.Job, error) {
		return conn.FetchJob(ctx, queues, w.id, w.opts.JobLease)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("fetch job: %w", err)
	}
	if job == nil {
		_ = w.idle.Wait(ctx)
		return nil
	}
	return w.perform(ctx, pc, job)
}

func (w *Worker) perform(ctx context.Context, pc process.Context, job *storage.Job) error {
	ctx = logging.WithJobID(ctx, job.ID)
	log := logging.Ctx(ctx)
	log.Debug().Str("type", job.Type).Str("queue", job.Queue).Int("attempts", job.Attempts).Msg("Performing job")

	start := time.Now()
	performErr := w.performer.Perform(ctx, job)
	elapsed := time.Since(start)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if performErr != nil && ctx.Err() != nil {
		err := storage.UseConnection(fctx, pc.Storage, func(conn storage.Connection) error {
			return conn.RequeueJob(fctx, job.ID)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to requeue interrupted job, the lease reaper will recover it")
		} else {
			log.Info().Msg("Job interrupted by shutdown, requeued")
		}
		metrics.RecordJob(job.Queue, "interrupted", elapsed)
		return nil
	}

	state, err := storage.Query(fctx, pc.Storage, func(conn storage.Connection) (storage.State, error) {
		return w.stateChanger.ChangeState(fctx, conn, job, performErr)
	})
	if err != nil {
		metrics.RecordJob(job.Queue, "error", elapsed)
		return fmt.Errorf("change state of job %s: %w", job.ID, err)
	}
	metrics.RecordJob(job.Queue, string(state), elapsed)
	log.Debug().Str("state", string(state)).Dur("duration", elapsed).Msg("Job finished")
	return nil
}
