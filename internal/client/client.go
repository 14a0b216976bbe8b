// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package client creates background jobs. It only talks to storage; any
// processing server attached to the same storage picks the jobs up.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/validation"
)

var (
	ErrEmptyJobType = errors.New("client: job type is required")
	ErrInvalidQueue = errors.New("client: invalid queue name")
	ErrInvalidCron  = errors.New("client: invalid cron expression")
	ErrEmptyID      = errors.New("client: recurring job id is required")
)

// Client enqueues, schedules and registers recurring jobs.
type Client struct {
	storage storage.JobStorage
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the clock used for schedules.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client writing to js.
func New(js storage.JobStorage, opts ...Option) *Client {
	c := &Client{storage: js, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newJob(jobType string, args any, queue string) (*storage.Job, error) {
	if jobType == "" {
		return nil, ErrEmptyJobType
	}
	if queue != "" && !validation.IsQueueName(queue) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueue, queue)
	}
	return storage.NewJob(jobType, args, queue)
}

// Enqueue stores a job for immediate processing and returns its id. An empty
// queue means storage.DefaultQueue.
func (c *Client) Enqueue(ctx context.Context, jobType string, args any, queue string) (string, error) {
	job, err := c.newJob(jobType, args, queue)
	if err != nil {
		return "", err
	}
	err = storage.UseConnection(ctx, c.storage, func(conn storage.Connection) error {
		return conn.EnqueueJob(ctx, job)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return job.ID, nil
}

// Schedule stores a job that becomes due after delay.
func (c *Client) Schedule(ctx context.Context, jobType string, args any, queue string, delay time.Duration) (string, error) {
	job, err := c.newJob(jobType, args, queue)
	if err != nil {
		return "", err
	}
	at := c.now().Add(delay).UTC()
	err = storage.UseConnection(ctx, c.storage, func(conn storage.Connection) error {
		return conn.ScheduleJob(ctx, job, at)
	})
	if err != nil {
		return "", fmt.Errorf("schedule %s job: %w", jobType, err)
	}
	return job.ID, nil
}

// AddOrUpdateRecurring registers a job template fired on a five-field cron
// schedule. Updating an existing id keeps its history but recomputes the
// next run from the new expression.
func (c *Client) AddOrUpdateRecurring(ctx context.Context, id, spec, jobType string, args any, queue string) error {
	if id == "" {
		return ErrEmptyID
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCron, err)
	}
	job, err := c.newJob(jobType, args, queue)
	if err != nil {
		return err
	}
	rj := &storage.RecurringJob{
		ID:      id,
		Cron:    spec,
		Queue:   job.Queue,
		Type:    job.Type,
		Args:    job.Args,
		NextRun: sched.Next(c.now()).UTC(),
	}
	err = storage.UseConnection(ctx, c.storage, func(conn storage.Connection) error {
		return conn.AddOrUpdateRecurringJob(ctx, rj)
	})
	if err != nil {
		return fmt.Errorf("save recurring job %s: %w", id, err)
	}
	return nil
}

// RemoveRecurring deletes a recurring job. Removing an unknown id succeeds.
func (c *Client) RemoveRecurring(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	return storage.UseConnection(ctx, c.storage, func(conn storage.Connection) error {
		return conn.RemoveRecurringJob(ctx, id)
	})
}

// Job returns the stored job or storage.ErrJobNotFound.
func (c *Client) Job(ctx context.Context, id string) (*storage.Job, error) {
	return storage.Query(ctx, c.storage, func(conn storage.Connection) (*storage.Job, error) {
		return conn.Job(ctx, id)
	})
}

// RecurringJobs lists every registered recurring job.
func (c *Client) RecurringJobs(ctx context.Context) ([]storage.RecurringJob, error) {
	return storage.Query(ctx, c.storage, func(conn storage.Connection) ([]storage.RecurringJob, error) {
		return conn.RecurringJobs(ctx)
	})
}
