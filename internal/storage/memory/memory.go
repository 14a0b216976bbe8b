// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package memory is an in-process job storage. It backs tests and
// single-node deployments that can afford to lose jobs on restart.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/taskhost/internal/storage"
)

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the time source used for heartbeats and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// WithMaintenance sets the options of the contributed maintenance components.
func WithMaintenance(opts storage.MaintenanceOptions) Option {
	return func(s *Storage) { s.maintenance = opts }
}

type lock struct {
	token   string
	expires time.Time
}

// Storage keeps every record in maps guarded by one mutex.
type Storage struct {
	mu          sync.Mutex
	now         func() time.Time
	maintenance storage.MaintenanceOptions
	closed      bool

	servers   map[string]*storage.ServerRecord
	jobs      map[string]*storage.Job
	queues    map[string][]string
	scheduled map[string]time.Time
	recurring map[string]*storage.RecurringJob
	locks     map[string]lock
}

// New creates an empty in-memory storage.
func New(opts ...Option) *Storage {
	s := &Storage{
		now:         time.Now,
		maintenance: storage.DefaultMaintenanceOptions(),
		servers:     make(map[string]*storage.ServerRecord),
		jobs:        make(map[string]*storage.Job),
		queues:      make(map[string][]string),
		scheduled:   make(map[string]time.Time),
		recurring:   make(map[string]*storage.RecurringJob),
		locks:       make(map[string]lock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) String() string { return "memory" }

func (s *Storage) GetConnection(_ context.Context) (storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &connection{s: s}, nil
}

func (s *Storage) GetComponents() []storage.Component {
	return s.maintenance.Components(s)
}

// Close makes further GetConnection calls fail.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type connection struct {
	s *Storage
}

func (c *connection) Close() error { return nil }

func (c *connection) AnnounceServer(_ context.Context, serverID string, sc storage.ServerContext) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.servers[serverID]
	if !ok {
		rec = &storage.ServerRecord{ID: serverID, StartedAt: now}
		s.servers[serverID] = rec
	}
	rec.Queues = slices.Clone(sc.Queues)
	rec.WorkerCount = sc.WorkerCount
	rec.Heartbeat = now
	return nil
}

func (c *connection) RemoveServer(_ context.Context, serverID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.servers, serverID)
	return nil
}

func (c *connection) Heartbeat(_ context.Context, serverID string) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[serverID]
	if !ok {
		return storage.ErrServerNotFound
	}
	rec.Heartbeat = s.now().UTC()
	return nil
}

func (c *connection) ExpiredServers(_ context.Context, timeout time.Duration) ([]string, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-timeout)
	var ids []string
	for id, rec := range s.servers {
		if rec.Heartbeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *connection) Servers(_ context.Context) ([]storage.ServerRecord, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ServerRecord, 0, len(s.servers))
	for _, rec := range s.servers {
		r := *rec
		r.Queues = slices.Clone(rec.Queues)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// detach removes id from every index. Must be called with mu held.
func (s *Storage) detach(job *storage.Job) {
	delete(s.scheduled, job.ID)
	if q, ok := s.queues[job.Queue]; ok {
		if i := slices.Index(q, job.ID); i >= 0 {
			s.queues[job.Queue] = slices.Delete(q, i, i+1)
		}
	}
}

func (c *connection) EnqueueJob(_ context.Context, job *storage.Job) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok {
		s.detach(prev)
	}
	stored := job.Clone()
	stored.State = storage.StateEnqueued
	stored.WorkerID = ""
	stored.LeaseUntil = time.Time{}
	stored.UpdatedAt = s.now().UTC()
	s.jobs[job.ID] = stored
	s.queues[job.Queue] = append(s.queues[job.Queue], job.ID)
	return nil
}

func (c *connection) ScheduleJob(_ context.Context, job *storage.Job, at time.Time) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok {
		s.detach(prev)
	}
	stored := job.Clone()
	stored.State = storage.StateScheduled
	stored.WorkerID = ""
	stored.LeaseUntil = time.Time{}
	stored.ScheduledAt = at.UTC()
	stored.UpdatedAt = s.now().UTC()
	s.jobs[job.ID] = stored
	s.scheduled[job.ID] = at
	return nil
}

func (c *connection) Job(_ context.Context, id string) (*storage.Job, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	job, ok := c.s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (c *connection) FetchJob(_ context.Context, queues []string, workerID string, lease time.Duration) (*storage.Job, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range queues {
		job := s.pop(name)
		if job == nil {
			continue
		}
		now := s.now().UTC()
		job.State = storage.StateProcessing
		job.WorkerID = workerID
		job.LeaseUntil = now.Add(lease)
		job.UpdatedAt = now
		return job.Clone(), nil
	}
	return nil, nil
}

// pop removes and returns the oldest enqueued job of queue, skipping
// entries whose job was deleted. Must be called with mu held.
func (s *Storage) pop(queue string) *storage.Job {
	for len(s.queues[queue]) > 0 {
		id := s.queues[queue][0]
		s.queues[queue] = s.queues[queue][1:]
		if job, ok := s.jobs[id]; ok && job.State == storage.StateEnqueued {
			return job
		}
	}
	return nil
}

func (c *connection) CompleteJob(_ context.Context, id string, state storage.State, reason string) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	s.detach(job)
	job.State = state
	job.Reason = reason
	job.WorkerID = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (c *connection) RequeueJob(_ context.Context, id string) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	s.requeue(job)
	return nil
}

// requeue must be called with mu held.
func (s *Storage) requeue(job *storage.Job) {
	s.detach(job)
	job.State = storage.StateEnqueued
	job.WorkerID = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = s.now().UTC()
	s.queues[job.Queue] = append(s.queues[job.Queue], job.ID)
}

func (c *connection) QueueLength(_ context.Context, queue string) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return int64(len(c.s.queues[queue])), nil
}

func (c *connection) DueScheduledJobs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	type due struct {
		id string
		at time.Time
	}
	var all []due
	for id, at := range s.scheduled {
		if !at.After(now) {
			all = append(all, due{id, at})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].id < all[j].id
		}
		return all[i].at.Before(all[j].at)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.id
	}
	return ids, nil
}

func (c *connection) EnqueueScheduled(_ context.Context, id string) (bool, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		delete(s.scheduled, id)
		return false, nil
	}
	if job.State != storage.StateScheduled {
		return false, nil
	}
	s.requeue(job)
	return true, nil
}

func (c *connection) AddOrUpdateRecurringJob(_ context.Context, rj *storage.RecurringJob) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rj
	if prev, ok := s.recurring[rj.ID]; ok && !prev.CreatedAt.IsZero() {
		stored.CreatedAt = prev.CreatedAt
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.recurring[rj.ID] = &stored
	return nil
}

func (c *connection) RemoveRecurringJob(_ context.Context, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.recurring, id)
	return nil
}

func (c *connection) RecurringJobs(_ context.Context) ([]storage.RecurringJob, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]storage.RecurringJob, 0, len(c.s.recurring))
	for _, rj := range c.s.recurring {
		out = append(out, *rj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *connection) SetRecurringJobRun(_ context.Context, id string, lastRun, nextRun time.Time, lastJobID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rj, ok := c.s.recurring[id]
	if !ok {
		return storage.ErrRecurringJobNotFound
	}
	rj.LastRun = lastRun
	rj.NextRun = nextRun
	rj.LastJobID = lastJobID
	return nil
}

func (c *connection) RequeueExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, job := range s.jobs {
		if job.State == storage.StateProcessing && job.LeaseUntil.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.requeue(s.jobs[id])
	}
	return len(ids), nil
}

func (c *connection) DeleteFinishedJobs(_ context.Context, olderThan time.Time) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.State.Finished() && job.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (c *connection) AcquireLock(_ context.Context, resource string, ttl time.Duration) (storage.ReleaseFunc, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.locks[resource]; ok && now.Before(held.expires) {
		return nil, storage.ErrLockTaken
	}
	token := uuid.NewString()
	s.locks[resource] = lock{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if held, ok := s.locks[resource]; ok && held.token == token {
			delete(s.locks, resource)
		}
		return nil
	}, nil
}
