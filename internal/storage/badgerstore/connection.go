// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/taskhost/internal/storage"
)

type connection struct {
	s *Store
}

func (c *connection) Close() error { return nil }

func serverKey(id string) []byte     { return []byte(prefixServer + id) }
func jobKey(id string) []byte        { return []byte(prefixJob + id) }
func queuePrefix(name string) []byte { return []byte(prefixQueue + name + ":") }
func processingKey(id string) []byte { return []byte(prefixProcessing + id) }
func recurringKey(id string) []byte  { return []byte(prefixRecurring + id) }
func lockKey(resource string) []byte { return []byte(prefixLock + resource) }

func queueKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixQueue, name, seq))
}

func scheduleKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixSchedule, at.UnixNano(), id))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// keysWithPrefix collects keys in order. The iterator is closed before
// returning so callers may write in the same transaction.
func keysWithPrefix(txn *badger.Txn, prefix []byte, limit int) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys
}

func (c *connection) loadJob(txn *badger.Txn, id string) (*storage.Job, error) {
	var job storage.Job
	if err := getJSON(txn, jobKey(id), &job); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// detach deletes the schedule and processing index entries of job. Queue
// entries are left behind and skipped lazily by FetchJob.
func detach(txn *badger.Txn, job *storage.Job) error {
	if job.State == storage.StateScheduled && !job.ScheduledAt.IsZero() {
		if err := txn.Delete(scheduleKey(job.ScheduledAt, job.ID)); err != nil {
			return err
		}
	}
	return txn.Delete(processingKey(job.ID))
}

func (c *connection) push(txn *badger.Txn, job *storage.Job) error {
	seq, err := c.s.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}
	return txn.Set(queueKey(job.Queue, seq), []byte(job.ID))
}

func (c *connection) AnnounceServer(_ context.Context, serverID string, sc storage.ServerContext) error {
	err := c.s.update(func(txn *badger.Txn) error {
		now := c.s.now().UTC()
		rec := storage.ServerRecord{ID: serverID, StartedAt: now}
		if err := getJSON(txn, serverKey(serverID), &rec); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec.Queues = slices.Clone(sc.Queues)
		rec.WorkerCount = sc.WorkerCount
		rec.Heartbeat = now
		return setJSON(txn, serverKey(serverID), rec)
	})
	if err != nil {
		return fmt.Errorf("announce server %s: %w", serverID, err)
	}
	return nil
}

func (c *connection) RemoveServer(_ context.Context, serverID string) error {
	err := c.s.update(func(txn *badger.Txn) error {
		return txn.Delete(serverKey(serverID))
	})
	if err != nil {
		return fmt.Errorf("remove server %s: %w", serverID, err)
	}
	return nil
}

func (c *connection) Heartbeat(_ context.Context, serverID string) error {
	return c.s.update(func(txn *badger.Txn) error {
		var rec storage.ServerRecord
		if err := getJSON(txn, serverKey(serverID), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrServerNotFound
			}
			return fmt.Errorf("heartbeat %s: %w", serverID, err)
		}
		rec.Heartbeat = c.s.now().UTC()
		return setJSON(txn, serverKey(serverID), rec)
	})
}

func (c *connection) Servers(ctx context.Context) ([]storage.ServerRecord, error) {
	var out []storage.ServerRecord
	err := c.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixServer)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec storage.ServerRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return out, nil
}

func (c *connection) ExpiredServers(ctx context.Context, timeout time.Duration) ([]string, error) {
	servers, err := c.Servers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.s.now().Add(-timeout)
	var ids []string
	for _, rec := range servers {
		if rec.Heartbeat.Before(cutoff) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (c *connection) upsert(job *storage.Job, state storage.State, at time.Time) error {
	return c.s.update(func(txn *badger.Txn) error {
		if prev, err := c.loadJob(txn, job.ID); err == nil {
			if err := detach(txn, prev); err != nil {
				return err
			}
		} else if !errors.Is(err, storage.ErrJobNotFound) {
			return err
		}

		stored := job.Clone()
		stored.State = state
		stored.WorkerID = ""
		stored.LeaseUntil = time.Time{}
		stored.UpdatedAt = c.s.now().UTC()
		if state == storage.StateScheduled {
			stored.ScheduledAt = at.UTC()
			if err := txn.Set(scheduleKey(stored.ScheduledAt, stored.ID), nil); err != nil {
				return err
			}
		} else if err := c.push(txn, stored); err != nil {
			return err
		}
		return setJSON(txn, jobKey(stored.ID), stored)
	})
}

func (c *connection) EnqueueJob(_ context.Context, job *storage.Job) error {
	if err := c.upsert(job, storage.StateEnqueued, time.Time{}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (c *connection) ScheduleJob(_ context.Context, job *storage.Job, at time.Time) error {
	if err := c.upsert(job, storage.StateScheduled, at); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

func (c *connection) Job(_ context.Context, id string) (*storage.Job, error) {
	var job *storage.Job
	err := c.s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = c.loadJob(txn, id)
		return err
	})
	return job, err
}

func (c *connection) FetchJob(ctx context.Context, queues []string, workerID string, lease time.Duration) (*storage.Job, error) {
	var fetched *storage.Job
	err := c.s.update(func(txn *badger.Txn) error {
		fetched = nil
		for _, name := range queues {
			if err := ctx.Err(); err != nil {
				return err
			}
			job, err := c.popQueue(txn, name)
			if err != nil {
				return err
			}
			if job == nil {
				continue
			}
			now := c.s.now().UTC()
			job.State = storage.StateProcessing
			job.WorkerID = workerID
			job.LeaseUntil = now.Add(lease)
			job.UpdatedAt = now
			if err := txn.Set(processingKey(job.ID), nil); err != nil {
				return err
			}
			if err := setJSON(txn, jobKey(job.ID), job); err != nil {
				return err
			}
			fetched = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch job: %w", err)
	}
	return fetched, nil
}

// popQueue deletes queue entries until one points at an enqueued job.
func (c *connection) popQueue(txn *badger.Txn, name string) (*storage.Job, error) {
	for {
		keys := keysWithPrefix(txn, queuePrefix(name), 1)
		if len(keys) == 0 {
			return nil, nil
		}
		item, err := txn.Get(keys[0])
		if err != nil {
			return nil, err
		}
		idBytes, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if err := txn.Delete(keys[0]); err != nil {
			return nil, err
		}
		job, err := c.loadJob(txn, string(idBytes))
		if errors.Is(err, storage.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.State == storage.StateEnqueued {
			return job, nil
		}
	}
}

func (c *connection) CompleteJob(_ context.Context, id string, state storage.State, reason string) error {
	return c.s.update(func(txn *badger.Txn) error {
		job, err := c.loadJob(txn, id)
		if err != nil {
			return err
		}
		if err := detach(txn, job); err != nil {
			return err
		}
		job.State = state
		job.Reason = reason
		job.WorkerID = ""
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = c.s.now().UTC()
		return setJSON(txn, jobKey(id), job)
	})
}

func (c *connection) requeue(txn *badger.Txn, job *storage.Job) error {
	if err := detach(txn, job); err != nil {
		return err
	}
	job.State = storage.StateEnqueued
	job.WorkerID = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = c.s.now().UTC()
	if err := c.push(txn, job); err != nil {
		return err
	}
	return setJSON(txn, jobKey(job.ID), job)
}

func (c *connection) RequeueJob(_ context.Context, id string) error {
	return c.s.update(func(txn *badger.Txn) error {
		job, err := c.loadJob(txn, id)
		if err != nil {
			return err
		}
		return c.requeue(txn, job)
	})
}

// QueueLength counts queue entries that still point at enqueued jobs.
func (c *connection) QueueLength(_ context.Context, queue string) (int64, error) {
	seen := make(map[string]struct{})
	err := c.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			job, err := c.loadJob(txn, id)
			if err == nil && job.State == storage.StateEnqueued {
				seen[id] = struct{}{}
			}
		}
		return nil
	})
	return int64(len(seen)), err
}

func parseScheduleKey(key []byte) (time.Time, string, bool) {
	rest := strings.TrimPrefix(string(key), prefixSchedule)
	nanos, id, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, n), id, true
}

func (c *connection) DueScheduledJobs(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := c.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(prefixSchedule)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			at, id, ok := parseScheduleKey(it.Item().Key())
			if !ok {
				continue
			}
			if at.After(now) {
				break
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	return ids, err
}

func (c *connection) EnqueueScheduled(_ context.Context, id string) (bool, error) {
	moved := false
	err := c.s.update(func(txn *badger.Txn) error {
		moved = false
		job, err := c.loadJob(txn, id)
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.State != storage.StateScheduled {
			return nil
		}
		if err := c.requeue(txn, job); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

func (c *connection) AddOrUpdateRecurringJob(_ context.Context, rj *storage.RecurringJob) error {
	return c.s.update(func(txn *badger.Txn) error {
		stored := *rj
		var prev storage.RecurringJob
		err := getJSON(txn, recurringKey(rj.ID), &prev)
		switch {
		case err == nil && !prev.CreatedAt.IsZero():
			stored.CreatedAt = prev.CreatedAt
		case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = c.s.now().UTC()
		}
		return setJSON(txn, recurringKey(rj.ID), stored)
	})
}

func (c *connection) RemoveRecurringJob(_ context.Context, id string) error {
	return c.s.update(func(txn *badger.Txn) error {
		return txn.Delete(recurringKey(id))
	})
}

func (c *connection) RecurringJobs(_ context.Context) ([]storage.RecurringJob, error) {
	var out []storage.RecurringJob
	err := c.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecurring)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var rj storage.RecurringJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rj)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rj)
		}
		return nil
	})
	return out, err
}

func (c *connection) SetRecurringJobRun(_ context.Context, id string, lastRun, nextRun time.Time, lastJobID string) error {
	return c.s.update(func(txn *badger.Txn) error {
		var rj storage.RecurringJob
		if err := getJSON(txn, recurringKey(id), &rj); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrRecurringJobNotFound
			}
			return err
		}
		rj.LastRun = lastRun
		rj.NextRun = nextRun
		rj.LastJobID = lastJobID
		return setJSON(txn, recurringKey(id), rj)
	})
}

func (c *connection) RequeueExpiredLeases(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := c.s.update(func(txn *badger.Txn) error {
		n = 0
		for _, key := range keysWithPrefix(txn, []byte(prefixProcessing), 0) {
			id := string(bytes.TrimPrefix(key, []byte(prefixProcessing)))
			job, err := c.loadJob(txn, id)
			if errors.Is(err, storage.ErrJobNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if job.State != storage.StateProcessing || !job.LeaseUntil.Before(now) {
				continue
			}
			if err := c.requeue(txn, job); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (c *connection) DeleteFinishedJobs(_ context.Context, olderThan time.Time) (int, error) {
	var expired [][]byte
	err := c.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var job storage.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				continue
			}
			if job.State.Finished() && job.UpdatedAt.Before(olderThan) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	wb := c.s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return len(expired), nil
}

type lockRecord struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

func (c *connection) AcquireLock(_ context.Context, resource string, ttl time.Duration) (storage.ReleaseFunc, error) {
	token := uuid.NewString()
	err := c.s.update(func(txn *badger.Txn) error {
		now := c.s.now()
		var held lockRecord
		err := getJSON(txn, lockKey(resource), &held)
		if err == nil && now.Before(held.Expires) {
			return storage.ErrLockTaken
		}
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(lockRecord{Token: token, Expires: now.Add(ttl)})
		if err != nil {
			return err
		}
		// badger TTLs have second granularity; the record carries the exact expiry
		return txn.SetEntry(badger.NewEntry(lockKey(resource), data).WithTTL(ttl + time.Second))
	})
	if err != nil {
		return nil, err
	}

	release := func(context.Context) error {
		return c.s.update(func(txn *badger.Txn) error {
			var held lockRecord
			if err := getJSON(txn, lockKey(resource), &held); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			if held.Token != token {
				return nil
			}
			return txn.Delete(lockKey(resource))
		})
	}
	return release, nil
}

var _ storage.Connection = (*connection)(nil)

