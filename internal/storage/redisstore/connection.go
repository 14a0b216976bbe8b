// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/taskhost/internal/storage"
)

// txRetries bounds how often an optimistic transaction is replayed after a
// watched key changed underneath it.
const txRetries = 64

var (
	// KEYS[1] servers zset, ARGV[1] server id, ARGV[2] now ms.
	heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

	// KEYS[1] queue list, KEYS[2] processing zset, ARGV[1] lease expiry ms.
	claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

	// KEYS[1] lock key, ARGV[1] owner token.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type connection struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.Connection = (*connection)(nil)

// The pool owns the socket; there is nothing to release per connection.
func (c *connection) Close() error { return nil }

func (c *connection) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (c *connection) serversKey() string       { return c.key("servers") }
func (c *connection) serverDataKey() string    { return c.key("server-data") }
func (c *connection) jobKey(id string) string  { return c.key("job:", id) }
func (c *connection) queueKey(q string) string { return c.key("queue:", q) }
func (c *connection) scheduleKey() string      { return c.key("schedule") }
func (c *connection) processingKey() string    { return c.key("processing") }
func (c *connection) finishedKey() string      { return c.key("finished") }
func (c *connection) recurringKey() string     { return c.key("recurring") }
func (c *connection) lockKey(r string) string  { return c.key("lock:", r) }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func msString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// watch runs fn in an optimistic transaction over keys, replaying it when
// a watched key was modified before EXEC.
func (c *connection) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for range txRetries {
		err = c.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// reader is the read subset shared by the client and a watched *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getJob(ctx context.Context, r reader, key string) (*storage.Job, error) {
	raw, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job storage.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", key, err)
	}
	return &job, nil
}

// detach removes a job from every index it may sit in.
func (c *connection) detach(ctx context.Context, pipe redis.Pipeliner, job *storage.Job) {
	pipe.ZRem(ctx, c.scheduleKey(), job.ID)
	pipe.ZRem(ctx, c.processingKey(), job.ID)
	pipe.ZRem(ctx, c.finishedKey(), job.ID)
	pipe.LRem(ctx, c.queueKey(job.Queue), 0, job.ID)
}

func (c *connection) setJob(ctx context.Context, pipe redis.Pipeliner, job *storage.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	pipe.Set(ctx, c.jobKey(job.ID), raw, 0)
	return nil
}

// Servers

func (c *connection) AnnounceServer(ctx context.Context, serverID string, sc storage.ServerContext) error {
	now := c.now().UTC()
	return c.watch(ctx, func(tx *redis.Tx) error {
		rec := storage.ServerRecord{ID: serverID, StartedAt: now}
		raw, err := tx.HGet(ctx, c.serverDataKey(), serverID).Bytes()
		switch {
		case err == nil:
			var prev storage.ServerRecord
			if json.Unmarshal(raw, &prev) == nil && !prev.StartedAt.IsZero() {
				rec.StartedAt = prev.StartedAt
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		rec.Queues = slices.Clone(sc.Queues)
		rec.WorkerCount = sc.WorkerCount
		rec.Heartbeat = now

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode server %s: %w", serverID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.serverDataKey(), serverID, data)
			pipe.ZAdd(ctx, c.serversKey(), redis.Z{Score: ms(now), Member: serverID})
			return nil
		})
		return err
	}, c.serverDataKey())
}

func (c *connection) RemoveServer(ctx context.Context, serverID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, c.serversKey(), serverID)
		pipe.HDel(ctx, c.serverDataKey(), serverID)
		return nil
	})
	return err
}

func (c *connection) Heartbeat(ctx context.Context, serverID string) error {
	ok, err := heartbeatScript.Run(ctx, c.client, []string{c.serversKey()}, serverID, msString(c.now())).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return storage.ErrServerNotFound
	}
	return nil
}

func (c *connection) ExpiredServers(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := c.now().Add(-timeout)
	ids, err := c.client.ZRangeByScore(ctx, c.serversKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + msString(cutoff),
	}).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *connection) Servers(ctx context.Context) ([]storage.ServerRecord, error) {
	beats, err := c.client.ZRangeWithScores(ctx, c.serversKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	data, err := c.client.HGetAll(ctx, c.serverDataKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make([]storage.ServerRecord, 0, len(beats))
	for _, z := range beats {
		id, _ := z.Member.(string)
		rec := storage.ServerRecord{ID: id}
		if raw, ok := data[id]; ok {
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, fmt.Errorf("decode server %s: %w", id, err)
			}
		}
		rec.Heartbeat = time.UnixMilli(int64(z.Score)).UTC()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Jobs

func (c *connection) upsert(ctx context.Context, job *storage.Job, state storage.State, at time.Time) error {
	key := c.jobKey(job.ID)
	return c.watch(ctx, func(tx *redis.Tx) error {
		prev, err := getJob(ctx, tx, key)
		if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
			return err
		}

		stored := job.Clone()
		stored.State = state
		stored.WorkerID = ""
		stored.LeaseUntil = time.Time{}
		stored.UpdatedAt = c.now().UTC()
		if state == storage.StateScheduled {
			stored.ScheduledAt = at.UTC()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				c.detach(ctx, pipe, prev)
			}
			if err := c.setJob(ctx, pipe, stored); err != nil {
				return err
			}
			c.index(ctx, pipe, stored)
			return nil
		})
		return err
	}, key)
}

func (c *connection) EnqueueJob(ctx context.Context, job *storage.Job) error {
	return c.upsert(ctx, job, storage.StateEnqueued, time.Time{})
}

func (c *connection) ScheduleJob(ctx context.Context, job *storage.Job, at time.Time) error {
	return c.upsert(ctx, job, storage.StateScheduled, at)
}

func (c *connection) Job(ctx context.Context, id string) (*storage.Job, error) {
	return getJob(ctx, c.client, c.jobKey(id))
}

// FetchJob claims ids with a script that moves each one from the queue list
// into the processing index in a single step, then leases the job under
// WATCH. An id never leaves Redis untracked: if the lease is not written
// (canceled context, lost connection) the id stays in the processing index
// and RequeueExpiredLeases puts it back once the lease time has passed. Ids
// whose job is no longer enqueued are dropped.
func (c *connection) FetchJob(ctx context.Context, queues []string, workerID string, lease time.Duration) (*storage.Job, error) {
	for _, name := range queues {
		for {
			until := c.now().UTC().Add(lease)
			id, err := claimScript.Run(ctx, c.client, []string{c.queueKey(name), c.processingKey()}, msString(until)).Text()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return nil, err
			}
			job, err := c.lease(ctx, id, workerID, lease)
			if err != nil {
				return nil, err
			}
			if job != nil {
				return job, nil
			}
		}
	}
	return nil, nil
}

// lease marks a claimed job as processing. When the job is gone or no longer
// enqueued the claim is undone so the processing index matches the job.
func (c *connection) lease(ctx context.Context, id, workerID string, lease time.Duration) (*storage.Job, error) {
	key := c.jobKey(id)
	var leased *storage.Job
	err := c.watch(ctx, func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, key)
		if errors.Is(err, storage.ErrJobNotFound) {
			return c.client.ZRem(ctx, c.processingKey(), id).Err()
		}
		if err != nil {
			return err
		}
		if job.State == storage.StateProcessing {
			return c.client.ZAdd(ctx, c.processingKey(), redis.Z{Score: ms(job.LeaseUntil), Member: id}).Err()
		}
		if job.State != storage.StateEnqueued {
			return c.client.ZRem(ctx, c.processingKey(), id).Err()
		}
		now := c.now().UTC()
		job.State = storage.StateProcessing
		job.WorkerID = workerID
		job.LeaseUntil = now.Add(lease)
		job.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := c.setJob(ctx, pipe, job); err != nil {
				return err
			}
			c.index(ctx, pipe, job)
			return nil
		})
		if err == nil {
			leased = job
		}
		return err
	}, key)
	return leased, err
}

// index files a job under the key that matches its state. Failed jobs are
// not indexed; they stay until deleted explicitly.
func (c *connection) index(ctx context.Context, pipe redis.Pipeliner, job *storage.Job) {
	switch {
	case job.State == storage.StateEnqueued:
		pipe.LPush(ctx, c.queueKey(job.Queue), job.ID)
	case job.State == storage.StateScheduled:
		pipe.ZAdd(ctx, c.scheduleKey(), redis.Z{Score: ms(job.ScheduledAt), Member: job.ID})
	case job.State == storage.StateProcessing:
		pipe.ZAdd(ctx, c.processingKey(), redis.Z{Score: ms(job.LeaseUntil), Member: job.ID})
	case job.State.Finished():
		pipe.ZAdd(ctx, c.finishedKey(), redis.Z{Score: ms(job.UpdatedAt), Member: job.ID})
	}
}

// transition loads a job under WATCH, lets mutate change it and writes it
// back re-indexed. mutate returns false to leave the job untouched.
func (c *connection) transition(ctx context.Context, id string, mutate func(job *storage.Job) bool) (bool, error) {
	key := c.jobKey(id)
	changed := false
	err := c.watch(ctx, func(tx *redis.Tx) error {
		changed = false
		job, err := getJob(ctx, tx, key)
		if err != nil {
			return err
		}
		prev := *job
		if !mutate(job) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			c.detach(ctx, pipe, &prev)
			if err := c.setJob(ctx, pipe, job); err != nil {
				return err
			}
			c.index(ctx, pipe, job)
			return nil
		})
		changed = err == nil
		return err
	}, key)
	return changed, err
}

func (c *connection) CompleteJob(ctx context.Context, id string, state storage.State, reason string) error {
	_, err := c.transition(ctx, id, func(job *storage.Job) bool {
		job.State = state
		job.Reason = reason
		job.WorkerID = ""
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = c.now().UTC()
		return true
	})
	return err
}

func (c *connection) requeue(job *storage.Job) {
	job.State = storage.StateEnqueued
	job.WorkerID = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = c.now().UTC()
}

func (c *connection) RequeueJob(ctx context.Context, id string) error {
	_, err := c.transition(ctx, id, func(job *storage.Job) bool {
		c.requeue(job)
		return true
	})
	return err
}

func (c *connection) QueueLength(ctx context.Context, queue string) (int64, error) {
	return c.client.LLen(ctx, c.queueKey(queue)).Result()
}

// Delayed jobs

func (c *connection) DueScheduledJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: msString(now)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return c.client.ZRangeByScore(ctx, c.scheduleKey(), by).Result()
}

func (c *connection) EnqueueScheduled(ctx context.Context, id string) (bool, error) {
	moved, err := c.transition(ctx, id, func(job *storage.Job) bool {
		if job.State != storage.StateScheduled {
			return false
		}
		c.requeue(job)
		return true
	})
	if errors.Is(err, storage.ErrJobNotFound) {
		return false, c.client.ZRem(ctx, c.scheduleKey(), id).Err()
	}
	return moved, err
}

// Recurring jobs

func (c *connection) AddOrUpdateRecurringJob(ctx context.Context, rj *storage.RecurringJob) error {
	key := c.recurringKey()
	return c.watch(ctx, func(tx *redis.Tx) error {
		stored := *rj
		prev, err := c.recurring(ctx, tx, rj.ID)
		switch {
		case err == nil && !prev.CreatedAt.IsZero():
			stored.CreatedAt = prev.CreatedAt
		case err != nil && !errors.Is(err, storage.ErrRecurringJobNotFound):
			return err
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = c.now().UTC()
		}
		return c.putRecurring(ctx, tx, &stored)
	}, key)
}

func (c *connection) recurring(ctx context.Context, r reader, id string) (*storage.RecurringJob, error) {
	raw, err := r.HGet(ctx, c.recurringKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrRecurringJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var rj storage.RecurringJob
	if err := json.Unmarshal(raw, &rj); err != nil {
		return nil, fmt.Errorf("decode recurring job %s: %w", id, err)
	}
	return &rj, nil
}

func (c *connection) putRecurring(ctx context.Context, tx *redis.Tx, rj *storage.RecurringJob) error {
	raw, err := json.Marshal(rj)
	if err != nil {
		return fmt.Errorf("encode recurring job %s: %w", rj.ID, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.recurringKey(), rj.ID, raw)
		return nil
	})
	return err
}

func (c *connection) RemoveRecurringJob(ctx context.Context, id string) error {
	return c.client.HDel(ctx, c.recurringKey(), id).Err()
}

func (c *connection) RecurringJobs(ctx context.Context) ([]storage.RecurringJob, error) {
	all, err := c.client.HGetAll(ctx, c.recurringKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.RecurringJob, 0, len(all))
	for id, raw := range all {
		var rj storage.RecurringJob
		if err := json.Unmarshal([]byte(raw), &rj); err != nil {
			return nil, fmt.Errorf("decode recurring job %s: %w", id, err)
		}
		out = append(out, rj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *connection) SetRecurringJobRun(ctx context.Context, id string, lastRun, nextRun time.Time, lastJobID string) error {
	return c.watch(ctx, func(tx *redis.Tx) error {
		rj, err := c.recurring(ctx, tx, id)
		if err != nil {
			return err
		}
		rj.LastRun = lastRun
		rj.NextRun = nextRun
		rj.LastJobID = lastJobID
		return c.putRecurring(ctx, tx, rj)
	}, c.recurringKey())
}

// Maintenance

func (c *connection) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	ids, err := c.client.ZRangeByScore(ctx, c.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + msString(now),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		moved, err := c.transition(ctx, id, func(job *storage.Job) bool {
			if job.State == storage.StateEnqueued {
				// Claimed by FetchJob but never leased: rewriting the job
				// drops the claim and pushes the id back onto its queue.
				job.UpdatedAt = c.now().UTC()
				return true
			}
			if job.State != storage.StateProcessing || !job.LeaseUntil.Before(now) {
				return false
			}
			c.requeue(job)
			return true
		})
		if errors.Is(err, storage.ErrJobNotFound) {
			_ = c.client.ZRem(ctx, c.processingKey(), id).Err()
			continue
		}
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}
	return n, nil
}

func (c *connection) DeleteFinishedJobs(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := c.client.ZRangeByScore(ctx, c.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + msString(olderThan),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		key := c.jobKey(id)
		err := c.watch(ctx, func(tx *redis.Tx) error {
			job, err := getJob(ctx, tx, key)
			if err != nil {
				return err
			}
			if !job.State.Finished() || !job.UpdatedAt.Before(olderThan) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, c.finishedKey(), id)
				return nil
			})
			if err == nil {
				n++
			}
			return err
		}, key)
		if errors.Is(err, storage.ErrJobNotFound) {
			_ = c.client.ZRem(ctx, c.finishedKey(), id).Err()
			continue
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Locks

func (c *connection) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (storage.ReleaseFunc, error) {
	key := c.lockKey(resource)
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrLockTaken
	}
	client := c.client
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, client, []string{key}, token).Err()
	}, nil
}
