// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// State is a job's lifecycle state.
type State string

const (
	StateEnqueued   State = "enqueued"
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateDeleted    State = "deleted"
)

// Finished reports whether the state is terminal and eligible for expiration.
// Failed jobs are kept until deleted explicitly.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateDeleted
}

// DefaultQueue is used when a job names no queue.
const DefaultQueue = "default"

// Job is a unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Args        json.RawMessage `json:"args,omitempty"`
	Queue       string          `json:"queue"`
	State       State           `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts"`
	WorkerID    string          `json:"worker_id,omitempty"`
	LeaseUntil  time.Time       `json:"lease_until"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob builds an unsaved job with a fresh id. args is marshalled to JSON;
// a json.RawMessage is stored as is.
func NewJob(jobType string, args any, queue string) (*Job, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = DefaultQueue
	}
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Args:      raw,
		Queue:     queue,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal job args: %w", err)
		}
		return raw, nil
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Args != nil {
		c.Args = append(json.RawMessage(nil), j.Args...)
	}
	return &c
}

// RecurringJob is a cron-triggered job template.
type RecurringJob struct {
	ID        string          `json:"id"`
	Cron      string          `json:"cron"`
	Queue     string          `json:"queue"`
	Type      string          `json:"type"`
	Args      json.RawMessage `json:"args,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	LastRun   time.Time       `json:"last_run"`
	LastJobID string          `json:"last_job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ServerContext is the metadata a processing server announces.
type ServerContext struct {
	Queues      []string `json:"queues"`
	WorkerCount int      `json:"worker_count"`
}

// ServerRecord is a registered processing server as seen by storage.
type ServerRecord struct {
	ID          string    `json:"id"`
	Queues      []string  `json:"queues"`
	WorkerCount int       `json:"worker_count"`
	StartedAt   time.Time `json:"started_at"`
	Heartbeat   time.Time `json:"heartbeat"`
}
