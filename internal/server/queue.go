// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package server

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tomtom215/taskhost/internal/validation"
)

// UnlimitedWorkers as a queue capacity means "as many as the server has".
const UnlimitedWorkers = 0

var (
	ErrInvalidQueueName = errors.New("server: queue name must match ^[a-z0-9_]+$")
	ErrInvalidCapacity  = errors.New("server: queue capacity must not be negative")
)

// Queue is a named job queue with a cap on how many workers poll it.
type Queue struct {
	name       string
	maxWorkers int

	mu    sync.Mutex
	bound []string
}

// NewQueue validates name and returns an empty queue. maxWorkers may be
// UnlimitedWorkers.
func NewQueue(name string, maxWorkers int) (*Queue, error) {
	if !validation.IsQueueName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	if maxWorkers < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, maxWorkers)
	}
	return &Queue{name: name, maxWorkers: maxWorkers}, nil
}

// MustQueue is NewQueue for literals known to be valid.
func MustQueue(name string, maxWorkers int) *Queue {
	q, err := NewQueue(name, maxWorkers)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

// MaxWorkers returns the capacity, or UnlimitedWorkers.
func (q *Queue) MaxWorkers() int { return q.maxWorkers }

// BoundWorkers returns the ids of the workers polling q, in binding order.
func (q *Queue) BoundWorkers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.bound)
}

// AddWorker binds workerID to q. It reports false, without error, when the
// queue is full or the worker is already bound.
func (q *Queue) AddWorker(workerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxWorkers != UnlimitedWorkers && len(q.bound) >= q.maxWorkers {
		return false
	}
	if slices.Contains(q.bound, workerID) {
		return false
	}
	q.bound = append(q.bound, workerID)
	return true
}

func (q *Queue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxWorkers != UnlimitedWorkers && len(q.bound) >= q.maxWorkers
}

// withCapacity returns an unbound copy of q with a new capacity.
func (q *Queue) withCapacity(n int) *Queue {
	return &Queue{name: q.name, maxWorkers: n}
}

func (q *Queue) String() string {
	return fmt.Sprintf("%s(%d/%d)", q.name, len(q.BoundWorkers()), q.maxWorkers)
}
