// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
	"github.com/tomtom215/taskhost/internal/process"
)

var (
	ErrInvalidWorkerCount = errors.New("server: worker count must be positive")
	ErrNoQueues           = errors.New("server: at least one queue is required")
	ErrNilPerformer       = errors.New("server: performer is required")
	ErrNilStateChanger    = errors.New("server: state changer is required")
	errPoolAttached       = errors.New("server: worker pool already attached to a server")
)

// announceFunc publishes a property snapshot for the running server.
type announceFunc func(ctx context.Context, props process.Properties) error

// WorkerPool owns the workers and the queues they poll.
type WorkerPool struct {
	workerCount int

	// mu covers queues, every worker's queue set and announce.
	mu       sync.Mutex
	queues   []*Queue
	workers  []*Worker
	announce announceFunc
}

// NewWorkerPool creates workerCount workers and distributes them over
// queues. Queues with UnlimitedWorkers get workerCount as their capacity.
// Each worker is bound to every queue that still had room when it was
// created, so a queue that fills up early gets no later workers. Duplicate
// queue names keep the first entry.
func NewWorkerPool(workerCount int, queues []*Queue, performer execution.Performer, sc execution.StateChanger, opts WorkerOptions) (*WorkerPool, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, workerCount)
	}
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}
	if performer == nil {
		return nil, ErrNilPerformer
	}
	if sc == nil {
		return nil, ErrNilStateChanger
	}
	opts = opts.withDefaults()

	p := &WorkerPool{workerCount: workerCount}
	for _, q := range queues {
		if p.find(q.Name()) != nil {
			continue
		}
		capacity := q.MaxWorkers()
		if capacity == UnlimitedWorkers {
			capacity = workerCount
		}
		// The pool binds workers on its own copy, never on the caller's queue.
		p.queues = append(p.queues, q.withCapacity(capacity))
	}

	for range workerCount {
		var names []string
		for _, q := range p.queues {
			if !q.full() {
				names = append(names, q.Name())
			}
		}
		w := newWorker(names, performer, sc, opts)
		for _, q := range p.queues {
			q.AddWorker(w.ID())
		}
		p.workers = append(p.workers, w)
	}

	p.recordSize()
	return p, nil
}

func (p *WorkerPool) find(name string) *Queue {
	for _, q := range p.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

// WorkerCount is the number of workers, fixed at construction.
func (p *WorkerPool) WorkerCount() int { return p.workerCount }

// Queues returns the known queues in the order they were added.
func (p *WorkerPool) Queues() []*Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queues)
}

// Workers returns the pool's workers.
func (p *WorkerPool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.workers)
}

// Processes returns the workers as processes for the supervisor.
func (p *WorkerPool) Processes() []process.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]process.Process, len(p.workers))
	for i, w := range p.workers {
		out[i] = w
	}
	return out
}

// Properties returns the {Queues, WorkerCount} snapshot servers announce.
func (p *WorkerPool) Properties() process.Properties {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.propertiesLocked()
}

func (p *WorkerPool) propertiesLocked() process.Properties {
	names := make([]string, len(p.queues))
	for i, q := range p.queues {
		names[i] = q.Name()
	}
	return process.Properties{
		process.PropQueues:      names,
		process.PropWorkerCount: p.workerCount,
	}
}

// attach hands the current properties to start and keeps the returned
// announcer for later AddQueue calls. Holding the lock across start means
// no AddQueue can slip in between the snapshot and the hook.
func (p *WorkerPool) attach(start func(props process.Properties) (announceFunc, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announce != nil {
		return errPoolAttached
	}
	fn, err := start(p.propertiesLocked())
	if err != nil {
		return err
	}
	p.announce = fn
	return nil
}

// AddQueue adds q while workers are running and binds the least loaded
// workers to it, up to its capacity. A queue whose name is already known is
// ignored and reported as not added. A capacity above the worker count, or
// UnlimitedWorkers, is clamped to the worker count.
//
// The error is only set when the new properties could not be announced; the
// queue is added and polled regardless.
func (p *WorkerPool) AddQueue(ctx context.Context, q *Queue) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.find(q.Name()) != nil {
		return false, nil
	}
	capacity := q.MaxWorkers()
	if capacity == UnlimitedWorkers || capacity > p.workerCount {
		capacity = p.workerCount
	}
	q = q.withCapacity(capacity)
	p.queues = append(p.queues, q)

	candidates := slices.Clone(p.workers)
	slices.SortStableFunc(candidates, func(a, b *Worker) int {
		return len(*a.queues.Load()) - len(*b.queues.Load())
	})
	bound := 0
	for _, w := range candidates[:min(q.MaxWorkers(), len(candidates))] {
		if q.AddWorker(w.ID()) && w.addQueue(q.Name()) {
			bound++
		}
	}
	p.recordSize()

	logging.Info().
		Str("queue", q.Name()).
		Int("max_workers", q.MaxWorkers()).
		Int("bound_workers", bound).
		Msg("Queue added")

	if p.announce == nil {
		return true, nil
	}
	if err := p.announce(ctx, p.propertiesLocked()); err != nil {
		return true, fmt.Errorf("announce queue %s: %w", q.Name(), err)
	}
	return true, nil
}

func (p *WorkerPool) recordSize() {
	metrics.WorkerPoolQueues.Set(float64(len(p.queues)))
	metrics.WorkerPoolWorkers.Set(float64(len(p.workers)))
}
