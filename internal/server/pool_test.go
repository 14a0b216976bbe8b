// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/process"
)

func TestNewQueue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		queue    string
		capacity int
		want     error
	}{
		{"default", "default", UnlimitedWorkers, nil},
		{"digits and underscore", "reports_2", 3, nil},
		{"uppercase and dash", "My-Queue", 1, ErrInvalidQueueName},
		{"empty", "", 1, ErrInvalidQueueName},
		{"space", "low priority", 1, ErrInvalidQueueName},
		{"negative capacity", "default", -1, ErrInvalidCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, err := NewQueue(tt.queue, tt.capacity)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewQueue(%q) error = %v, want %v", tt.queue, err, tt.want)
			}
			if err == nil && (q.Name() != tt.queue || q.MaxWorkers() != tt.capacity) {
				t.Errorf("NewQueue(%q) = %s", tt.queue, q)
			}
		})
	}
}

func TestQueueAddWorkerRespectsCapacity(t *testing.T) {
	t.Parallel()

	q := MustQueue("default", 2)
	results := []bool{q.AddWorker("a"), q.AddWorker("a"), q.AddWorker("b"), q.AddWorker("c"), q.AddWorker("d")}
	if want := []bool{true, false, true, false, false}; !slices.Equal(results, want) {
		t.Errorf("AddWorker results = %v, want %v", results, want)
	}
	if got := q.BoundWorkers(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("BoundWorkers() = %v", got)
	}

	unlimited := MustQueue("bulk", UnlimitedWorkers)
	for _, id := range []string{"a", "b", "c"} {
		if !unlimited.AddWorker(id) {
			t.Errorf("unlimited queue refused %s", id)
		}
	}
}

func newTestPool(t *testing.T, workers int, queues ...*Queue) *WorkerPool {
	t.Helper()
	p, err := NewWorkerPool(workers, queues, execution.NewRegistry(), execution.NewRetryingStateChanger(3), WorkerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewWorkerPoolValidation(t *testing.T) {
	t.Parallel()

	queues := []*Queue{MustQueue("default", 1)}
	reg := execution.NewRegistry()
	sc := execution.NewRetryingStateChanger(1)
	tests := []struct {
		name      string
		workers   int
		queues    []*Queue
		performer execution.Performer
		sc        execution.StateChanger
		want      error
	}{
		{"zero workers", 0, queues, reg, sc, ErrInvalidWorkerCount},
		{"no queues", 1, nil, reg, sc, ErrNoQueues},
		{"no performer", 1, queues, nil, sc, ErrNilPerformer},
		{"no state changer", 1, queues, reg, nil, ErrNilStateChanger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewWorkerPool(tt.workers, tt.queues, tt.performer, tt.sc, WorkerOptions{}); !errors.Is(err, tt.want) {
				t.Errorf("NewWorkerPool() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewWorkerPoolDistribution(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 3,
		MustQueue("critical", 1),
		MustQueue("default", UnlimitedWorkers),
		MustQueue("default", 1),
	)

	queues := p.Queues()
	if len(queues) != 2 {
		t.Fatalf("Queues() = %v, want duplicate dropped", queues)
	}
	if got := queues[1].MaxWorkers(); got != 3 {
		t.Errorf("unlimited queue capacity = %d, want worker count 3", got)
	}

	workers := p.Workers()
	want := [][]string{{"critical", "default"}, {"default"}, {"default"}}
	for i, w := range workers {
		if got := w.Queues(); !slices.Equal(got, want[i]) {
			t.Errorf("worker %d queues = %v, want %v", i, got, want[i])
		}
	}
	if got := queues[0].BoundWorkers(); !slices.Equal(got, []string{workers[0].ID()}) {
		t.Errorf("critical bound = %v", got)
	}
	if got := len(queues[1].BoundWorkers()); got != 3 {
		t.Errorf("default bound %d workers, want 3", got)
	}

	props := p.Properties()
	if !slices.Equal(props[process.PropQueues].([]string), []string{"critical", "default"}) || props[process.PropWorkerCount] != 3 {
		t.Errorf("Properties() = %v", props)
	}
	if got := len(p.Processes()); got != 3 {
		t.Errorf("Processes() returned %d, want 3", got)
	}
}

func TestPoolsDoNotShareCallerQueues(t *testing.T) {
	t.Parallel()

	queues := []*Queue{MustQueue("critical", 1), MustQueue("default", UnlimitedWorkers)}
	first := newTestPool(t, 2, queues...)
	second := newTestPool(t, 2, queues...)

	for name, p := range map[string]*WorkerPool{"first": first, "second": second} {
		if got := p.Workers()[0].Queues(); !slices.Contains(got, "critical") {
			t.Errorf("%s pool worker 0 queues = %v, want critical", name, got)
		}
		if got := len(p.Queues()[0].BoundWorkers()); got != 1 {
			t.Errorf("%s pool critical bound %d workers, want 1", name, got)
		}
	}
	for _, q := range queues {
		if got := q.BoundWorkers(); len(got) != 0 {
			t.Errorf("caller queue %s bound to %v, want unbound", q.Name(), got)
		}
	}

	shared := MustQueue("reports", 1)
	if _, err := first.AddQueue(context.Background(), shared); err != nil {
		t.Fatal(err)
	}
	added, err := second.AddQueue(context.Background(), shared)
	if err != nil || !added {
		t.Fatalf("AddQueue() on second pool = %v, %v", added, err)
	}
	polling := 0
	for _, w := range second.Workers() {
		if slices.Contains(w.Queues(), "reports") {
			polling++
		}
	}
	if polling != 1 {
		t.Errorf("%d second-pool workers poll reports, want 1", polling)
	}
	if got := shared.BoundWorkers(); len(got) != 0 {
		t.Errorf("caller queue reports bound to %v, want unbound", got)
	}
}

func TestAddQueue(t *testing.T) {
	t.Parallel()

	t.Run("binds least loaded workers", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, 3, MustQueue("critical", 1), MustQueue("default", UnlimitedWorkers))
		workers := p.Workers()

		added, err := p.AddQueue(context.Background(), MustQueue("reports", 2))
		if err != nil || !added {
			t.Fatalf("AddQueue() = %v, %v", added, err)
		}
		reports := p.Queues()[2]
		if got := reports.BoundWorkers(); !slices.Equal(got, []string{workers[1].ID(), workers[2].ID()}) {
			t.Errorf("reports bound = %v, want workers 1 and 2", got)
		}
		if slices.Contains(workers[0].Queues(), "reports") {
			t.Error("busiest worker was bound to reports")
		}
	})

	t.Run("idempotent by name", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, 2, MustQueue("default", UnlimitedWorkers))
		if added, err := p.AddQueue(context.Background(), MustQueue("reports", 1)); err != nil || !added {
			t.Fatalf("first AddQueue() = %v, %v", added, err)
		}
		before := p.Queues()[1].BoundWorkers()

		added, err := p.AddQueue(context.Background(), MustQueue("reports", 2))
		if err != nil || added {
			t.Fatalf("second AddQueue() = %v, %v; want false", added, err)
		}
		queues := p.Queues()
		if len(queues) != 2 || queues[1].MaxWorkers() != 1 {
			t.Errorf("queues after duplicate add = %v", queues)
		}
		if got := queues[1].BoundWorkers(); !slices.Equal(got, before) {
			t.Errorf("bindings changed: %v -> %v", before, got)
		}
	})

	t.Run("clamps capacity to worker count", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, 2, MustQueue("default", UnlimitedWorkers))
		for _, q := range []*Queue{MustQueue("bulk", 10), MustQueue("any", UnlimitedWorkers)} {
			if _, err := p.AddQueue(context.Background(), q); err != nil {
				t.Fatal(err)
			}
		}
		for _, q := range p.Queues()[1:] {
			if q.MaxWorkers() != 2 || len(q.BoundWorkers()) != 2 {
				t.Errorf("queue %s: capacity %d bound %d, want 2/2", q.Name(), q.MaxWorkers(), len(q.BoundWorkers()))
			}
		}
	})

	t.Run("announces new properties", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, 2, MustQueue("default", UnlimitedWorkers))
		var announced []process.Properties
		err := p.attach(func(props process.Properties) (announceFunc, error) {
			announced = append(announced, props)
			return func(_ context.Context, props process.Properties) error {
				announced = append(announced, props)
				return nil
			}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.AddQueue(context.Background(), MustQueue("reports", 1)); err != nil {
			t.Fatal(err)
		}
		if len(announced) != 2 {
			t.Fatalf("announced %d snapshots, want 2", len(announced))
		}
		if got := announced[1][process.PropQueues].([]string); !slices.Equal(got, []string{"default", "reports"}) {
			t.Errorf("announced queues = %v", got)
		}
		if err := p.attach(nil); err == nil {
			t.Error("second attach succeeded")
		}
	})

	t.Run("announce failure still adds queue", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, 1, MustQueue("default", UnlimitedWorkers))
		boom := errors.New("storage down")
		_ = p.attach(func(process.Properties) (announceFunc, error) {
			return func(context.Context, process.Properties) error { return boom }, nil
		})
		added, err := p.AddQueue(context.Background(), MustQueue("reports", 1))
		if !added || !errors.Is(err, boom) {
			t.Fatalf("AddQueue() = %v, %v; want true, %v", added, err, boom)
		}
		if !slices.Contains(p.Workers()[0].Queues(), "reports") {
			t.Error("worker not bound after announce failure")
		}
	})
}

func TestAddQueueConcurrent(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 4, MustQueue("default", UnlimitedWorkers))
	var (
		wg    sync.WaitGroup
		added atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := p.AddQueue(context.Background(), MustQueue("reports", 1))
			if err != nil {
				t.Error(err)
			}
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()

	if added.Load() != 1 {
		t.Errorf("AddQueue reported added %d times, want 1", added.Load())
	}
	count := 0
	for _, q := range p.Queues() {
		if q.Name() == "reports" {
			count++
			if n := len(q.BoundWorkers()); n != 1 {
				t.Errorf("reports bound %d workers, want 1", n)
			}
		}
	}
	if count != 1 {
		t.Errorf("found %d reports queues, want 1", count)
	}
	polling := 0
	for _, w := range p.Workers() {
		if slices.Contains(w.Queues(), "reports") {
			polling++
		}
	}
	if polling != 1 {
		t.Errorf("%d workers poll reports, want 1", polling)
	}
}
