// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSimulated is returned by MockProcess while it is set to fail.
var ErrSimulated = errors.New("simulated failure")

// MockProcess is a test helper with scriptable behavior. By default each
// Execute blocks until ctx is canceled.
type MockProcess struct {
	name       string
	startCount atomic.Int32
	stopCount  atomic.Int32
	failCount  atomic.Int32

	mu        sync.Mutex
	maxFails  int32
	err       error
	panicWith any
	ignoreCtx time.Duration
}

// NewMockProcess creates a mock named name.
func NewMockProcess(name string) *MockProcess {
	return &MockProcess{name: name}
}

func (m *MockProcess) Execute(ctx context.Context, _ Context) error {
	m.startCount.Add(1)
	defer m.stopCount.Add(1)

	m.mu.Lock()
	err, maxFails, panicWith, linger := m.err, m.maxFails, m.panicWith, m.ignoreCtx
	m.mu.Unlock()

	if maxFails > 0 && m.failCount.Add(1) <= maxFails {
		if panicWith != nil {
			panic(panicWith)
		}
		return ErrSimulated
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	if linger > 0 {
		time.Sleep(linger)
	}
	return ctx.Err()
}

// SetError makes every Execute return err immediately.
func (m *MockProcess) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetFailCount makes the first n calls fail before the mock settles into
// blocking until cancellation.
func (m *MockProcess) SetFailCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFails = int32(n)
}

// SetPanic makes the failing calls panic with v instead of returning an error.
func (m *MockProcess) SetPanic(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicWith = v
}

// SetSlowStop keeps Execute running for d after ctx is canceled.
func (m *MockProcess) SetSlowStop(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignoreCtx = d
}

// StartCount returns how many times Execute was called.
func (m *MockProcess) StartCount() int32 {
	return m.startCount.Load()
}

// StopCount returns how many times Execute returned.
func (m *MockProcess) StopCount() int32 {
	return m.stopCount.Load()
}

func (m *MockProcess) String() string {
	return m.name
}
