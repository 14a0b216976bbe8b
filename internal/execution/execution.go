// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package execution runs job handlers and records the outcome of each run.
//
// Workers only see the two interfaces defined here: a Performer that runs a
// job and a StateChanger that persists what happened.
package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/storage"
)

// ErrUnknownJobType is returned (as a permanent error) for jobs whose type
// has no registered handler.
var ErrUnknownJobType = errors.New("unknown job type")

// Performer runs a job.
type Performer interface {
	Perform(ctx context.Context, job *storage.Job) error
}

// HandlerFunc handles one job type. args is the job's raw JSON payload.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds jobType to h, replacing any previous handler.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Types lists the registered job types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Perform runs the handler for job.Type. Handler panics are returned as
// errors.
func (r *Registry) Perform(ctx context.Context, job *storage.Job) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type))
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.Ctx(ctx).Error().
				Str("job_type", job.Type).
				Bytes("stack", debug.Stack()).
				Msg("Job handler panicked")
			err = fmt.Errorf("job handler %s panicked: %v", job.Type, rec)
		}
	}()
	return h(ctx, job.Args)
}
