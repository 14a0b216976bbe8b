// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package process defines the unit every long-running part of the server is
// built from, and the decorators that make such a unit self-healing.
//
// A Process does one bounded piece of work per Execute call: a heartbeat
// writes one timestamp, a worker performs one job. Wrap turns it into a
// resilient loop:
//
//	p := process.Wrap(heartbeat, process.DefaultRetryPolicy())
//	_ = p.Execute(ctx, pc) // returns once ctx is canceled
//
// Cancellation is carried by ctx and is never reported as a failure.
package process

import (
	"context"
	"fmt"
	"slices"

	"github.com/tomtom215/taskhost/internal/storage"
)

// Process is a unit of work run by the processing server.
type Process interface {
	Execute(ctx context.Context, pc Context) error
}

// Property keys understood by storage when a server is announced.
const (
	PropQueues      = "Queues"
	PropWorkerCount = "WorkerCount"
)

// Properties is the string-keyed metadata a server publishes about itself.
type Properties map[string]any

// Clone returns a shallow copy with the Queues slice copied.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if q, ok := v.([]string); ok {
			v = slices.Clone(q)
		}
		out[k] = v
	}
	return out
}

// ServerContext extracts the announced metadata. Unknown keys and values of
// an unexpected type are ignored.
func (p Properties) ServerContext() storage.ServerContext {
	var sc storage.ServerContext
	if q, ok := p[PropQueues].([]string); ok {
		sc.Queues = slices.Clone(q)
	}
	if n, ok := p[PropWorkerCount].(int); ok {
		sc.WorkerCount = n
	}
	return sc
}

// Context is handed to every Execute call. It is built once per processing
// server and only read afterwards.
type Context struct {
	ServerID   string
	Storage    storage.JobStorage
	Properties Properties
}

// Func adapts a function to Process.
type Func struct {
	name string
	fn   func(ctx context.Context, pc Context) error
}

// NewFunc returns a named Process backed by fn.
func NewFunc(name string, fn func(ctx context.Context, pc Context) error) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Execute(ctx context.Context, pc Context) error { return f.fn(ctx, pc) }

func (f *Func) String() string { return f.name }

// Name is used in logs and metric labels. Processes that implement
// fmt.Stringer name themselves; anything else is named after its type.
func Name(p Process) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", p)
}
