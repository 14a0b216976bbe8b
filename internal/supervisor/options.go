// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package supervisor

import (
	"time"

	"github.com/tomtom215/taskhost/internal/process"
)

// Defaults applied to zero Options fields.
const (
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultServerCheckInterval = 5 * time.Minute
	DefaultServerTimeout       = 5 * time.Minute

	// removeTimeout bounds the RemoveServer call made after the tree stops.
	removeTimeout = 10 * time.Second
)

// Options configures a ProcessingServer.
type Options struct {
	// ShutdownTimeout bounds Shutdown. The tree waits for its children for
	// part of it; the rest is left for removing the server record.
	ShutdownTimeout time.Duration

	HeartbeatInterval   time.Duration
	ServerCheckInterval time.Duration
	// ServerTimeout is how stale a heartbeat may be before the watchdog
	// removes the server.
	ServerTimeout time.Duration

	// RetryPolicy spaces retries of failed processes.
	RetryPolicy process.RetryPolicy

	// Tree carries suture's restart tuning. Its ShutdownTimeout is
	// derived from the one above, see treeShutdownTimeout.
	Tree TreeConfig
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		ShutdownTimeout:     DefaultShutdownTimeout,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		ServerCheckInterval: DefaultServerCheckInterval,
		ServerTimeout:       DefaultServerTimeout,
		RetryPolicy:         process.DefaultRetryPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.ServerCheckInterval <= 0 {
		o.ServerCheckInterval = d.ServerCheckInterval
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = d.ServerTimeout
	}
	if o.RetryPolicy.Initial <= 0 {
		o.RetryPolicy = d.RetryPolicy
	}
	o.Tree.ShutdownTimeout = treeShutdownTimeout(o.ShutdownTimeout)
	return o
}

// treeShutdownTimeout is the share of total the tree may spend waiting for
// children. A quarter of total, at most removeTimeout, stays reserved so the
// server record is removed before Shutdown stops waiting.
func treeShutdownTimeout(total time.Duration) time.Duration {
	return total - min(total/4, removeTimeout)
}
