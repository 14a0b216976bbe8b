// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

/*
Package supervisor runs the processing server: the process set of one
taskhost instance, supervised with suture v4.

# Overview

A ProcessingServer owns a flat suture tree:

	ProcessingServer ("taskhost")
	├── heartbeat
	├── watchdog
	├── lease-reaper, expiration-manager, ... (storage components)
	└── caller processes (workers, schedulers, http-api)

Every child is wrapped with process.Wrap before it is added, so a failing
child logs, backs off and retries on its own. Suture restarts are a second
line of defense for children that return without being canceled.

# Lifecycle

	Created → Announcing → Running → Draining → Stopped

NewProcessingServer starts the server on a background goroutine and
returns. The server announces itself to storage before any child starts,
and removes its record only after the tree has returned, on every exit
path. Shutdown cancels the tree and waits at most ShutdownTimeout:

	srv, err := supervisor.NewProcessingServer(js, procs, props, supervisor.Options{})
	if err != nil {
	    return err
	}
	defer srv.Shutdown()

# Liveness

Heartbeat refreshes the server's timestamp every HeartbeatInterval. If the
record is gone (a peer's watchdog reaped it during a long pause), the
heartbeat announces the server again.

Watchdog lists servers whose heartbeat is older than ServerTimeout every
ServerCheckInterval and removes them.

# Debugging Shutdown Issues

Children still running when the tree stops waiting are logged from
suture's UnstoppedServiceReport. Common causes:
  - Goroutines not respecting context cancellation
  - Blocked network I/O without deadlines
*/
package supervisor
