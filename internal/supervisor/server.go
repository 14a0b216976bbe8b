// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
)

// Errors returned by NewProcessingServer and the lifecycle methods.
var (
	ErrNilStorage      = errors.New("supervisor: storage is required")
	ErrNilProcesses    = errors.New("supervisor: process list is required")
	ErrNilProperties   = errors.New("supervisor: properties are required")
	ErrServerStopped   = errors.New("supervisor: server is stopping")
	ErrShutdownTimeout = errors.New("supervisor: shutdown timed out")
)

// State is the lifecycle position of a ProcessingServer.
type State int32

const (
	StateCreated State = iota
	StateAnnouncing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAnnouncing:
		return "announcing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProcessingServer announces itself to storage, runs heartbeat, watchdog,
// storage components and the caller's processes under one suture tree, and
// removes its server record once they have stopped.
//
// Construction starts the server in the background; Shutdown stops it and
// waits at most ShutdownTimeout.
type ProcessingServer struct {
	storage  storage.JobStorage
	opts     Options
	children []process.Process
	pc       process.Context

	// props is the latest property snapshot. announceMu orders announces
	// with the removal at shutdown.
	props      atomic.Pointer[process.Properties]
	announceMu sync.Mutex
	registered bool

	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewProcessingServer builds the process set and starts it. It returns once
// startup has been initiated.
func NewProcessingServer(js storage.JobStorage, processes []process.Process, props process.Properties, opts Options) (*ProcessingServer, error) {
	if js == nil {
		return nil, ErrNilStorage
	}
	if processes == nil {
		return nil, ErrNilProcesses
	}
	if props == nil {
		return nil, ErrNilProperties
	}
	opts = opts.withDefaults()

	s := &ProcessingServer{
		storage: js,
		opts:    opts,
		done:    make(chan struct{}),
	}
	snapshot := props.Clone()
	s.props.Store(&snapshot)
	s.pc = process.Context{
		ServerID:   NewServerID(),
		Storage:    js,
		Properties: props.Clone(),
	}

	s.children = []process.Process{
		&Heartbeat{Interval: opts.HeartbeatInterval, Reannounce: s.reannounce},
		&Watchdog{Interval: opts.ServerCheckInterval, Timeout: opts.ServerTimeout},
	}
	for _, c := range js.GetComponents() {
		s.children = append(s.children, componentProcess{c: c})
	}
	s.children = append(s.children, processes...)

	ctx, cancel := context.WithCancel(logging.WithServerID(context.Background(), s.pc.ServerID))
	s.cancel = cancel

	sc := snapshot.ServerContext()
	logging.Info().
		Str("server_id", s.pc.ServerID).
		Str("storage", js.String()).
		Int("worker_count", sc.WorkerCount).
		Strs("queues", sc.Queues).
		Int("processes", len(s.children)).
		Dur("shutdown_timeout", opts.ShutdownTimeout).
		Dur("heartbeat_interval", opts.HeartbeatInterval).
		Msg("Starting processing server")

	go func() {
		defer close(s.done)
		defer s.setState(StateStopped)
		_ = process.Wrap(s, opts.RetryPolicy).Execute(ctx, s.pc)
	}()
	return s, nil
}

func (s *ProcessingServer) String() string { return "processing-server" }

// ServerID returns the id this server is registered under.
func (s *ProcessingServer) ServerID() string { return s.pc.ServerID }

// State reports the current lifecycle state.
func (s *ProcessingServer) State() State { return State(s.state.Load()) }

func (s *ProcessingServer) setState(st State) { s.state.Store(int32(st)) }

// Properties returns a copy of the latest announced properties.
func (s *ProcessingServer) Properties() process.Properties {
	return (*s.props.Load()).Clone()
}

// Done is closed once the server has stopped and removed its record.
func (s *ProcessingServer) Done() <-chan struct{} { return s.done }

// Execute announces the server, runs every child until ctx is canceled and
// removes the server record on every exit path.
func (s *ProcessingServer) Execute(ctx context.Context, pc process.Context) error {
	s.setState(StateAnnouncing)
	if err := s.register(ctx); err != nil {
		return err
	}
	defer s.deregister(pc.ServerID)

	s.setState(StateRunning)
	tree := newTree("taskhost", s.opts.Tree, pc, s.children, s.opts.RetryPolicy)
	err := tree.Serve(ctx)

	s.setState(StateDraining)
	logUnstopped(tree)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *ProcessingServer) register(ctx context.Context) error {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	if err := s.announceLocked(ctx); err != nil {
		return fmt.Errorf("announce server: %w", err)
	}
	s.registered = true
	return nil
}

func (s *ProcessingServer) announceLocked(ctx context.Context) error {
	sc := (*s.props.Load()).ServerContext()
	return storage.UseConnection(ctx, s.storage, func(conn storage.Connection) error {
		return conn.AnnounceServer(ctx, s.pc.ServerID, sc)
	})
}

// reannounce is used by the heartbeat when the record went missing.
func (s *ProcessingServer) reannounce(ctx context.Context) error {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	if !s.registered {
		return nil
	}
	return s.announceLocked(ctx)
}

func (s *ProcessingServer) deregister(serverID string) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	s.registered = false

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := storage.UseConnection(ctx, s.storage, func(conn storage.Connection) error {
		return conn.RemoveServer(ctx, serverID)
	})
	if err != nil {
		logging.Error().Err(err).Str("server_id", serverID).Msg("Failed to remove server record")
		return
	}
	logging.Info().Str("server_id", serverID).Msg("Server record removed")
}

// Announce publishes a newer property snapshot. Before the server has
// registered the snapshot is only stored and used by the first announce.
func (s *ProcessingServer) Announce(ctx context.Context, props process.Properties) error {
	if s.State() >= StateDraining {
		return ErrServerStopped
	}
	snapshot := props.Clone()

	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	s.props.Store(&snapshot)
	if !s.registered {
		return nil
	}
	if err := s.announceLocked(ctx); err != nil {
		return fmt.Errorf("announce server: %w", err)
	}
	return nil
}

// SendStop signals every process to stop without waiting.
func (s *ProcessingServer) SendStop() {
	s.stopOnce.Do(func() {
		logging.Info().Str("server_id", s.pc.ServerID).Msg("Processing server stop requested")
		s.cancel()
	})
}

// Shutdown stops the server and waits up to ShutdownTimeout. On timeout the
// processes keep unwinding in the background and ErrShutdownTimeout is
// returned.
func (s *ProcessingServer) Shutdown() error {
	s.SendStop()

	t := time.NewTimer(s.opts.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-s.done:
		logging.Info().Str("server_id", s.pc.ServerID).Msg("Processing server stopped")
		return nil
	case <-t.C:
		logging.Warn().
			Str("server_id", s.pc.ServerID).
			Dur("timeout", s.opts.ShutdownTimeout).
			Msg("Processing server did not stop in time, processes may still be running")
		return ErrShutdownTimeout
	}
}
