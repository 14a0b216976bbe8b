// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
)

// TreeConfig holds the suture parameters of the process tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long the tree waits for its children to
	// return after cancellation.
	ShutdownTimeout time.Duration
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5.0
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30.0
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// newTree builds a flat supervisor running one service per process.
// Lifecycle events go to zerolog through the slog adapter.
func newTree(name string, cfg TreeConfig, pc process.Context, procs []process.Process, policy process.RetryPolicy) *suture.Supervisor {
	cfg = cfg.withDefaults()

	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger("supervisor")}
	tree := suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	for _, p := range procs {
		tree.Add(&processService{proc: process.Wrap(p, policy), pc: pc})
	}
	return tree
}

// processService runs a wrapped process as a suture.Service.
type processService struct {
	proc process.Process
	pc   process.Context
}

// Serve implements suture.Service. A wrapped process only ends on its own
// when its context is canceled, so any other return is reported to suture:
// errors are restarted with suture's backoff, a clean exit is not restarted.
func (s *processService) Serve(ctx context.Context) error {
	name := process.Name(s.proc)
	err := s.proc.Execute(logging.WithProcess(ctx, name), s.pc)
	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	default:
		return suture.ErrDoNotRestart
	}
}

// String implements fmt.Stringer; suture names services with it.
func (s *processService) String() string {
	return process.Name(s.proc)
}

// logUnstopped reports children that were still running when the tree gave
// up waiting for them.
func logUnstopped(tree *suture.Supervisor) {
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) == 0 {
		return
	}
	logging.Warn().Int("count", len(unstopped)).Msg("Processes failed to stop within timeout")
	for _, svc := range unstopped {
		logging.Warn().Str("process", svc.Name).Msg("Process failed to stop")
	}
}
