// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
)

// NewServerID returns "{hostname}:{pid}:{uuid}" with the hostname lowercased.
func NewServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return strings.ToLower(host) + ":" + strconv.Itoa(os.Getpid()) + ":" + uuid.NewString()
}

// Heartbeat refreshes this server's liveness timestamp every Interval.
type Heartbeat struct {
	Interval time.Duration

	// Reannounce registers the server again when storage no longer knows
	// it, typically because a peer's watchdog reaped it during a stall.
	Reannounce func(ctx context.Context) error
}

func (h *Heartbeat) String() string { return "heartbeat" }

func (h *Heartbeat) Execute(ctx context.Context, pc process.Context) error {
	err := storage.UseConnection(ctx, pc.Storage, func(conn storage.Connection) error {
		return conn.Heartbeat(ctx, pc.ServerID)
	})
	switch {
	case errors.Is(err, storage.ErrServerNotFound) && h.Reannounce != nil:
		logging.Ctx(ctx).Warn().Msg("Server record missing, announcing again")
		if err := h.Reannounce(ctx); err != nil {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			return fmt.Errorf("re-announce server: %w", err)
		}
		metrics.Heartbeats.WithLabelValues("reannounced").Inc()
	case err != nil:
		metrics.Heartbeats.WithLabelValues("error").Inc()
		return fmt.Errorf("heartbeat: %w", err)
	default:
		metrics.Heartbeats.WithLabelValues("ok").Inc()
	}

	process.Sleep(ctx, h.Interval)
	return nil
}

// Watchdog removes servers whose heartbeat is older than Timeout, checking
// every Interval.
type Watchdog struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (w *Watchdog) String() string { return "watchdog" }

func (w *Watchdog) Execute(ctx context.Context, pc process.Context) error {
	if _, err := w.checkOnce(ctx, pc); err != nil {
		return err
	}
	process.Sleep(ctx, w.Interval)
	return nil
}

func (w *Watchdog) checkOnce(ctx context.Context, pc process.Context) (int, error) {
	removed := 0
	err := storage.UseConnection(ctx, pc.Storage, func(conn storage.Connection) error {
		ids, err := conn.ExpiredServers(ctx, w.Timeout)
		if err != nil {
			return fmt.Errorf("list expired servers: %w", err)
		}
		for _, id := range ids {
			if err := conn.RemoveServer(ctx, id); err != nil {
				return fmt.Errorf("remove server %s: %w", id, err)
			}
			removed++
			logging.Ctx(ctx).Info().Str("expired_server", id).Msg("Removed server with stale heartbeat")
		}
		return nil
	})
	if removed > 0 {
		metrics.WatchdogRemovedServers.Add(float64(removed))
		logging.Ctx(ctx).Info().
			Int("count", removed).
			Dur("timeout", w.Timeout).
			Msg("Watchdog removed expired servers")
	}
	return removed, err
}

// componentProcess runs a storage-owned component as a process.
type componentProcess struct {
	c storage.Component
}

func (p componentProcess) Execute(ctx context.Context, _ process.Context) error {
	return p.c.Execute(ctx)
}

func (p componentProcess) String() string { return p.c.String() }
