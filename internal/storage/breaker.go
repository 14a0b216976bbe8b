// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package storage

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
)

// BreakerSettings configures WithCircuitBreaker.
type BreakerSettings struct {
	// Name labels logs and the taskhost_storage_breaker_state gauge.
	Name string

	// ConsecutiveFailures opens the circuit after this many failed
	// connection attempts in a row. Default: 5.
	ConsecutiveFailures uint32

	// Timeout is how long the circuit stays open before a trial request. Default: 30s.
	Timeout time.Duration

	// MaxRequests allowed through while half-open. Default: 1.
	MaxRequests uint32
}

type breakerStorage struct {
	JobStorage
	cb *gobreaker.CircuitBreaker[Connection]
}

// WithCircuitBreaker guards connection acquisition of js with a circuit
// breaker. While the circuit is open GetConnection fails fast with
// gobreaker.ErrOpenState, which the retry decorator backs off from like any
// other storage error.
func WithCircuitBreaker(js JobStorage, s BreakerSettings) JobStorage {
	if s.Name == "" {
		s.Name = js.String()
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}

	metrics.StorageBreakerState.WithLabelValues(s.Name).Set(0)
	threshold := s.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker[Connection](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Storage circuit breaker state changed")
			metrics.StorageBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	return &breakerStorage{JobStorage: js, cb: cb}
}

func (b *breakerStorage) GetConnection(ctx context.Context) (Connection, error) {
	return b.cb.Execute(func() (Connection, error) {
		return b.JobStorage.GetConnection(ctx)
	})
}

// Unwrap returns the guarded storage.
func (b *breakerStorage) Unwrap() JobStorage {
	return b.JobStorage
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
