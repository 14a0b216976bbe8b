// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
	"github.com/tomtom215/taskhost/internal/storage"
)

// StateChanger persists the outcome of a perform call and returns the
// state the job ended up in.
type StateChanger interface {
	ChangeState(ctx context.Context, conn storage.Connection, job *storage.Job, performErr error) (storage.State, error)
}

// DefaultMaxAttempts is used when RetryingStateChanger.MaxAttempts is zero.
const DefaultMaxAttempts = 10

// DefaultJobBackoff spaces job retries from 10s up to 10m.
func DefaultJobBackoff() process.RetryPolicy {
	return process.RetryPolicy{Initial: 10 * time.Second, Max: 10 * time.Minute}
}

// RetryingStateChanger marks successful jobs succeeded and reschedules
// failed ones with capped exponential delay. After MaxAttempts failed runs,
// or on a permanent error, the job is marked failed.
type RetryingStateChanger struct {
	MaxAttempts int
	Backoff     process.RetryPolicy
	Now         func() time.Time
}

// NewRetryingStateChanger returns a state changer with default backoff.
func NewRetryingStateChanger(maxAttempts int) *RetryingStateChanger {
	return &RetryingStateChanger{MaxAttempts: maxAttempts, Backoff: DefaultJobBackoff()}
}

func (s *RetryingStateChanger) ChangeState(ctx context.Context, conn storage.Connection, job *storage.Job, performErr error) (storage.State, error) {
	if performErr == nil {
		if err := conn.CompleteJob(ctx, job.ID, storage.StateSucceeded, ""); err != nil {
			return "", fmt.Errorf("mark job %s succeeded: %w", job.ID, err)
		}
		return storage.StateSucceeded, nil
	}

	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	attempts := job.Attempts + 1

	if IsPermanent(performErr) || attempts >= maxAttempts {
		if err := conn.CompleteJob(ctx, job.ID, storage.StateFailed, performErr.Error()); err != nil {
			return "", fmt.Errorf("mark job %s failed: %w", job.ID, err)
		}
		logging.Ctx(ctx).Warn().
			Err(performErr).
			Int("attempts", attempts).
			Msg("Job failed permanently")
		return storage.StateFailed, nil
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	delay := s.Backoff.Delay(attempts - 1)
	retry := job.Clone()
	retry.Attempts = attempts
	retry.Reason = performErr.Error()
	if err := conn.ScheduleJob(ctx, retry, now().Add(delay)); err != nil {
		return "", fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	logging.Ctx(ctx).Info().
		Err(performErr).
		Int("attempt", attempts).
		Dur("retry_in", delay).
		Msg("Job failed, rescheduled")
	return storage.StateScheduled, nil
}
