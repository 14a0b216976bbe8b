// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/metrics"
)

// RetryPolicy is a capped exponential backoff.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy waits 1s, 2s, 4s ... up to 30s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: time.Second, Max: 30 * time.Second}
}

// Delay returns Initial * 2^attempt, capped at Max. attempt starts at 0.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base, ceiling := p.Initial, p.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if attempt <= 0 {
		return base
	}
	// 2^62 overflows time.Duration long before this matters
	if attempt > 62 {
		return ceiling
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// canceled reports whether err is just ctx winding down.
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || err == nil)
}

type infiniteLoop struct {
	inner Process
}

// InfiniteLoop re-invokes p until ctx is done. An error from p ends the loop
// and is returned.
func InfiniteLoop(p Process) Process {
	return &infiniteLoop{inner: p}
}

func (l *infiniteLoop) Execute(ctx context.Context, pc Context) error {
	for ctx.Err() == nil {
		if err := l.inner.Execute(ctx, pc); err != nil {
			return err
		}
	}
	return nil
}

func (l *infiniteLoop) String() string { return Name(l.inner) }

type automaticRetry struct {
	inner  Process
	policy RetryPolicy
}

// AutomaticRetry runs p until it succeeds once. Failures and panics are
// logged and retried after policy.Delay(attempt). A canceled ctx ends the
// call with nil at any point, without logging.
func AutomaticRetry(p Process, policy RetryPolicy) Process {
	return &automaticRetry{inner: p, policy: policy}
}

func (r *automaticRetry) Execute(ctx context.Context, pc Context) error {
	name := Name(r.inner)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		err := safeExecute(ctx, r.inner, pc)
		if err == nil || canceled(ctx, err) {
			return nil
		}

		delay := r.policy.Delay(attempt)
		metrics.ProcessRetryDelay.WithLabelValues(name).Observe(delay.Seconds())
		logging.Ctx(ctx).Error().
			Err(err).
			Str("process", name).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Process failed, retrying")

		if !Sleep(ctx, delay) {
			return nil
		}
	}
}

func (r *automaticRetry) String() string { return Name(r.inner) }

// safeExecute converts a panic in p into an error.
func safeExecute(ctx context.Context, p Process, pc Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Ctx(ctx).Error().
				Str("process", Name(p)).
				Bytes("stack", debug.Stack()).
				Msg("Process panicked")
			err = fmt.Errorf("process %s panicked: %v", Name(p), rec)
		}
	}()
	return p.Execute(ctx, pc)
}

type instrumented struct {
	inner Process
}

// Instrumented records execution count, failures and duration of p.
// Runs cut short by cancellation are not counted as failures.
func Instrumented(p Process) Process {
	return &instrumented{inner: p}
}

func (i *instrumented) Execute(ctx context.Context, pc Context) error {
	start := time.Now()
	err := i.inner.Execute(ctx, pc)
	recorded := err
	if canceled(ctx, err) {
		recorded = nil
	}
	metrics.RecordProcessExecution(Name(i.inner), time.Since(start), recorded)
	return err
}

func (i *instrumented) String() string { return Name(i.inner) }

// Wrap is the one composition every supervised process goes through.
func Wrap(p Process, policy RetryPolicy) Process {
	return InfiniteLoop(AutomaticRetry(Instrumented(p), policy))
}
