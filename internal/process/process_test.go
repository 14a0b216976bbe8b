// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package process

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/taskhost/internal/metrics"
)

var fastRetry = RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Initial: time.Second, Max: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{63, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		d := p.Delay(i)
		if d < prev || d > p.Max {
			t.Fatalf("Delay(%d) = %v, want non-decreasing and <= %v", i, d, p.Max)
		}
		prev = d
	}
}

func TestRetryPolicyZeroValue(t *testing.T) {
	t.Parallel()

	var p RetryPolicy
	if got := p.Delay(3); got != time.Second {
		t.Errorf("zero policy Delay(3) = %v, want 1s", got)
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()

	if !Sleep(context.Background(), time.Millisecond) {
		t.Error("Sleep() with live context = false, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if Sleep(ctx, time.Hour) {
		t.Error("Sleep() with canceled context = true, want false")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly on cancellation")
	}
}

func TestAutomaticRetryRecoversFromFailures(t *testing.T) {
	t.Parallel()

	const k = 3
	mock := NewMockProcess("flaky")
	mock.SetFailCount(k)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Wrap(mock, fastRetry).Execute(ctx, Context{}) }()

	waitFor(t, func() bool { return mock.StartCount() >= k+1 })
	select {
	case err := <-done:
		t.Fatalf("loop ended before cancellation: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() after cancel = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	if got := mock.StartCount(); got != k+1 {
		t.Errorf("invocations = %d, want %d", got, k+1)
	}
}

func TestAutomaticRetryRecoversPanics(t *testing.T) {
	t.Parallel()

	mock := NewMockProcess("panicky")
	mock.SetFailCount(2)
	mock.SetPanic("boom")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Wrap(mock, fastRetry).Execute(ctx, Context{}) }()

	waitFor(t, func() bool { return mock.StartCount() >= 3 })
}

func TestCancellationDuringBackoffReturnsPromptly(t *testing.T) {
	t.Parallel()

	mock := NewMockProcess("always-fails")
	mock.SetError(errors.New("storage down"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Wrap(mock, RetryPolicy{Initial: time.Hour, Max: time.Hour}).Execute(ctx, Context{})
	}()

	waitFor(t, func() bool { return mock.StartCount() == 1 })
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation during backoff was not observed")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("returned after %v, want prompt return", elapsed)
	}
	if got := mock.StartCount(); got != 1 {
		t.Errorf("invocations = %d, want 1", got)
	}
}

func TestAutomaticRetryReturnsAfterSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := NewFunc("once", func(context.Context, Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first call fails")
		}
		return nil
	})
	if err := AutomaticRetry(p, fastRetry).Execute(context.Background(), Context{}); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestInfiniteLoopReinvokes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	p := NewFunc("counter", func(context.Context, Context) error {
		if calls.Add(1) == 5 {
			cancel()
		}
		return nil
	})
	if err := InfiniteLoop(p).Execute(ctx, Context{}); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
}

func TestInfiniteLoopStopsOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := NewFunc("broken", func(context.Context, Context) error { return boom })
	if err := InfiniteLoop(p).Execute(context.Background(), Context{}); !errors.Is(err, boom) {
		t.Fatalf("Execute() = %v, want %v", err, boom)
	}
}

func TestInstrumented(t *testing.T) {
	t.Parallel()

	name := "instrumented-test"
	boom := errors.New("boom")
	fail := true
	p := NewFunc(name, func(context.Context, Context) error {
		if fail {
			return boom
		}
		return nil
	})
	wrapped := Instrumented(p)

	_ = wrapped.Execute(context.Background(), Context{})
	fail = false
	_ = wrapped.Execute(context.Background(), Context{})

	if got := testutil.ToFloat64(metrics.ProcessExecutions.WithLabelValues(name)); got != 2 {
		t.Errorf("executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ProcessFailures.WithLabelValues(name)); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestNameAndDecoratorsKeepName(t *testing.T) {
	t.Parallel()

	p := NewFunc("heartbeat", func(context.Context, Context) error { return nil })
	if got := Name(Wrap(p, fastRetry)); got != "heartbeat" {
		t.Errorf("Name(Wrap(p)) = %q, want heartbeat", got)
	}

	type anonymous struct{ Process }
	if got := Name(anonymous{}); got != "process.anonymous" {
		t.Errorf("Name() = %q, want process.anonymous", got)
	}
}

func TestPropertiesServerContext(t *testing.T) {
	t.Parallel()

	props := Properties{
		PropQueues:      []string{"critical", "default"},
		PropWorkerCount: 4,
		"Region":        "eu-west",
	}
	sc := props.ServerContext()
	if sc.WorkerCount != 4 || len(sc.Queues) != 2 || sc.Queues[0] != "critical" {
		t.Errorf("ServerContext() = %+v", sc)
	}

	clone := props.Clone()
	clone[PropQueues].([]string)[0] = "changed"
	if props[PropQueues].([]string)[0] != "critical" {
		t.Error("Clone() shares the Queues slice")
	}

	bad := Properties{PropQueues: "not-a-slice", PropWorkerCount: "4"}
	if sc := bad.ServerContext(); sc.Queues != nil || sc.WorkerCount != 0 {
		t.Errorf("mistyped properties = %+v, want zero value", sc)
	}
}
