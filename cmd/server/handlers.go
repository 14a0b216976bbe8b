// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/taskhost/internal/execution"
	"github.com/tomtom215/taskhost/internal/logging"
)

// maxSleep caps the sleep job so a typo cannot park a worker for hours.
const maxSleep = 10 * time.Minute

type logArgs struct {
	Message string `json:"message"`
}

type sleepArgs struct {
	Duration string `json:"duration"`
}

// builtinHandlers registers the job types every taskhost instance serves.
func builtinHandlers() *execution.Registry {
	r := execution.NewRegistry()
	r.Register("noop", func(context.Context, json.RawMessage) error { return nil })
	r.Register("log", logJob)
	r.Register("sleep", sleepJob)
	return r
}

// decodeArgs treats a missing payload as zero arguments.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return execution.Permanent(fmt.Errorf("decode args: %w", err))
	}
	return nil
}

func logJob(ctx context.Context, raw json.RawMessage) error {
	var args logArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().Str("message", args.Message).Msg("Log job")
	return nil
}

func sleepJob(ctx context.Context, raw json.RawMessage) error {
	var args sleepArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	d, err := time.ParseDuration(args.Duration)
	if err != nil || d < 0 || d > maxSleep {
		return execution.Permanent(fmt.Errorf("invalid sleep duration %q", args.Duration))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
