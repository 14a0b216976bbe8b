// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tomtom215/taskhost/internal/validation"
)

// QueueSpec is one parsed entry of ServerConfig.Queues.
type QueueSpec struct {
	Name string
	// MaxWorkers of zero means unlimited.
	MaxWorkers int
}

// QueueSpecs parses the configured queues. An entry is either "name" or
// "name:max_workers".
func (c *ServerConfig) QueueSpecs() ([]QueueSpec, error) {
	specs := make([]QueueSpec, 0, len(c.Queues))
	for _, entry := range c.Queues {
		name, limit, hasLimit := strings.Cut(strings.TrimSpace(entry), ":")
		if !validation.IsQueueName(name) {
			return nil, fmt.Errorf("QUEUES: invalid queue name %q (lowercase letters, digits and underscores)", name)
		}
		spec := QueueSpec{Name: name}
		if hasLimit {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("QUEUES: invalid worker limit %q for queue %s", limit, name)
			}
			spec.MaxWorkers = n
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validate checks struct tags first, then the rules spanning several fields.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	validators := []func() error{
		c.validateServer,
		c.validateStorage,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, err := c.Server.QueueSpecs(); err != nil {
		return err
	}
	if c.Server.ServerTimeout <= c.Server.HeartbeatInterval {
		return fmt.Errorf("SERVER_TIMEOUT (%v) must be greater than HEARTBEAT_INTERVAL (%v)",
			c.Server.ServerTimeout, c.Server.HeartbeatInterval)
	}
	if c.Server.RetryMaxDelay < c.Server.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%v) must not be less than RETRY_INITIAL_DELAY (%v)",
			c.Server.RetryMaxDelay, c.Server.RetryInitialDelay)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when STORAGE_BACKEND=badger")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
		}
		if !strings.HasPrefix(c.Storage.RedisURL, "redis://") && !strings.HasPrefix(c.Storage.RedisURL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss://")
		}
	}
	return nil
}
