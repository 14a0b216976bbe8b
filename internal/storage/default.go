// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package storage

import "sync"

var (
	defaultMu      sync.RWMutex
	defaultStorage JobStorage
)

// SetDefault registers the process-wide default storage. It is meant to be
// called once from main; server.New falls back to it when given nil.
func SetDefault(js JobStorage) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStorage = js
}

// Default returns the storage registered with SetDefault, or ErrNoDefault.
func Default() (JobStorage, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultStorage == nil {
		return nil, ErrNoDefault
	}
	return defaultStorage, nil
}
