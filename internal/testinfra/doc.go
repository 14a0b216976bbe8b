// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

// Package testinfra starts throwaway containers for integration tests.
//
// Everything here is behind the integration build tag:
//
//	go test -tags integration ./...
//
// # Redis Container
//
//	func TestAgainstRedis(t *testing.T) {
//	    url := testinfra.StartRedis(t)
//	    store, err := redisstore.Open(ctx, redisstore.Config{URL: url})
//	    ...
//	}
//
// Tests are skipped when Docker is unavailable. The first run may need to
// pull the image.
package testinfra
