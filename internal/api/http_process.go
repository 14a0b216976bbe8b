// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/taskhost/internal/logging"
	"github.com/tomtom215/taskhost/internal/process"
)

// HTTPServer is the part of *http.Server HTTPProcess drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPProcess runs an HTTP server as a supervised process. ListenAndServe
// runs until ctx is canceled, then the server is shut down gracefully
// within shutdownTimeout. A listen failure is returned so the retry
// decorator can back off and try again.
type HTTPProcess struct {
	server          HTTPServer
	addr            string
	shutdownTimeout time.Duration
}

// NewHTTPProcess wraps srv. A non-positive shutdownTimeout means 10s.
func NewHTTPProcess(srv *http.Server, shutdownTimeout time.Duration) *HTTPProcess {
	p := newHTTPProcess(srv, shutdownTimeout)
	p.addr = srv.Addr
	return p
}

func newHTTPProcess(srv HTTPServer, shutdownTimeout time.Duration) *HTTPProcess {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPProcess{server: srv, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPProcess) String() string { return "http-api" }

func (h *HTTPProcess) Execute(ctx context.Context, _ process.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Ctx(ctx).Info().Str("addr", h.addr).Msg("HTTP API listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("HTTP API shutdown incomplete")
		}
		<-errCh
		return nil
	}
}
