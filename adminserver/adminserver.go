// Copyright 2024 The Ship Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package adminserver is the small HTTP server each binary exposes
// for operators: a liveness probe at /healthz and a Prometheus
// exposition endpoint at /metrics. It is entirely separate from the
// proxy's own listeners and can be disabled by passing an empty
// address.
package adminserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthFunc reports whether the process is healthy. A nil func is
// treated as always healthy.
type HealthFunc func() error

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New constructs a Server bound to addr, serving /healthz against
// healthy and /metrics against reg. If addr is empty, Start is a no-op
// and Server serves nothing, per the "empty address disables it"
// convention shared by both binaries.
func New(addr string, reg *prometheus.Registry, healthy HealthFunc, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if healthy == nil {
		healthy = func() error { return nil }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := healthy(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v\n", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok\n")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var httpServer *http.Server
	if addr != "" {
		httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	return &Server{httpServer: httpServer, log: log}
}

// Start runs the admin server until ctx is cancelled or the listener
// fails. It returns immediately with nil if the server was configured
// with an empty address.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("adminserver: listen on %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("admin server listening", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("adminserver: serve: %w", err)
	}
	return nil
}
