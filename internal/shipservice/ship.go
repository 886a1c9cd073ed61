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

// Package shipservice wires together the ship binary's components:
// the offshore link, the request multiplexer, and the browser-facing
// ingress listener (the admin server is built by the binary itself). It
// owns its dependencies
// directly rather than through package-level state, so a process can
// (in tests, at least) run more than one Service.
package shipservice

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shipproxy/shipproxy/ingress"
	"github.com/shipproxy/shipproxy/internal/metrics"
	"github.com/shipproxy/shipproxy/internal/shipconfig"
	"github.com/shipproxy/shipproxy/link"
	"github.com/shipproxy/shipproxy/multiplexer"
)

// Service is a fully wired ship node.
type Service struct {
	cfg *shipconfig.Ship
	log *zap.Logger

	linkMgr  *link.Manager
	mux      *multiplexer.Multiplexer
	listener *ingress.Listener
}

// New wires a Service from the resolved configuration.
func New(cfg *shipconfig.Ship, reg prometheus.Registerer, log *zap.Logger) *Service {
	m := metrics.New(reg, "ship")
	linkMgr := link.New(link.Options{
		Addr:    fmt.Sprintf("%s:%d", cfg.OffshoreHost, cfg.OffshorePort),
		Log:     log.Named("link"),
		Metrics: m,
	})
	mux := multiplexer.New(multiplexer.Options{
		Link:          linkMgr,
		QueueCapacity: cfg.QueueCapacity,
		Log:           log.Named("multiplexer"),
		Metrics:       m,
	})
	listener := ingress.NewListener(mux, log.Named("ingress"), m)

	return &Service{
		cfg:      cfg,
		log:      log,
		linkMgr:  linkMgr,
		mux:      mux,
		listener: listener,
	}
}

// Run connects to offshore, then starts the multiplexer worker and the
// browser-facing listener, and blocks until ctx is cancelled or the
// listener fails. It returns an error without accepting any browser
// connections if offshore cannot be reached, matching the original
// client's refusal to start serving against a dead backend.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.linkMgr.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("shipservice: initial connection to offshore: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("shipservice: listen on port %d: %w", s.cfg.ListenPort, err)
	}

	go s.mux.Run(ctx)

	s.log.Info("ship listening for browser connections",
		zap.Int("port", s.cfg.ListenPort),
		zap.String("offshore", s.linkMgr.State().String()))

	err = s.listener.Serve(ctx, ln)
	s.mux.Wait()
	return err
}

// Healthy reports whether the link to offshore is usable. It is
// intended for the admin server's /healthz endpoint.
func (s *Service) Healthy() error {
	if s.linkMgr.State() == link.Disconnected {
		return fmt.Errorf("shipservice: link to offshore is down")
	}
	return nil
}
