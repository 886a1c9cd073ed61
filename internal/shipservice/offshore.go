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

package shipservice

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shipproxy/shipproxy/egress"
	"github.com/shipproxy/shipproxy/internal/metrics"
	"github.com/shipproxy/shipproxy/internal/shipconfig"
)

// Offshore is a fully wired offshore node.
type Offshore struct {
	cfg      *shipconfig.Offshore
	log      *zap.Logger
	listener *egress.Listener
}

// NewOffshore wires an Offshore node from the resolved configuration.
func NewOffshore(cfg *shipconfig.Offshore, reg prometheus.Registerer, log *zap.Logger) *Offshore {
	handler := egress.NewHandler(egress.Options{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Log:                log.Named("egress"),
	})
	listener := egress.NewListener(handler, 0, log.Named("egress"), metrics.New(reg, "offshore"))
	return &Offshore{cfg: cfg, log: log, listener: listener}
}

// Run accepts ship connections until ctx is cancelled or the listener
// fails.
func (o *Offshore) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", o.cfg.BindHost, o.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("shipservice: listen on %s: %w", addr, err)
	}

	o.log.Info("offshore listening for ship connections", zap.String("address", addr))
	return o.listener.Serve(ctx, ln)
}

// Healthy always reports ready: the offshore side has no persistent
// dependency to be unhealthy about between ship connections.
func (o *Offshore) Healthy() error { return nil }
