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

package egress

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/shipproxy/shipproxy/frame"
	"github.com/shipproxy/shipproxy/internal/metrics"
)

// Listener accepts connections from the ship (in practice exactly one
// at a time, though nothing here forbids more) and runs a
// read-frame/process/write-frame loop on each.
type Listener struct {
	handler    *Handler
	log        *zap.Logger
	maxPayload uint32
	metrics    *metrics.Metrics
}

// NewListener constructs a Listener around the given Handler. metrics
// may be nil to disable instrumentation.
func NewListener(handler *Handler, maxPayload uint32, log *zap.Logger, metrics *metrics.Metrics) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{handler: handler, maxPayload: maxPayload, log: log, metrics: metrics}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. Each connection is handled on its own goroutine.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		l.log.Info("ship connected", zap.String("remote", conn.RemoteAddr().String()))
		go l.handleConn(ctx, conn)
	}
}

// handleConn loops reading REQUEST frames and writing one RESPONSE
// frame per request, until EOF or a protocol breakage, at which point
// the connection is torn down. An unexpected frame type tears down the
// connection rather than being skipped: a length-prefixed stream has
// no resynchronization point once a frame boundary is misread, so
// continuing would desynchronize every frame after it.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		typ, payload, err := frame.ReadFrame(conn, l.maxPayload)
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.log.Info("ship disconnected", zap.String("remote", remote))
			} else {
				l.log.Warn("frame read error, closing connection", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		l.countFrame("read", typ)
		if typ != frame.Request {
			l.log.Warn("unexpected frame type from ship, closing connection",
				zap.String("remote", remote), zap.Stringer("type", typ))
			return
		}

		respPayload := l.handler.Handle(ctx, payload)

		if err := frame.WriteFrame(conn, frame.Response, respPayload); err != nil {
			l.log.Warn("frame write error, closing connection", zap.String("remote", remote), zap.Error(err))
			return
		}
		l.countFrame("write", frame.Response)
	}
}

func (l *Listener) countFrame(direction string, typ frame.Type) {
	if l.metrics != nil {
		l.metrics.FramesTotal.WithLabelValues(direction, typ.String()).Inc()
	}
}
