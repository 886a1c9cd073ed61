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

// Package ingress is the ship-side HTTP proxy listener. It accepts
// browser connections, re-serializes each parsed request in proxy form
// with net/http (which normalizes it, e.g. canonical header names),
// submits those bytes to the multiplexer, and writes the resulting
// response bytes back verbatim.
package ingress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shipproxy/shipproxy/internal/metrics"
	"github.com/shipproxy/shipproxy/multiplexer"
)

// supportedMethods are the proxy methods this listener will forward.
// Any other method is rejected before it ever reaches the multiplexer.
var supportedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodConnect: true,
}

// SubmitWaitTimeout bounds how long a browser connection waits for its
// submission to complete before synthesizing a 504.
const SubmitWaitTimeout = 60 * time.Second

// Listener is the ship's browser-facing HTTP proxy accept loop.
type Listener struct {
	mux     *multiplexer.Multiplexer
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewListener constructs a Listener that submits through mux. metrics may
// be nil to disable instrumentation.
func NewListener(mux *multiplexer.Multiplexer, log *zap.Logger, m *metrics.Metrics) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{mux: mux, log: log, metrics: m}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. Each connection is handled on its own goroutine and touches
// only the multiplexer's Submit/Done API, never the offshore socket
// directly.
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
		go l.handleConn(ctx, conn)
	}
}

// handleConn handles exactly one browser request per accepted
// connection, HTTP/1.0 style: simpler than keep-alive pipelining and
// sufficient since every response already closes the connection.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		l.writeError(conn, "", http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	if !supportedMethods[req.Method] {
		l.writeError(conn, req.Method, http.StatusBadRequest, "Bad Request", fmt.Sprintf("unsupported method %q", req.Method))
		return
	}

	var raw bytes.Buffer
	if err := req.WriteProxy(&raw); err != nil {
		l.writeError(conn, req.Method, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	sub := multiplexer.NewSubmission(raw.Bytes())
	logger := l.log.With(zap.String("submission_id", sub.ID), zap.String("method", req.Method), zap.String("target", req.RequestURI))

	if err := l.mux.Submit(sub); err != nil {
		logger.Warn("rejecting request, queue full", zap.Error(err))
		l.writeError(conn, req.Method, http.StatusServiceUnavailable, "Service Unavailable", "too many in-flight requests")
		return
	}

	select {
	case <-sub.Done():
		l.deliver(conn, req.Method, sub, logger)
	case <-time.After(SubmitWaitTimeout):
		logger.Warn("submission timed out")
		l.writeError(conn, req.Method, http.StatusGatewayTimeout, "Gateway Timeout", "timed out waiting for offshore response")
	case <-ctx.Done():
	}
}

// deliver writes the submission's outcome back to the browser verbatim
// on success, or synthesizes an error status on failure.
func (l *Listener) deliver(conn net.Conn, method string, sub *multiplexer.Submission, logger *zap.Logger) {
	if sub.Err != nil {
		logger.Warn("submission failed", zap.Error(sub.Err))
		switch {
		case errors.Is(sub.Err, multiplexer.ErrLinkUnavailable),
			errors.Is(sub.Err, multiplexer.ErrSendFailed),
			errors.Is(sub.Err, multiplexer.ErrInvalidResponse):
			l.writeError(conn, method, http.StatusBadGateway, "Bad Gateway", sub.Err.Error())
		default:
			l.writeError(conn, method, http.StatusInternalServerError, "Internal Server Error", sub.Err.Error())
		}
		return
	}

	logger.Debug("delivering response", zap.Int("bytes", len(sub.Response)))
	l.recordRequest(method, statusCodeOf(sub.Response))
	if _, err := conn.Write(sub.Response); err != nil {
		logger.Warn("failed writing response to browser", zap.Error(err))
	}
}

// recordRequest updates the requests_total counter, if metrics are wired.
func (l *Listener) recordRequest(method string, code int) {
	if l.metrics != nil {
		l.metrics.RequestsTotal.WithLabelValues(metrics.SanitizeMethod(method), metrics.SanitizeCode(code)).Inc()
	}
}

// statusCodeOf extracts the numeric status code from the start of a raw
// "HTTP/1.1 NNN reason" response, defaulting to 502 if it can't be parsed.
func statusCodeOf(resp []byte) int {
	line := resp
	if i := bytes.IndexByte(resp, '\n'); i >= 0 {
		line = resp[:i]
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return http.StatusBadGateway
	}
	code, err := strconv.Atoi(string(bytes.TrimSpace(parts[1])))
	if err != nil {
		return http.StatusBadGateway
	}
	return code
}

// writeError synthesizes a minimal HTTP error response directly to the
// browser connection.
func (l *Listener) writeError(conn net.Conn, method string, status int, reason, detail string) {
	l.recordRequest(method, status)
	body := detail + "\n"
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
	_, _ = conn.Write([]byte(resp))
}
