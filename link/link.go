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

// Package link owns the single persistent TCP connection from the ship
// to the offshore server, including reconnection with backoff. At most
// one net.Conn is ever live. Manager's guard covers the connection
// field and the state; it is released before EnsureConnected returns
// the connection, so exclusive use during an exchange comes from the
// caller (the multiplexer's single worker), not from the guard.
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shipproxy/shipproxy/internal/metrics"
)

// State is the lifecycle of the ship's link to the offshore server.
type State int

const (
	Disconnected State = iota
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Dialer opens a new connection to the offshore server. Production
// code passes net.Dialer.DialContext; tests substitute a fake.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Manager owns the ship-side socket and its connection state. The zero
// value is not usable; construct with New.
type Manager struct {
	addr        string
	dial        Dialer
	log         *zap.Logger
	maxAttempts int
	metrics     *metrics.Metrics

	mu      sync.Mutex
	state   State
	conn    net.Conn
	attempt int

	group singleflight.Group
}

// Options configures a Manager.
type Options struct {
	// Addr is the offshore host:port to dial.
	Addr string
	// Dial opens the TCP connection. If nil, net.Dialer.DialContext is used.
	Dial Dialer
	// MaxAttempts bounds how many dial attempts EnsureConnected makes
	// before giving up. Zero selects a default of 5.
	MaxAttempts int
	Log         *zap.Logger
	// Metrics records link state transitions. Nil disables instrumentation.
	Metrics *metrics.Metrics
}

// New constructs a Manager in the Disconnected state.
func New(opts Options) *Manager {
	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		dial = d.DialContext
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		addr:        opts.Addr,
		dial:        dial,
		log:         log,
		maxAttempts: maxAttempts,
		metrics:     opts.Metrics,
		state:       Disconnected,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState updates the lifecycle state and reflects it in the link_state
// gauge. Callers must hold m.mu.
func (m *Manager) setState(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.LinkState.Set(float64(s))
	}
}

// backoff computes a capped exponential delay: min(2^attempt, 10)
// seconds, attempt starting at zero.
func backoff(attempt int) time.Duration {
	secs := 1 << attempt
	if secs > 10 || secs <= 0 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

// EnsureConnected returns the current connection if already Connected,
// or dials with exponential backoff otherwise. Concurrent callers
// collapse onto a single in-flight dial via singleflight, satisfying
// the "at most one concurrent reconnection attempt" invariant.
func (m *Manager) EnsureConnected(ctx context.Context) (net.Conn, error) {
	m.mu.Lock()
	if m.state == Connected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.setState(Reconnecting)
	m.mu.Unlock()

	v, err, _ := m.group.Do("connect", func() (any, error) {
		return m.dialWithBackoff(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(net.Conn), nil
}

func (m *Manager) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	m.mu.Lock()
	if m.state == Connected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		m.log.Info("dialing offshore", zap.String("addr", m.addr), zap.Int("attempt", attempt+1))

		conn, err := m.dial(ctx, "tcp", m.addr)
		if err == nil {
			m.mu.Lock()
			m.conn = conn
			m.setState(Connected)
			m.attempt = 0
			m.mu.Unlock()
			m.log.Info("connected to offshore", zap.String("addr", m.addr))
			return conn, nil
		}

		lastErr = err
		m.log.Warn("dial failed", zap.String("addr", m.addr), zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < m.maxAttempts-1 {
			wait := backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				m.mu.Lock()
				m.setState(Disconnected)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
	}

	m.mu.Lock()
	m.setState(Disconnected)
	m.attempt = m.maxAttempts
	m.mu.Unlock()

	return nil, fmt.Errorf("link: exhausted %d reconnection attempts to %s: %w", m.maxAttempts, m.addr, lastErr)
}

// Invalidate closes the current connection, if any, and transitions to
// Disconnected. Safe to call concurrently and idempotent.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.log.Info("invalidating link", zap.String("reason", reason))
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setState(Disconnected)
}
