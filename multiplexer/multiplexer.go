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

// Package multiplexer serializes many concurrent browser-side requests
// onto the single ship<->offshore link. A single worker goroutine is
// the only party that reads or writes the link's net.Conn; FIFO order
// on the wire is therefore a structural guarantee rather than
// something requiring a correlation ID.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shipproxy/shipproxy/frame"
	"github.com/shipproxy/shipproxy/internal/metrics"
	"github.com/shipproxy/shipproxy/link"
)

// Sentinel errors surfaced on a Submission's outcome. Callers map
// these to HTTP status codes when synthesizing a response.
var (
	ErrLinkUnavailable = errors.New("multiplexer: link unavailable")
	ErrSendFailed       = errors.New("multiplexer: failed to send request")
	ErrInvalidResponse  = errors.New("multiplexer: invalid or missing response")
	ErrQueueFull        = errors.New("multiplexer: submission queue is full")
)

// Submission is one in-flight browser request awaiting its turn on the
// link. Exactly one of {Response delivered, Err set} occurs before done
// is closed.
type Submission struct {
	ID      string
	Request []byte

	done     chan struct{}
	once     sync.Once
	Response []byte
	Err      error
}

// NewSubmission creates a Submission carrying the given raw request
// bytes, tagged with a fresh UUID for log correlation.
func NewSubmission(request []byte) *Submission {
	return &Submission{
		ID:      uuid.NewString(),
		Request: request,
		done:    make(chan struct{}),
	}
}

// Done returns a channel that's closed once exactly one outcome has
// been assigned.
func (s *Submission) Done() <-chan struct{} { return s.done }

func (s *Submission) complete(resp []byte, err error) {
	s.once.Do(func() {
		s.Response = resp
		s.Err = err
		close(s.done)
	})
}

// Multiplexer owns the submission queue and the single worker
// goroutine that drains it onto the link, one request/response
// exchange at a time.
type Multiplexer struct {
	link        *link.Manager
	queue       chan *Submission
	log         *zap.Logger
	maxPayload  uint32
	metrics     *metrics.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures a Multiplexer.
type Options struct {
	Link *link.Manager
	// QueueCapacity bounds the number of submissions awaiting the
	// worker. Zero selects a default of 256. Bounding it lets Submit
	// shed load with ErrQueueFull instead of growing without limit.
	QueueCapacity int
	MaxPayload    uint32
	Log           *zap.Logger
	// Metrics records submission outcomes and queue depth. Nil disables
	// instrumentation.
	Metrics *metrics.Metrics
}

// New constructs a Multiplexer. Call Run to start its worker.
func New(opts Options) *Multiplexer {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Multiplexer{
		link:       opts.Link,
		queue:      make(chan *Submission, capacity),
		log:        log,
		maxPayload: opts.MaxPayload,
		metrics:    opts.Metrics,
		stop:       make(chan struct{}),
	}
}

// Submit enqueues a submission without blocking on the link. It
// returns ErrQueueFull immediately if the queue is at capacity; it
// never blocks waiting for the worker to drain. The caller should wait
// on sub.Done() with its own timeout.
func (m *Multiplexer) Submit(sub *Submission) error {
	select {
	case m.queue <- sub:
		if m.metrics != nil {
			m.metrics.QueueDepth.Set(float64(len(m.queue)))
		}
		return nil
	default:
		if m.metrics != nil {
			m.metrics.SubmissionsTotal.WithLabelValues("queue_full").Inc()
		}
		return ErrQueueFull
	}
}

// Run starts the worker loop and blocks until ctx is cancelled. The
// worker drains the queue with a short poll interval so cancellation
// remains responsive.
func (m *Multiplexer) Run(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-m.queue:
			m.process(ctx, sub)
		case <-time.After(time.Second):
			// periodic wakeup keeps shutdown observable even when idle
		}
	}
}

// Wait blocks until the worker goroutine started by Run has returned.
func (m *Multiplexer) Wait() { m.wg.Wait() }

// process runs one submission's request/response exchange on the link:
// write the request frame, read back exactly one response frame, and
// complete the submission with whichever outcome results.
func (m *Multiplexer) process(ctx context.Context, sub *Submission) {
	logger := m.log.With(zap.String("submission_id", sub.ID))
	start := time.Now()
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(len(m.queue)))
		defer func() { m.metrics.SubmissionDuration.Observe(time.Since(start).Seconds()) }()
	}

	conn, err := m.link.EnsureConnected(ctx)
	if err != nil {
		logger.Warn("link unavailable", zap.Error(err))
		m.completeWithMetric(sub, nil, fmt.Errorf("%w: %v", ErrLinkUnavailable, err), "link_unavailable")
		return
	}

	conn, err = m.sendWithRetry(ctx, conn, sub, logger)
	if err != nil {
		m.completeWithMetric(sub, nil, err, "send_failed")
		return
	}

	typ, payload, err := frame.ReadFrame(conn, m.maxPayload)
	if err != nil {
		logger.Warn("read failed, tearing down link", zap.Error(err))
		m.link.Invalidate("read failure")
		m.completeWithMetric(sub, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err), "invalid_response")
		return
	}
	m.countFrame("read", typ)
	if typ != frame.Response {
		logger.Warn("unexpected frame type, tearing down link", zap.Stringer("type", typ))
		m.link.Invalidate("unexpected frame type")
		m.completeWithMetric(sub, nil, fmt.Errorf("%w: got frame type %s", ErrInvalidResponse, typ), "invalid_response")
		return
	}

	logger.Debug("response received", zap.Int("bytes", len(payload)))
	m.completeWithMetric(sub, payload, nil, "success")
}

func (m *Multiplexer) completeWithMetric(sub *Submission, resp []byte, err error, outcome string) {
	if m.metrics != nil {
		m.metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	}
	sub.complete(resp, err)
}

// sendWithRetry writes the REQUEST frame, retrying once after a forced
// reconnect on I/O failure. It returns the connection the frame was
// actually written to, which the caller must use for the matching read.
func (m *Multiplexer) sendWithRetry(ctx context.Context, conn net.Conn, sub *Submission, logger *zap.Logger) (net.Conn, error) {
	if err := frame.WriteFrame(conn, frame.Request, sub.Request); err == nil {
		m.countFrame("write", frame.Request)
		return conn, nil
	} else {
		logger.Warn("write failed, reconnecting for one retry", zap.Error(err))
	}

	m.link.Invalidate("write failure")
	if m.metrics != nil {
		m.metrics.LinkReconnects.Inc()
	}
	newConn, err := m.link.EnsureConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := frame.WriteFrame(newConn, frame.Request, sub.Request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	m.countFrame("write", frame.Request)
	return newConn, nil
}

func (m *Multiplexer) countFrame(direction string, typ frame.Type) {
	if m.metrics != nil {
		m.metrics.FramesTotal.WithLabelValues(direction, typ.String()).Inc()
	}
}
