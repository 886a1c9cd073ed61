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

// Package metrics holds the Prometheus collectors shared by the ship
// and offshore binaries. Unlike a package-level registry, each Metrics
// value owns its own collectors and is registered against a caller-
// supplied prometheus.Registerer, so tests can use their own registry
// instead of the global default.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shipproxy"

// Metrics is the set of counters and gauges tracked by one process
// (either the ship or the offshore binary).
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration prometheus.Histogram
	QueueDepth         prometheus.Gauge
	LinkReconnects     prometheus.Counter
	LinkState          prometheus.Gauge
	FramesTotal        *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
}

// New constructs and registers a Metrics against reg. subsystem
// distinguishes "ship" from "offshore" so both can share one registry
// in tests without colliding.
func New(reg prometheus.Registerer, subsystem string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submissions_total",
			Help:      "Requests submitted to the multiplexer, labeled by outcome.",
		}, []string{"outcome"}),
		SubmissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submission_duration_seconds",
			Help:      "Time from dequeue to completion of a submission's link exchange, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Submissions currently queued awaiting the link worker.",
		}),
		LinkReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_reconnects_total",
			Help:      "Number of forced reconnects after a failed request write.",
		}),
		LinkState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_state",
			Help:      "Current link state: 0=disconnected, 1=connected, 2=reconnecting.",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Frames written or read on the link, labeled by direction and type.",
		}, []string{"direction", "type"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Browser-facing requests handled, labeled by sanitized method and response code.",
		}, []string{"method", "code"}),
	}
}

// SanitizeCode normalizes an HTTP status code for use as a metric
// label, treating the zero value as 200.
func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod normalizes the method for use as a metric label,
// collapsing anything outside the regular HTTP method set to "OTHER"
// to keep cardinality bounded.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}
	return "OTHER"
}
