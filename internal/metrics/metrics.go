// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for chat traffic.
//
// Collectors live on a private registry so tests and multiple servers in one
// process never collide on the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// LLMBuckets are histogram buckets suited for LLM latencies, 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

const namespace = "ollama_chat"

// Metrics holds every collector. It implements transport.Observer.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	FragmentsTotal   *prometheus.CounterVec
	MalformedTotal   *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RateLimited      prometheus.Counter
	WebsocketClients prometheus.Gauge
}

// New creates and registers all collectors, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat requests by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Chat request duration, streaming included.",
				Buckets:   LLMBuckets,
			},
			[]string{"provider", "stream"},
		),
		FragmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_total",
				Help:      "Text fragments delivered to sinks.",
			},
			[]string{"provider"},
		),
		MalformedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_records_total",
				Help:      "Stream records skipped because they did not parse.",
			},
			[]string{"provider"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed chat requests by error kind.",
			},
			[]string{"provider", "kind"},
		),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Chat streams currently relayed by the server.",
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served by the bridge.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   LLMBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.FragmentsTotal,
		m.MalformedTotal,
		m.ErrorsTotal,
		m.ActiveStreams,
		m.HTTPRequests,
		m.HTTPDuration,
		m.RateLimited,
		m.WebsocketClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished chat request.
func (m *Metrics) ObserveRequest(o transport.Outcome) {
	m.RequestsTotal.WithLabelValues(o.Backend, o.Signal.String()).Inc()
	m.RequestDuration.WithLabelValues(o.Backend, strconv.FormatBool(o.Stream)).Observe(o.Duration.Seconds())
	if o.Stats.Fragments > 0 {
		m.FragmentsTotal.WithLabelValues(o.Backend).Add(float64(o.Stats.Fragments))
	}
	if o.Stats.Malformed > 0 {
		m.MalformedTotal.WithLabelValues(o.Backend).Add(float64(o.Stats.Malformed))
	}
	if o.Signal == stream.SignalFailed {
		m.ErrorsTotal.WithLabelValues(o.Backend, o.Kind.String()).Inc()
	}
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

var _ transport.Observer = (*Metrics)(nil)
