// Package metrics exposes pipeline counters on a private Prometheus registry.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reading outcomes used as the outcome label of coldroom_readings_total.
const (
	OutcomePersisted     = "persisted"
	OutcomeRejectedInput = "rejected_input"
	OutcomeRejectedStore = "rejected_store"
)

type Metrics struct {
	registry *prometheus.Registry

	readingsTotal    *prometheus.CounterVec
	persistDuration  prometheus.Histogram
	persistRetries   prometheus.Counter
	broadcastDropped prometheus.Counter
	observers        prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_readings_total",
			Help: "Readings that reached a terminal state, by origin and outcome.",
		}, []string{"origin", "outcome"}),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldroom_persist_duration_seconds",
			Help:    "Time spent persisting one reading, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldroom_persist_retries_total",
			Help: "Persist attempts that were retried after a failure.",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldroom_broadcast_dropped_total",
			Help: "Events discarded from a full observer queue.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coldroom_observers",
			Help: "Currently connected broadcast observers.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldroom_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readingsTotal,
		m.persistDuration,
		m.persistRetries,
		m.broadcastDropped,
		m.observers,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests that gather values directly.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Reading(origin, outcome string) {
	if m == nil {
		return
	}
	m.readingsTotal.WithLabelValues(origin, outcome).Inc()
}

func (m *Metrics) PersistDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(d.Seconds())
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

func (m *Metrics) ObserverJoined() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverLeft() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush and Hijack keep the push channels (SSE, WebSocket) working behind
// the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler counts requests to route by final status.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
