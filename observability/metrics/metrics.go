package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RPCMetrics records JSON-RPC activity segmented by method and outcome.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	rpcOnce     sync.Once
	rpcRegistry *RPCMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// RPC returns the lazily-initialised RPC metrics registry.
func RPC() *RPCMetrics {
	rpcOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobgateway",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobgateway",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jobgateway",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one completed request.
func (m *RPCMetrics) Observe(method string, errCode string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errCode != "" {
		outcome = "error"
		m.errors.WithLabelValues(method, errCode).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// SettlementMetrics tracks order lifecycle transitions.
type SettlementMetrics struct {
	transitions *prometheus.CounterVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobgateway",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Order lifecycle transitions segmented by resulting event type.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(settlementRegistry.transitions)
	})
	return settlementRegistry
}

// RecordEvent counts one emitted settlement event.
func (m *SettlementMetrics) RecordEvent(eventType string) {
	if m == nil || eventType == "" {
		return
	}
	m.transitions.WithLabelValues(eventType).Inc()
}

// Handler exposes the default prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
