// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rebuilds      *prometheus.CounterVec
	invalidations prometheus.Counter
	peers         prometheus.Gauge
	tokens        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	proxied       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustproxy_directory_rebuilds_total",
		Help: "Trusted-peer directory rebuilds by result (complete, degraded, stale, unavailable).",
	}, []string{"result"})
	m.invalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustproxy_directory_invalidations_total",
		Help: "Number of times the trusted-peer directory was cleared.",
	})
	m.peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trustproxy_directory_peers",
		Help: "Trusted peers in the current directory generation.",
	})
	m.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustproxy_token_requests_total",
		Help: "Trust token requests to the local authority by result (issued, unavailable).",
	}, []string{"result"})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustproxy_requests_total",
		Help: "Inbound requests by operation and response code.",
	}, []string{"operation", "code"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustproxy_request_duration_seconds",
		Help:    "Inbound request latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	m.proxied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustproxy_proxy_requests_total",
		Help: "Write-path requests by mode (target, passthrough) and result (relayed, not_trusted, no_token, failed, rejected).",
	}, []string{"mode", "result"})

	if reg != nil {
		reg.MustRegister(
			m.rebuilds,
			m.invalidations,
			m.peers,
			m.tokens,
			m.requests,
			m.duration,
			m.proxied,
		)
	}
	return m
}

func (m *Metrics) rebuild(result string, peers int) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(result).Inc()
	if result == rebuildComplete || result == rebuildDegraded {
		m.peers.Set(float64(peers))
	}
}

func (m *Metrics) invalidated() {
	if m == nil {
		return
	}
	m.invalidations.Inc()
	m.peers.Set(0)
}

func (m *Metrics) token(issued bool) {
	if m == nil {
		return
	}
	result := "issued"
	if !issued {
		result = "unavailable"
	}
	m.tokens.WithLabelValues(result).Inc()
}

func (m *Metrics) request(operation string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Write-path results, as reported in metrics.
const (
	proxyRelayed    = "relayed"
	proxyNotTrusted = "not_trusted"
	proxyNoToken    = "no_token"
	proxyFailed     = "failed"
	proxyRejected   = "rejected"
)

func (m *Metrics) proxy(mode, result string) {
	if m == nil {
		return
	}
	m.proxied.WithLabelValues(mode, result).Inc()
}

// proxyResult classifies the outcome of a write-path request.
func proxyResult(err error) string {
	switch {
	case err == nil:
		return proxyRelayed
	case errors.Is(err, ErrPeerUnknown):
		return proxyNotTrusted
	case errors.Is(err, ErrCredentialUnavailable):
		return proxyNoToken
	case errors.Is(err, ErrUpstreamTransport):
		return proxyFailed
	}
	return proxyRejected
}
