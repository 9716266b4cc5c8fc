// Package metrics exposes Prometheus collectors for signing and verification.
//
// All methods are safe on a nil *Metrics, so callers can leave metrics
// unconfigured.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "doseta"

// Metrics holds the collectors.
type Metrics struct {
	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	signaturesTotal      *prometheus.CounterVec
	keyLookupsTotal      *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "verifications_total",
				Help:      "Policy verifications by status and signature algorithm",
			},
			[]string{"status", "algorithm"},
		),
		verificationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "verification_duration_seconds",
				Help:      "Time spent applying one verification policy",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		signaturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "signatures_total",
				Help:      "Signatures produced by algorithm and result",
			},
			[]string{"algorithm", "result"},
		),
		keyLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "key_lookups_total",
				Help:      "Public key lookups by result",
			},
			[]string{"result"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Requests seen by the verification middleware by overall status",
			},
			[]string{"status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time spent verifying a request in the middleware",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.verificationsTotal,
		m.verificationDuration,
		m.signaturesTotal,
		m.keyLookupsTotal,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordVerification records the outcome of one policy. The caller must
// pass a bounded algorithm value, never one taken unchecked from a message.
func (m *Metrics) RecordVerification(status, algorithm string, d time.Duration) {
	if m == nil {
		return
	}
	m.verificationsTotal.WithLabelValues(status, algorithm).Inc()
	if d > 0 {
		m.verificationDuration.Observe(d.Seconds())
	}
}

// RecordSignature records a signing attempt.
func (m *Metrics) RecordSignature(algorithm string, err error) {
	if m == nil {
		return
	}
	m.signaturesTotal.WithLabelValues(algorithm, result(err)).Inc()
}

// RecordKeyLookup records a key repository lookup.
func (m *Metrics) RecordKeyLookup(err error) {
	if m == nil {
		return
	}
	m.keyLookupsTotal.WithLabelValues(result(err)).Inc()
}

// RecordHTTPRequest records a request handled by the middleware.
func (m *Metrics) RecordHTTPRequest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(status).Inc()
	m.httpRequestDuration.WithLabelValues(status).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
