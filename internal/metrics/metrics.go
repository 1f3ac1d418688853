// Package metrics exposes OTA engine counters on a caller-supplied
// Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "papyrix_ota"

// Unit outcomes.
const (
	UnitAccepted = "accepted"
	UnitReplayed = "replayed"
	UnitRejected = "rejected"
)

// Metrics groups the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	Units        *prometheus.CounterVec
	BytesWritten prometheus.Counter
	Sessions     *prometheus.CounterVec
	StorageOps   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Image units by outcome.",
		}, []string{"outcome"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Image bytes committed to storage.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished upgrade sessions by final state.",
		}, []string{"state"}),
		StorageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_op_seconds",
			Help:      "Duration of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Units, m.BytesWritten, m.Sessions, m.StorageOps)
	}
	return m
}

// Unit counts one unit outcome.
func (m *Metrics) Unit(outcome string) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(outcome).Inc()
}

// Written adds n committed bytes.
func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Session counts a finished session.
func (m *Metrics) Session(state string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(state).Inc()
}

// Observe records the duration of a storage operation started at start.
func (m *Metrics) Observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.StorageOps.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
