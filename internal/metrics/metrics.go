// Package metrics exposes Prometheus counters for transfer runs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelDirection = "direction"
	LabelOutcome   = "outcome"
	LabelKind      = "kind"
	LabelStatus    = "status"
	LabelVerdict   = "verdict"
)

// Direction label values.
const (
	Upload   = "upload"
	Download = "download"
)

const namespace = "offsite"

// Metrics holds the transfer collectors.
type Metrics struct {
	rangesTotal   *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	rangeDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	itemsTotal    *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	refreshTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them with registry when it is
// not nil.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		rangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "ranges_total",
			Help: "Byte ranges sent or fetched, by outcome",
		}, []string{LabelDirection, LabelOutcome}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "Bytes moved in successful ranges",
		}, []string{LabelDirection}),
		rangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "range_duration_seconds",
			Help:    "Wall time per range including retries",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}, []string{LabelDirection}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "item_retries_total",
			Help: "Items re-queued after an error report",
		}, []string{LabelDirection}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "item_reports_total",
			Help: "Worker outcome reports, by status",
		}, []string{LabelDirection, LabelStatus}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "runs_total",
			Help: "Finished pool runs, by verdict",
		}, []string{LabelDirection, LabelVerdict}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credentials", Name: "refresh_total",
			Help: "Token refresh attempts, by status",
		}, []string{LabelStatus}),
	}
	if registry != nil {
		registry.MustRegister(m.rangesTotal, m.bytesTotal, m.rangeDuration, m.retriesTotal,
			m.itemsTotal, m.runsTotal, m.refreshTotal)
	}
	return m
}

// ObserveRange records one range attempt cycle.
func (m *Metrics) ObserveRange(direction, outcome string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.rangesTotal.WithLabelValues(direction, outcome).Inc()
	if bytes > 0 {
		m.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
	m.rangeDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// ObserveReport records a worker outcome report.
func (m *Metrics) ObserveReport(direction, status string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(direction, status).Inc()
}

// ObserveRetry records an item re-queue.
func (m *Metrics) ObserveRetry(direction string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(direction).Inc()
}

// ObserveRun records the verdict of a finished run.
func (m *Metrics) ObserveRun(direction, verdict string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(direction, verdict).Inc()
}

// ObserveRefresh records a token refresh attempt.
func (m *Metrics) ObserveRefresh(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.refreshTotal.WithLabelValues(status).Inc()
}
