// Package metrics exposes prometheus collectors for ticks, deliveries and
// gateway latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"herald/internal/task"
)

type Metrics struct {
	reg prometheus.Gatherer

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	deliveries   *prometheus.CounterVec
	suppressions *prometheus.CounterVec
	sendSeconds  *prometheus.HistogramVec
}

// New registers the herald collectors on reg. A nil reg uses a fresh
// registry, which keeps tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_ticks_total",
			Help: "Scheduler ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Gateway attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		suppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_suppressions_total",
			Help: "Policy suppressions and deferrals by reason.",
		}, []string{"reason"}),
		sendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_gateway_send_seconds",
			Help:    "Gateway send latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	reg.MustRegister(m.ticks, m.tickDuration, m.deliveries, m.suppressions, m.sendSeconds)
	return m
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// ObserveSend implements delivery.Observer.
func (m *Metrics) ObserveSend(channel task.Channel, outcome task.Outcome, elapsed time.Duration) {
	m.deliveries.WithLabelValues(string(channel), string(outcome)).Inc()
	m.sendSeconds.WithLabelValues(string(channel)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTick(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSkippedTick() {
	m.ticks.WithLabelValues("skipped").Inc()
}

func (m *Metrics) ObserveSuppressed(reason task.Reason) {
	m.suppressions.WithLabelValues(string(reason)).Inc()
}
