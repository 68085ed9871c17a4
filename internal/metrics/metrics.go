// Package metrics defines the Prometheus instrumentation shared by the
// orchestrator and the healing controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. All fields are safe for concurrent use.
type Metrics struct {
	// JobsTotal counts jobs by terminal state.
	JobsTotal *prometheus.CounterVec

	// HealingActions counts healing decisions by error class and the
	// action taken.
	HealingActions *prometheus.CounterVec

	// BytesTransferred counts content bytes written to disk.
	BytesTransferred prometheus.Counter

	// ActiveDownloads tracks jobs currently in the Downloading state.
	ActiveDownloads prometheus.Gauge

	// QueueDepth tracks jobs waiting for a worker slot.
	QueueDepth prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snag_jobs_total",
			Help: "Jobs finished, by terminal state.",
		}, []string{"state"}),
		HealingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snag_healing_actions_total",
			Help: "Healing decisions, by error class and action taken.",
		}, []string{"class", "action"}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snag_bytes_transferred_total",
			Help: "Content bytes written to local storage.",
		}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snag_active_downloads",
			Help: "Jobs currently downloading.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snag_queue_depth",
			Help: "Jobs waiting for a worker slot.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.HealingActions,
		m.BytesTransferred,
		m.ActiveDownloads,
		m.QueueDepth,
	)
	return m
}
