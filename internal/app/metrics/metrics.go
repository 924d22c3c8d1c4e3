// Package metrics provides Prometheus metrics collection for the twin layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Transition metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	LockConflictsTotal prometheus.Counter
	NoopCommitsTotal   prometheus.Counter

	// Script metrics
	ScriptRunsTotal   *prometheus.CounterVec
	ScriptRunDuration prometheus.Histogram

	// Event log metrics
	EventsConsumedTotal  *prometheus.CounterVec
	EventsPublishedTotal prometheus.Counter

	// Waker metrics
	WakerScansTotal   prometheus.Counter
	WakeupsTotal      prometheus.Counter
	WakerScanDuration prometheus.Histogram

	// Downstream delivery
	NotificationsTotal   prometheus.Counter
	CommandsTotal        prometheus.Counter
	OutboxDeliveredTotal prometheus.Counter
	DeliveryErrorsTotal  *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twin_transitions_total",
				Help: "Total state transitions by outcome",
			},
			[]string{"outcome"},
		),
		TransitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twin_transition_duration_seconds",
				Help:    "State transition duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		LockConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_lock_conflicts_total",
			Help: "Optimistic lock conflicts during commit",
		}),
		NoopCommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_noop_commits_total",
			Help: "Transitions that produced no state change",
		}),
		ScriptRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twin_script_runs_total",
				Help: "Script invocations by outcome",
			},
			[]string{"outcome"},
		),
		ScriptRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twin_script_run_duration_seconds",
			Help:    "Script invocation duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twin_events_consumed_total",
				Help: "Events consumed from the mutation log by result",
			},
			[]string{"result"},
		),
		EventsPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_events_published_total",
			Help: "Events published to the mutation log",
		}),
		WakerScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_waker_scans_total",
			Help: "Waker index scans",
		}),
		WakeupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_wakeups_total",
			Help: "Wakeup events injected",
		}),
		WakerScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twin_waker_scan_duration_seconds",
			Help:    "Waker scan duration",
			Buckets: prometheus.DefBuckets,
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_notifications_total",
			Help: "Change notifications published",
		}),
		CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_commands_total",
			Help: "Device commands emitted",
		}),
		OutboxDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twin_outbox_delivered_total",
			Help: "Outbox entries delivered to the mutation log",
		}),
		DeliveryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twin_delivery_errors_total",
				Help: "Downstream delivery failures by target",
			},
			[]string{"target"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.TransitionsTotal, m.TransitionDuration, m.LockConflictsTotal, m.NoopCommitsTotal,
			m.ScriptRunsTotal, m.ScriptRunDuration,
			m.EventsConsumedTotal, m.EventsPublishedTotal,
			m.WakerScansTotal, m.WakeupsTotal, m.WakerScanDuration,
			m.NotificationsTotal, m.CommandsTotal, m.OutboxDeliveredTotal, m.DeliveryErrorsTotal,
		)
	}
	return m
}

// Nop returns an unregistered instance for tests.
func Nop() *Metrics {
	return NewWithRegistry(nil)
}

// ObserveTransition records one transition.
func (m *Metrics) ObserveTransition(eventType string, outcome string, d time.Duration) {
	m.TransitionsTotal.WithLabelValues(outcome).Inc()
	m.TransitionDuration.WithLabelValues(eventType).Observe(d.Seconds())
}
