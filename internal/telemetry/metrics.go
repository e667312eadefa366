// Package telemetry provides Prometheus instrumentation for gated.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the pipeline core.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	EventsAppended  prometheus.Counter
	Subscribers     prometheus.Gauge
	BufferedEvents  prometheus.Gauge
	PipelinesSwept  prometheus.Counter
	ValidatorsRun   *prometheus.CounterVec
	StoreRetries    prometheus.Counter
}

// NewMetrics creates and registers the gated collectors on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a
// fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gated_runs_started_total",
			Help: "Number of validation runs started.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_runs_finished_total",
			Help: "Number of validation runs finished, by terminal status.",
		}, []string{"status"}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gated_events_appended_total",
			Help: "Number of pipeline events appended to the event log.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gated_event_subscribers",
			Help: "Number of live event stream subscribers.",
		}),
		BufferedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gated_buffered_events",
			Help: "Total events currently buffered across all pipelines.",
		}),
		PipelinesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gated_pipelines_swept_total",
			Help: "Number of pipeline buffers evicted by the retention sweep.",
		}),
		ValidatorsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_validators_run_total",
			Help: "Number of validator invocations, by result status.",
		}, []string{"status"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gated_store_retries_total",
			Help: "Number of retried persistence calls.",
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.EventsAppended,
		m.Subscribers,
		m.BufferedEvents,
		m.PipelinesSwept,
		m.ValidatorsRun,
		m.StoreRetries,
	)
	return m
}

// NewTestMetrics returns metrics registered on a private registry,
// for use in tests that need a *Metrics but not scraping.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
