// Package metrics exports pipeline statistics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/gatekeeper/internal/events"
)

const namespace = "gatekeeper"

// Stats is the manager's StatsSink backed by Prometheus collectors.
type Stats struct {
	registry *prometheus.Registry

	CurrentChanges  *prometheus.GaugeVec
	TotalChanges    *prometheus.CounterVec
	ResidentTime    *prometheus.HistogramVec
	EventProcessing *prometheus.HistogramVec
	EventElapsed    *prometheus.HistogramVec
	ItemEvents      *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Stats{
		registry: reg,
		CurrentChanges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_changes",
				Help:      "Number of items currently in a pipeline",
			},
			[]string{"tenant", "pipeline"},
		),
		TotalChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "total_changes",
				Help:      "Number of items that left a pipeline",
			},
			[]string{"tenant", "pipeline", "project", "branch"},
		),
		ResidentTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resident_time_seconds",
				Help:      "Time items spent in a pipeline",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"tenant", "pipeline", "project", "branch"},
		),
		EventProcessing: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_enqueue_processing_seconds",
				Help:      "Time from a trigger event arriving to its item being enqueued",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"tenant"},
		),
		EventElapsed: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_enqueue_elapsed_seconds",
				Help:      "Time from a trigger event being sent to its item being enqueued",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"tenant"},
		),
		ItemEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "item_events_total",
				Help:      "Item lifecycle events published by the pipelines",
			},
			[]string{"type"},
		),
	}
}

func (s *Stats) SetCurrentChanges(tenant, pipeline string, n int) {
	s.CurrentChanges.WithLabelValues(tenant, pipeline).Set(float64(n))
}

func (s *Stats) ObserveResidentTime(tenant, pipeline, project, branch string, d time.Duration) {
	s.TotalChanges.WithLabelValues(tenant, pipeline, project, branch).Inc()
	s.ResidentTime.WithLabelValues(tenant, pipeline, project, branch).Observe(d.Seconds())
}

func (s *Stats) ObserveEnqueue(tenant string, processing, elapsed time.Duration) {
	s.EventProcessing.WithLabelValues(tenant).Observe(processing.Seconds())
	s.EventElapsed.WithLabelValues(tenant).Observe(elapsed.Seconds())
}

// Attach counts every item event published on bus. The returned function
// detaches the counters.
func (s *Stats) Attach(bus *events.Bus) func() {
	var unsubs []func()
	for _, t := range events.ItemEventTypes {
		unsubs = append(unsubs, bus.Subscribe(t, func(e events.Event) {
			s.ItemEvents.WithLabelValues(string(e.Type)).Inc()
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
