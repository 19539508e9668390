// Package metrics holds the Prometheus collectors of the delivery pipeline and the inbox.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsPublished    prometheus.Counter
	DeliveriesEnqueued prometheus.Counter
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryLatency    prometheus.Histogram
	BatchDuration      prometheus.Histogram
	ClaimConflicts     prometheus.Counter
	Postbacks          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so several instances can coexist in tests.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hookline_events_published_total",
			Help: "Events accepted by the enqueuer.",
		}),
		DeliveriesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hookline_deliveries_enqueued_total",
			Help: "Delivery rows created by fan-out, resend and test sends.",
		}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hookline_delivery_attempts_total",
			Help: "Processed deliveries by outcome.",
		}, []string{"outcome"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookline_delivery_latency_seconds",
			Help:    "Latency of outbound webhook requests.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookline_dispatch_batch_duration_seconds",
			Help:    "Wall time of a dispatcher batch.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hookline_claim_conflicts_total",
			Help: "Deliveries dropped because their claim expired or was taken over.",
		}),
		Postbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hookline_postbacks_total",
			Help: "Inbound postbacks by canonical status.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsPublished,
		m.DeliveriesEnqueued,
		m.DeliveryAttempts,
		m.DeliveryLatency,
		m.BatchDuration,
		m.ClaimConflicts,
		m.Postbacks,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
