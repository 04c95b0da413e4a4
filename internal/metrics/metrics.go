// Package metrics registers the Prometheus collectors that observe
// the collaboration engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server reports.
type Metrics struct {
	OperationsSubmittedTotal prometheus.CounterVec
	OperationsAppliedTotal   prometheus.CounterVec
	OperationsDroppedTotal   prometheus.CounterVec
	TransformDuration        prometheus.HistogramVec
	LeaseContentionTotal     prometheus.Counter
	LeaseHeldGauge           prometheus.Gauge
	BusPublishErrorsTotal    prometheus.Counter
	ActiveSessionsGauge      prometheus.Gauge
	DocumentRevisionGauge    prometheus.GaugeVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize registers and returns the process-wide Metrics singleton.
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			OperationsSubmittedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "collabtext_operations_submitted_total",
					Help: "Client operations submitted to the engine, by type.",
				},
				[]string{"op_type"},
			),
			OperationsAppliedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "collabtext_operations_applied_total",
					Help: "Operations successfully transformed, applied, and logged, by type.",
				},
				[]string{"op_type"},
			),
			OperationsDroppedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "collabtext_operations_dropped_total",
					Help: "Envelopes abandoned by the drain loop, by reason.",
				},
				[]string{"reason"},
			),
			TransformDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "collabtext_transform_duration_seconds",
					Help:    "Time spent transforming and applying one envelope.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"document_id"},
			),
			LeaseContentionTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_lease_contention_total",
				Help: "Submit calls that found the processing lease already held.",
			}),
			LeaseHeldGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_lease_held",
				Help: "Number of documents this process currently holds the processing lease for.",
			}),
			BusPublishErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabtext_bus_publish_errors_total",
				Help: "Failed publishes to the document fan-out channel.",
			}),
			ActiveSessionsGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabtext_active_sessions",
				Help: "Currently connected WebSocket sessions across all documents.",
			}),
			DocumentRevisionGauge: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "collabtext_document_revision",
					Help: "Last committed revision per document.",
				},
				[]string{"document_id"},
			),
		}
	})
	return instance
}
