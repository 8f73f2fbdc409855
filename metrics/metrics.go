// Package metrics exposes Prometheus collectors for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics counts ingestion outcomes and times pipeline units.
type PipelineMetrics struct {
	// Assets processed, partitioned by outcome (committed, skipped,
	// duplicate, dead-letter, conflict).
	AssetsTotal *prometheus.CounterVec
	// Wall time of a single asset's pipeline unit, in seconds.
	UnitDuration prometheus.Histogram
	// Relations created by this process.
	RelationsCreated prometheus.Counter
}

// NewPipelineMetrics creates the pipeline collectors and registers them
// with reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {

	m := &PipelineMetrics{
		AssetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metamosaic_ingest_assets_total",
				Help: "Assets processed by the ingestion pipeline, by outcome.",
			},
			[]string{"outcome"},
		),
		UnitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metamosaic_ingest_unit_duration_seconds",
				Help:    "Duration of a single asset's pipeline unit.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RelationsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metamosaic_relations_created_total",
				Help: "Relations created by this process.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.AssetsTotal, m.UnitDuration, m.RelationsCreated)
	}

	return m
}

// Observe records an outcome for one pipeline unit.
func (m *PipelineMetrics) Observe(outcome string, seconds float64) {

	if m == nil {
		return
	}

	m.AssetsTotal.WithLabelValues(outcome).Inc()
	m.UnitDuration.Observe(seconds)
}
