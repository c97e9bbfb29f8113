/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the pipeline's Prometheus collectors and the
// operational HTTP endpoint serving them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// ListingsIngestedTotal counts raw listings fetched per adapter.
	ListingsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreclosurewatch_listings_ingested_total",
		Help: "Raw listings fetched from sources",
	}, []string{"adapter"})

	// PropertiesCreatedTotal counts newly observed properties.
	PropertiesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreclosurewatch_properties_created_total",
		Help: "Properties created on first observation",
	})

	// PropertiesUpdatedTotal counts meaningful updates.
	PropertiesUpdatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreclosurewatch_properties_updated_total",
		Help: "Properties with meaningful updates",
	})

	// RowsSkippedTotal counts rows dropped by normalization per adapter.
	RowsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreclosurewatch_rows_skipped_total",
		Help: "Rows skipped by normalization",
	}, []string{"adapter"})

	// RowsFailedTotal counts rows parked in the DLQ per adapter.
	RowsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreclosurewatch_rows_failed_total",
		Help: "Rows that failed processing and were parked in the DLQ",
	}, []string{"adapter"})

	// AdapterFailuresTotal counts rejected adapter batches by error kind.
	AdapterFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreclosurewatch_adapter_failures_total",
		Help: "Adapter batches rejected, labelled by failure kind",
	}, []string{"adapter", "kind"})

	// IngestionDuration observes end-to-end run duration.
	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreclosurewatch_ingestion_duration_seconds",
		Help:    "End-to-end ingestion run duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// EnrichmentDuration observes single risk-analysis call duration.
	EnrichmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreclosurewatch_enrichment_duration_seconds",
		Help:    "Risk-analysis call duration",
		Buckets: prometheus.DefBuckets,
	})

	// EnrichmentFailuresTotal counts failed enrichment attempts.
	EnrichmentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreclosurewatch_enrichment_failures_total",
		Help: "Risk-analysis attempts that fell back to the heuristic band",
	})

	// AlertsSentTotal counts delivered property alerts.
	AlertsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreclosurewatch_alerts_sent_total",
		Help: "Property alerts delivered to users",
	})

	// AlertsSuppressedTotal counts cooldown suppressions.
	AlertsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreclosurewatch_alerts_suppressed_total",
		Help: "Alerts suppressed by the cooldown window",
	})

	// CircuitBreakerState reports 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreclosurewatch_circuit_breaker_state",
		Help: "Per-adapter circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"adapter"})
)

// RecordAdapterBatch records one completed adapter pass.
func RecordAdapterBatch(adapterID string, rawCount, skipped, failed int) {
	ListingsIngestedTotal.WithLabelValues(adapterID).Add(float64(rawCount))
	RowsSkippedTotal.WithLabelValues(adapterID).Add(float64(skipped))
	RowsFailedTotal.WithLabelValues(adapterID).Add(float64(failed))
}

// RecordAdapterFailure records one rejected batch.
func RecordAdapterFailure(adapterID, kind string) {
	AdapterFailuresTotal.WithLabelValues(adapterID, kind).Inc()
}

// RecordUpsert records one applied candidate.
func RecordUpsert(created bool) {
	if created {
		PropertiesCreatedTotal.Inc()
	} else {
		PropertiesUpdatedTotal.Inc()
	}
}

// RecordIngestionRun observes a run's duration.
func RecordIngestionRun(duration time.Duration) {
	IngestionDuration.Observe(duration.Seconds())
}

// RecordEnrichment observes one risk-analysis attempt.
func RecordEnrichment(duration time.Duration, failed bool) {
	EnrichmentDuration.Observe(duration.Seconds())
	if failed {
		EnrichmentFailuresTotal.Inc()
	}
}

// RecordAlerts records one alert pass.
func RecordAlerts(sent, suppressed int) {
	AlertsSentTotal.Add(float64(sent))
	AlertsSuppressedTotal.Add(float64(suppressed))
}

// UpdateCircuitBreakerState mirrors a breaker transition into the gauge.
func UpdateCircuitBreakerState(adapterID string, state gobreaker.State) {
	var value float64
	switch state {
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	CircuitBreakerState.WithLabelValues(adapterID).Set(value)
}
