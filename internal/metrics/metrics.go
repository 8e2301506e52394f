// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Business metrics
	sourcesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocgen_sources_discovered",
		Help: "Number of upstream source files discovered (last refresh)",
	})

	sourcesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocgen_sources_processed_total",
		Help: "Source files processed by outcome",
	}, []string{"outcome"}) // outcome=success|skipped|failure

	variantsWritten = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocgen_variants_written",
		Help: "Overwrite variants written in last refresh",
	})

	variantsUnchanged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocgen_variants_unchanged",
		Help: "Overwrite variants skipped because content hash was unchanged",
	})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocgen_upstream_requests_total",
		Help: "Upstream fetch attempts by status",
	}, []string{"status"}) // status=success|not_modified|error

	refreshFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocgen_refresh_failures_total",
		Help: "Total number of refresh failures by stage",
	}, []string{"stage"}) // stage=config|discover|fetch|strip|render|write|history

	refreshDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocgen_refresh_duration_seconds",
		Help:    "Wall time of a full refresh cycle",
		Buckets: prometheus.DefBuckets,
	})

	// Operational metrics
	configValidationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocgen_config_validation_errors_total",
		Help: "Total number of configuration validation errors",
	})
)

func RecordSourcesDiscovered(n int) { sourcesDiscovered.Set(float64(n)) }

func IncSourceProcessed(outcome string) {
	sourcesProcessed.WithLabelValues(outcome).Inc()
}

func RecordVariants(written, unchanged int) {
	variantsWritten.Set(float64(written))
	variantsUnchanged.Set(float64(unchanged))
}

func IncUpstreamRequest(status string) { upstreamRequestsTotal.WithLabelValues(status).Inc() }
func IncRefreshFailure(stage string)   { refreshFailuresTotal.WithLabelValues(stage).Inc() }
func ObserveRefreshDuration(seconds float64) {
	refreshDurationSeconds.Observe(seconds)
}
func IncConfigValidationError() { configValidationErrors.Inc() }
