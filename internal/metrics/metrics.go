// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides instrumentation for:
// - Log write throughput and failures per backend
// - Lookup and aggregation query latency
// - Producer (Elasticsearch, Kafka, Kinesis, Splunk HEC) delivery
// - Splunk search job lifecycle
// - Log rotation and archival

var (
	// Write Path Metrics
	LogWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_writes_total",
			Help: "Total number of audit log entries written",
		},
		[]string{"backend"}, // "database", "elasticsearch", "splunk"
	)

	LogWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_write_failures_total",
			Help: "Total number of audit log write failures",
		},
		[]string{"backend", "tolerated"}, // tolerated: "true" when swallowed by the strictness policy
	)

	LogWritesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_writes_skipped_total",
			Help: "Total number of actions excluded from logging by policy",
		},
	)

	// Read Path Metrics
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_log_lookup_duration_seconds",
			Help:    "Duration of audit log read operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"}, // operation: "lookup", "latest", "aggregate", "count", "export"
	)

	LookupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_lookup_errors_total",
			Help: "Total number of audit log read failures",
		},
		[]string{"backend", "operation"},
	)

	CountTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_count_timeouts_total",
			Help: "Total number of repository count queries degraded to zero on timeout",
		},
	)

	// Producer Metrics
	ProducerSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_producer_sends_total",
			Help: "Total number of producer send attempts",
		},
		[]string{"producer", "result"}, // producer: "elasticsearch", "kafka", "kinesis", "splunk_hec"; result: "success", "failure"
	)

	ProducerSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_log_producer_send_duration_seconds",
			Help:    "Duration of producer sends in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"producer"},
	)

	// Splunk Search Metrics
	SplunkSearchWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "splunk_search_wait_duration_seconds",
			Help:    "Time spent waiting for Splunk search jobs to complete",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SplunkSearchTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "splunk_search_timeouts_total",
			Help: "Total number of Splunk search jobs cancelled on timeout",
		},
	)

	// Elasticsearch Metrics
	ElasticsearchBulkSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "elasticsearch_bulk_size",
			Help:    "Number of documents per Elasticsearch bulk request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	ElasticsearchScrollBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "elasticsearch_scroll_batches_total",
			Help: "Total number of scroll batches consumed during exports",
		},
	)

	// Export Metrics
	ExportBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_log_export_batch_size",
			Help:    "Number of entries per export batch",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	ExportTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_export_timeouts_total",
			Help: "Total number of export iterations abandoned on timeout",
		},
	)

	// Rotation Metrics
	RotationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_rotation_runs_total",
			Help: "Total number of rotation worker runs",
		},
		[]string{"result"}, // "completed", "failed", "lock_held"
	)

	RotationContextsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_rotation_contexts_total",
			Help: "Total number of rotation contexts processed",
		},
		[]string{"result"}, // "committed", "aborted"
	)

	RotationArchivedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_rotation_archived_entries_total",
			Help: "Total number of entries written to rotation archives",
		},
	)

	RotationArchiveBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_rotation_archive_bytes_total",
			Help: "Total compressed bytes uploaded to archive storage",
		},
	)

	RotationLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_log_rotation_last_success_timestamp",
			Help: "Unix timestamp of the last fully committed rotation run",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordLogWrite records a completed write attempt against a backend.
func RecordLogWrite(backend string, err error, tolerated bool) {
	if err == nil {
		LogWritesTotal.WithLabelValues(backend).Inc()
		return
	}
	toleratedStr := "false"
	if tolerated {
		toleratedStr = "true"
	}
	LogWriteFailures.WithLabelValues(backend, toleratedStr).Inc()
}

// RecordLookup records a read operation against a backend.
func RecordLookup(backend, operation string, duration time.Duration, err error) {
	LookupDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		LookupErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordProducerSend records a producer delivery attempt.
func RecordProducerSend(producer string, duration time.Duration, err error) {
	ProducerSendDuration.WithLabelValues(producer).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	ProducerSendsTotal.WithLabelValues(producer, result).Inc()
}

// RecordRotationContext records a committed or aborted rotation context.
func RecordRotationContext(committed bool, entries int, archiveBytes int64) {
	if committed {
		RotationContextsTotal.WithLabelValues("committed").Inc()
		RotationArchivedEntries.Add(float64(entries))
		RotationArchiveBytes.Add(float64(archiveBytes))
	} else {
		RotationContextsTotal.WithLabelValues("aborted").Inc()
	}
}

// RecordRotationRun records the outcome of one rotation worker cycle.
func RecordRotationRun(result string) {
	RotationRuns.WithLabelValues(result).Inc()
	if result == "completed" {
		RotationLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
