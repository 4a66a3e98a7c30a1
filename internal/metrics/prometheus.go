package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics using Prometheus
type PrometheusMetrics struct {
	logsTotal      *prometheus.CounterVec
	logDuration    prometheus.Histogram
	pendingRecords prometheus.Gauge

	timestampBatches  *prometheus.CounterVec
	timestampedTotal  prometheus.Counter
	timestampDuration prometheus.Histogram
	timestampFailing  prometheus.Gauge

	archiveFiles   *prometheus.CounterVec
	archiveRecords *prometheus.CounterVec
	archiveBytes   *prometheus.CounterVec
	cleanedTotal   *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &PrometheusMetrics{
		logsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_logged_total",
				Help:      "Total number of log calls by outcome",
			},
			[]string{"outcome"},
		),
		// Persist latency: 1ms to 10s
		logDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "log_duration_milliseconds",
				Help:      "Latency of log calls in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
		),
		pendingRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_records",
				Help:      "Number of message records waiting to be timestamped",
			},
		),
		timestampBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "timestamp",
				Name:      "batches_total",
				Help:      "Total number of time-stamping batches by outcome",
			},
			[]string{"outcome"},
		),
		timestampedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "timestamp",
				Name:      "records_total",
				Help:      "Total number of message records timestamped",
			},
		),
		timestampDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "timestamp",
				Name:      "batch_duration_milliseconds",
				Help:      "Latency of time-stamping batches in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 5000, 30000, 60000},
			},
		),
		timestampFailing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "timestamp",
				Name:      "failing",
				Help:      "1 while time-stamping is failing",
			},
		),
		archiveFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "files_total",
				Help:      "Total number of archive files written by group",
			},
			[]string{"group"},
		),
		archiveRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "records_total",
				Help:      "Total number of records archived by group",
			},
			[]string{"group"},
		),
		archiveBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "bytes_total",
				Help:      "Total size of archive files written by group",
			},
			[]string{"group"},
		),
		cleanedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "clean",
				Name:      "records_total",
				Help:      "Total number of records removed by kind",
			},
			[]string{"kind"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "runs_total",
				Help:      "Total number of job runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "duration_seconds",
				Help:      "Job run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"job"},
		),
		registry: registry,
	}

	registry.MustRegister(
		p.logsTotal,
		p.logDuration,
		p.pendingRecords,
		p.timestampBatches,
		p.timestampedTotal,
		p.timestampDuration,
		p.timestampFailing,
		p.archiveFiles,
		p.archiveRecords,
		p.archiveBytes,
		p.cleanedTotal,
		p.jobRuns,
		p.jobDuration,
	)

	return p
}

// RecordLog records a log call
func (p *PrometheusMetrics) RecordLog(outcome string, duration time.Duration) {
	p.logsTotal.WithLabelValues(outcome).Inc()
	p.logDuration.Observe(float64(duration.Milliseconds()))
}

// UpdatePendingRecords updates the number of un-timestamped records
func (p *PrometheusMetrics) UpdatePendingRecords(count int) {
	p.pendingRecords.Set(float64(count))
}

// RecordTimestampBatch records a time-stamping batch
func (p *PrometheusMetrics) RecordTimestampBatch(outcome string, records int, duration time.Duration) {
	p.timestampBatches.WithLabelValues(outcome).Inc()
	p.timestampDuration.Observe(float64(duration.Milliseconds()))
	if outcome == OutcomeSuccess {
		p.timestampedTotal.Add(float64(records))
	}
}

// SetTimestampFailing flags the time-stamping health
func (p *PrometheusMetrics) SetTimestampFailing(failing bool) {
	if failing {
		p.timestampFailing.Set(1)
		return
	}
	p.timestampFailing.Set(0)
}

// RecordArchiveFile records a finished archive file
func (p *PrometheusMetrics) RecordArchiveFile(group string, records int, bytes int64) {
	p.archiveFiles.WithLabelValues(group).Inc()
	p.archiveRecords.WithLabelValues(group).Add(float64(records))
	p.archiveBytes.WithLabelValues(group).Add(float64(bytes))
}

// RecordCleaned records removed records
func (p *PrometheusMetrics) RecordCleaned(messages, timestamps int64) {
	p.cleanedTotal.WithLabelValues("message").Add(float64(messages))
	p.cleanedTotal.WithLabelValues("timestamp").Add(float64(timestamps))
}

// RecordJobRun records a periodic job run
func (p *PrometheusMetrics) RecordJobRun(job, outcome string, duration time.Duration) {
	p.jobRuns.WithLabelValues(job, outcome).Inc()
	p.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// HTTPHandler returns the Prometheus HTTP handler for /metrics endpoint
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
