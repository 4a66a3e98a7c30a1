// Package metrics provides observability for the message log
package metrics

import (
	"net/http"
	"time"
)

// Outcome labels
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics provides observability for the message log
type Metrics interface {
	// Logging metrics
	RecordLog(outcome string, duration time.Duration)
	UpdatePendingRecords(count int)

	// Timestamping metrics
	RecordTimestampBatch(outcome string, records int, duration time.Duration)
	SetTimestampFailing(failing bool)

	// Archive metrics
	RecordArchiveFile(group string, records int, bytes int64)
	RecordCleaned(messages, timestamps int64)

	// Job metrics
	RecordJobRun(job, outcome string, duration time.Duration)

	// HTTP handler for Prometheus scraping
	HTTPHandler() http.Handler
}

// NoOpMetrics provides a no-op implementation for testing/disabled monitoring
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-op metrics instance
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) RecordLog(outcome string, duration time.Duration)                 {}
func (n *NoOpMetrics) UpdatePendingRecords(count int)                                   {}
func (n *NoOpMetrics) RecordTimestampBatch(outcome string, records int, d time.Duration) {}
func (n *NoOpMetrics) SetTimestampFailing(failing bool)                                 {}
func (n *NoOpMetrics) RecordArchiveFile(group string, records int, bytes int64)         {}
func (n *NoOpMetrics) RecordCleaned(messages, timestamps int64)                         {}
func (n *NoOpMetrics) RecordJobRun(job, outcome string, duration time.Duration)         {}

// HTTPHandler returns a no-op handler
func (n *NoOpMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# NoOp metrics - monitoring disabled\n"))
	})
}
