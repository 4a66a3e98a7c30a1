package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	return w.Body.String()
}

// TestNewPrometheusMetrics verifies constructor creates valid instance
func TestNewPrometheusMetrics(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
	}{
		{name: "Default namespace", namespace: "messagelog"},
		{name: "Custom namespace", namespace: "my_app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewPrometheusMetrics(tt.namespace)
			require.NotNil(t, m)

			m.UpdatePendingRecords(0)
			assert.Contains(t, scrape(t, m), tt.namespace+"_pending_records 0")
		})
	}
}

func TestPrometheusMetrics_RecordLog(t *testing.T) {
	m := NewPrometheusMetrics("mlog_test")

	m.RecordLog(OutcomeSuccess, 3*time.Millisecond)
	m.RecordLog(OutcomeSuccess, 5*time.Millisecond)
	m.RecordLog(OutcomeRejected, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `mlog_test_messages_logged_total{outcome="success"} 2`)
	assert.Contains(t, body, `mlog_test_messages_logged_total{outcome="rejected"} 1`)
	assert.Contains(t, body, "mlog_test_log_duration_milliseconds_count 3")
}

func TestPrometheusMetrics_Timestamping(t *testing.T) {
	m := NewPrometheusMetrics("mlog_test")

	m.RecordTimestampBatch(OutcomeSuccess, 10, 50*time.Millisecond)
	m.RecordTimestampBatch(OutcomeFailure, 4, time.Second)
	m.SetTimestampFailing(true)
	m.UpdatePendingRecords(4)

	body := scrape(t, m)
	assert.Contains(t, body, `mlog_test_timestamp_batches_total{outcome="success"} 1`)
	assert.Contains(t, body, `mlog_test_timestamp_batches_total{outcome="failure"} 1`)
	assert.Contains(t, body, "mlog_test_timestamp_records_total 10")
	assert.Contains(t, body, "mlog_test_timestamp_failing 1")
	assert.Contains(t, body, "mlog_test_pending_records 4")

	m.SetTimestampFailing(false)
	assert.Contains(t, scrape(t, m), "mlog_test_timestamp_failing 0")
}

func TestPrometheusMetrics_Archive(t *testing.T) {
	m := NewPrometheusMetrics("mlog_test")

	m.RecordArchiveFile("", 3, 1024)
	m.RecordArchiveFile("EE", 2, 512)
	m.RecordArchiveFile("EE", 1, 512)
	m.RecordCleaned(7, 2)

	body := scrape(t, m)
	assert.Contains(t, body, `mlog_test_archive_files_total{group="EE"} 2`)
	assert.Contains(t, body, `mlog_test_archive_records_total{group="EE"} 3`)
	assert.Contains(t, body, `mlog_test_archive_bytes_total{group="EE"} 1024`)
	assert.Contains(t, body, `mlog_test_archive_files_total{group=""} 1`)
	assert.Contains(t, body, `mlog_test_clean_records_total{kind="message"} 7`)
	assert.Contains(t, body, `mlog_test_clean_records_total{kind="timestamp"} 2`)
}

func TestPrometheusMetrics_JobRuns(t *testing.T) {
	m := NewPrometheusMetrics("mlog_test")

	m.RecordJobRun("archiver", OutcomeSuccess, 2*time.Second)
	m.RecordJobRun("archiver", OutcomeFailure, time.Second)
	m.RecordJobRun("cleaner", OutcomeSuccess, time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `mlog_test_job_runs_total{job="archiver",outcome="success"} 1`)
	assert.Contains(t, body, `mlog_test_job_runs_total{job="archiver",outcome="failure"} 1`)
	assert.Contains(t, body, `mlog_test_job_duration_seconds_count{job="archiver"} 2`)
}

func TestPrometheusMetrics_SeparateRegistries(t *testing.T) {
	a := NewPrometheusMetrics("mlog_a")
	b := NewPrometheusMetrics("mlog_a")

	a.RecordLog(OutcomeSuccess, time.Millisecond)

	assert.Contains(t, scrape(t, a), `mlog_a_messages_logged_total{outcome="success"} 1`)
	assert.NotContains(t, scrape(t, b), `mlog_a_messages_logged_total{outcome="success"}`)
}
