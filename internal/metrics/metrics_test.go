package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()
	m.IngestItem("processed")
	m.IngestItem("processed")
	m.IngestItem("failed")
	m.IngestFiles("written", 3)
	m.IngestFiles("skipped", 0)
	m.TimestampFallback()
	m.ReconcileRun("discrepancies_found", time.Second, 4, 1)
	m.Notification("redis", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestItems.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestItems.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingestFiles.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timestampFallbacks))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.orphans.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orphans.WithLabelValues("index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("redis", "success")))
}

func TestFailedRunKeepsOrphanGauges(t *testing.T) {
	m := New()
	m.ReconcileRun("in_sync", time.Second, 0, 0)
	m.ReconcileRun("failed", time.Second, 9, 9)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.orphans.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileRuns.WithLabelValues("failed")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IngestItem("processed")
		m.IngestFiles("written", 1)
		m.TimestampFallback()
		m.ReconcileRun("in_sync", 0, 0, 0)
		m.Notification("smtp", "failure")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.IngestItem("skipped")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `instidx_ingest_items_total{outcome="skipped"} 1`))
}
