package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Trigger("ResultUploaded", "matched")
	m.Trigger("ResultUploaded", "matched")
	m.Delivery("ResultUploaded", "created")
	m.Scan("deadline", false, time.Millisecond)
	m.TickSkipped()
	m.HTTPRequest("/api/rules", 404)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.triggers.WithLabelValues("ResultUploaded", "matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scanRuns.WithLabelValues("deadline", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticksSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/rules", "4xx")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "campusnotify_deliveries_total"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Trigger("x", "y")
	m.Delivery("x", "y")
	m.Deduplicated("x")
	m.Scan("x", true, 0)
	m.TickSkipped()
	m.HTTPRequest("/", 200)
	assert.Nil(t, m.Registry())
}
