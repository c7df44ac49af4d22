package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("plaza", "GET", "/api/threads", 200, 20*time.Millisecond)
	m.RecordHTTPRequest("plaza", "GET", "/api/threads", 200, 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("plaza", "GET", "/api/threads", "200")))
}

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.RecordPush("sent")
	m.RecordPush("gone")
	m.RecordPush("gone")
	m.RecordEmail("notification", false)
	m.RecordUnreadRecount("dm_messages")
	m.RecordJob("expire_topups", 0, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushDeliveries.WithLabelValues("gone")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emailsSent.WithLabelValues("notification", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unreadRecounts.WithLabelValues("dm_messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("expire_topups", "true")))
}

func TestRealtimeGauge(t *testing.T) {
	m := New()
	m.RealtimeConnected()
	m.RealtimeConnected()
	m.RealtimeDisconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.realtimeClients))
}

func TestDatabaseCircuitGauge(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbCircuit.WithLabelValues("closed")))

	m.SetDatabaseCircuit("open")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.dbCircuit.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbCircuit.WithLabelValues("open")))

	var nilMetrics *Metrics
	nilMetrics.SetDatabaseCircuit("open")
}

func TestHandlerExposesPlazaMetrics(t *testing.T) {
	m := New()
	m.RecordPush("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "plaza_push_deliveries_total"))
}
