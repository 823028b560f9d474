package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *PrometheusMetrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.GetHTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics("")

	m.RecordSubmission(ResultAccepted, 120)
	m.RecordSubmission(ResultAccepted, 80)
	m.RecordSubmission(ResultMalformed, 10)
	m.RecordFetch(ResultDelivered)
	m.RecordFetch(ResultEmpty)
	m.RecordExpired("sweep", 3)
	m.RecordSweep(time.Millisecond, 2, 5)
	m.RecordConnection("submit")
	m.RecordConnectionClosed("submit", 10*time.Millisecond)
	m.RecordTransportError("fetch", "write")
	m.UpdateSystemMetrics(12, 4096)

	body := scrape(t, m)
	assert.Contains(t, body, `empbroker_submissions_total{result="accepted"} 2`)
	assert.Contains(t, body, `empbroker_submissions_total{result="malformed"} 1`)
	assert.Contains(t, body, `empbroker_fetches_total{result="empty"} 1`)
	assert.Contains(t, body, `empbroker_messages_expired_total{source="sweep"} 3`)
	assert.Contains(t, body, `empbroker_queues_active 2`)
	assert.Contains(t, body, `empbroker_messages_queued 5`)
	assert.Contains(t, body, `empbroker_connections_active{listener="submit"} 0`)
	assert.Contains(t, body, `empbroker_transport_errors_total{listener="fetch",operation="write"} 1`)
	assert.Contains(t, body, `empbroker_goroutines_total 12`)
}

func TestPrometheusMetricsPrivateRegistry(t *testing.T) {
	a := NewPrometheusMetrics("test")
	b := NewPrometheusMetrics("test")

	a.RecordFetch(ResultDelivered)

	assert.Contains(t, scrape(t, a), `test_fetches_total{result="delivered"} 1`)
	assert.NotContains(t, scrape(t, b), `test_fetches_total{result="delivered"}`)
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewPrometheusMetrics("test")

	handler := m.MetricsMiddleware(func(r *http.Request) string {
		return "/fixed"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything/123", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, scrape(t, m), `test_admin_requests_total{endpoint="/fixed",method="GET",status="418"} 1`)
}
