package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.HTTP("/x", "GET", 200, time.Millisecond)
	m.Oracle("user", "accepted", time.Millisecond)
	m.CredCache(true)
	m.Enqueued(false)
	m.Registration("created")
	m.Poll("timeout")
	m.PendingPolls(func() int { return 1 })
	m.CredCacheSize(func() int { return 1 })
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()
	m := New()

	m.Enqueued(false)
	m.Enqueued(true)
	m.Enqueued(true)
	m.CredCache(false)
	m.Oracle("app", "rejected", 10*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("appended")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("collapsed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.credCache.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.oracleChecks.WithLabelValues("app", "rejected")))
}

func TestMetrics_HandlerExposesPendingGauge(t *testing.T) {
	t.Parallel()
	m := New()
	m.PendingPolls(func() int { return 3 })
	m.CredCacheSize(func() int { return 2 })
	m.HTTP("/nextMessage/:id", http.MethodGet, 204, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, "pushrelay_polls_pending 3"), body)
	require.Contains(t, body, "pushrelay_credcache_entries 2")
	require.Contains(t, body, `pushrelay_http_requests_total{method="GET",route="/nextMessage/:id",status="204"} 1`)
}
