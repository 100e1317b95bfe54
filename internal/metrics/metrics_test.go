package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawn/tenant-chatbots/internal/metrics"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestActiveTenantsGauge(t *testing.T) {
	m := metrics.New("bots", "pod-a")

	m.SetActiveTenants(3)
	m.SetActiveTenants(2)

	body := scrape(t, m)
	assert.Contains(t, body, "# TYPE botd_active_tenants gauge")
	assert.Contains(t, body, `botd_active_tenants{namespace="bots",pod="pod-a"} 2`)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := metrics.New("bots", "pod-a")
	m.SetConnections(4)
	m.ObserveAnswer("answered")
	m.ObserveAnswer("apology")
	m.ObserveAnswer("answered")

	body := scrape(t, m)
	assert.Contains(t, body, `botd_active_tenants{namespace="bots",pod="pod-a"} 0`)
	assert.Contains(t, body, "botd_bot_connections 4")
	assert.Contains(t, body, `botd_answers_total{outcome="answered"} 2`)
}
