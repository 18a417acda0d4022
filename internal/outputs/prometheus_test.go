package outputs

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

func scrape(t *testing.T, p *PrometheusOutput) string {
	t.Helper()

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusOutputDisabled(t *testing.T) {
	p, err := NewPrometheusOutput(&config.PrometheusConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Disabled outputs are nil and safe to use
	assert.NoError(t, p.Write(completed("r1", "https://example.com/", 200, 1)))
	assert.NoError(t, p.Close())
}

func TestPrometheusOutputPerformance(t *testing.T) {
	p := newPrometheusOutput(&config.PrometheusConfig{}, quietLogger())

	require.NoError(t, p.Write(models.NewPerformanceEvent(&models.PerformanceSnapshot{
		Timestamp:      2000,
		JSHeapUsedSize: float(1024),
		DOMNodes:       float(77),
		ScriptDuration: float(0.25),
	})))

	body := scrape(t, p)
	assert.Contains(t, body, "webview_js_heap_used_bytes 1024")
	assert.Contains(t, body, "webview_dom_nodes 77")
	assert.Contains(t, body, "webview_script_duration_seconds 0.25")
	assert.Contains(t, body, "webview_last_snapshot_timestamp_seconds 2")
	// Absent metrics leave the gauge untouched
	assert.Contains(t, body, "webview_js_heap_total_bytes 0")
}

func TestPrometheusOutputNetwork(t *testing.T) {
	p := newPrometheusOutput(&config.PrometheusConfig{DurationBuckets: []float64{10, 100}}, quietLogger())

	require.NoError(t, p.Write(models.NewRequestStartedEvent(&models.NetworkRequestStarted{RequestID: "r1"})))
	require.NoError(t, p.Write(models.NewResponseEvent(&models.NetworkResponseReceived{RequestID: "r1", Status: 200})))
	require.NoError(t, p.Write(completed("r1", "https://example.com/", 200, 50)))
	require.NoError(t, p.Write(completed("r2", "https://example.com/", 503, 5)))
	require.NoError(t, p.Write(models.NewCompletedEvent(&models.NetworkRequestCompleted{RequestID: "r3", DurationMs: 500})))

	body := scrape(t, p)
	assert.Contains(t, body, `webview_network_requests_total{stage="started"} 1`)
	assert.Contains(t, body, `webview_network_requests_total{stage="response"} 1`)
	assert.Contains(t, body, `webview_network_requests_total{stage="completed"} 3`)
	assert.Contains(t, body, `webview_network_responses_total{status_class="2xx"} 1`)
	assert.Contains(t, body, `webview_network_responses_total{status_class="5xx"} 1`)
	assert.Contains(t, body, `webview_network_responses_total{status_class="unknown"} 1`)
	assert.Contains(t, body, `webview_network_request_duration_ms_bucket{le="10"} 1`)
	assert.Contains(t, body, `webview_network_request_duration_ms_bucket{le="100"} 2`)
	assert.Contains(t, body, "webview_network_request_duration_ms_count 3")
	assert.Contains(t, body, "webview_network_bytes_total 1024")
	assert.Contains(t, body, "webview_network_last_request_duration_ms 500")
}

func TestPrometheusOutputGoMetrics(t *testing.T) {
	p := newPrometheusOutput(&config.PrometheusConfig{IncludeGoMetrics: true}, quietLogger())
	assert.Contains(t, scrape(t, p), "go_goroutines")
}

func TestStatusClass(t *testing.T) {
	code := func(v int) *int { return &v }

	tests := []struct {
		status   *int
		expected string
	}{
		{code(200), "2xx"},
		{code(304), "3xx"},
		{code(404), "4xx"},
		{code(599), "5xx"},
		{code(42), "unknown"},
		{nil, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusClass(tt.status))
	}
}
