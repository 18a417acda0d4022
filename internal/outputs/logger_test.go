package outputs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

func TestLoggerJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	require.NoError(t, l.Write(models.NewPerformanceEvent(&models.PerformanceSnapshot{Timestamp: 1, DOMNodes: float(3)})))
	require.NoError(t, l.Write(completed("r1", "https://example.com/", 404, 5)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var perf map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &perf))
	assert.Equal(t, "metrics:performance", perf["event"])
	data := perf["data"].(map[string]interface{})
	assert.Equal(t, "Performance", data["type"])
	assert.Equal(t, float64(3), data["dom_nodes"])
	assert.Nil(t, data["js_heap_used_size"])

	var network map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &network))
	assert.Equal(t, "metrics:network", network["event"])
	assert.Equal(t, float64(404), network["data"].(map[string]interface{})["status"])
}

func TestLoggerText(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	require.NoError(t, l.Write(models.NewRequestStartedEvent(&models.NetworkRequestStarted{
		RequestID: "r1", URL: "https://example.com/", Method: "POST",
	})))
	require.NoError(t, l.Write(models.NewResponseEvent(&models.NetworkResponseReceived{RequestID: "r1", Status: 200})))

	out := buf.String()
	assert.Contains(t, out, "msg=request_started")
	assert.Contains(t, out, "method=POST")
	assert.Contains(t, out, "msg=response_received")
	assert.Contains(t, out, "duration_ms=<nil>")
	assert.Equal(t, "logger", l.Name())
}

func TestLoggerTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&config.LoggingConfig{Level: "error", Format: "text"}, &buf)

	require.NoError(t, l.Write(completed("r1", "https://example.com/", 200, 5)))
	assert.Empty(t, buf.String())
}
