package cdp

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp/cdptest"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

func TestListTargetsAt(t *testing.T) {
	srv := cdptest.NewServer(t)

	targets, err := ListTargetsAt(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	assert.Equal(t, cdptest.PageID, targets[0].ID)
	assert.Equal(t, "Test Page", targets[0].Title)
	assert.True(t, targets[0].IsPage())
	assert.Equal(t, srv.PageURL(), targets[0].DebuggerURL())
}

func TestListTargetsAtFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"not found", http.StatusNotFound, ""},
		{"not json", http.StatusOK, "<html>nope</html>"},
		{"wrong shape", http.StatusOK, `{"id": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := cdptest.NewServer(t)
			srv.SetListResponse(tt.status, tt.body)

			_, err := ListTargetsAt(context.Background(), srv.URL)
			assert.ErrorIs(t, err, ErrFetchFailed)
		})
	}
}

func TestListTargetsUnreachable(t *testing.T) {
	_, err := ListTargets(context.Background(), 1)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFirstPage(t *testing.T) {
	ws := "ws://localhost:9222/devtools/page/b"
	targets := []models.Target{
		{ID: "sw", Type: "service_worker", WebSocketDebuggerURL: &ws},
		{ID: "a", Type: "page"},
		{ID: "b", Type: "page", WebSocketDebuggerURL: &ws},
	}

	page, ok := FirstPage(targets)
	require.True(t, ok)
	assert.Equal(t, "b", page.ID)

	_, ok = FirstPage(targets[:2])
	assert.False(t, ok)
}

func TestIsPageEndpoint(t *testing.T) {
	assert.True(t, isPageEndpoint("ws://localhost:9222/devtools/page/ABC"))
	assert.False(t, isPageEndpoint("ws://localhost:9222/devtools/browser/XYZ"))
}
