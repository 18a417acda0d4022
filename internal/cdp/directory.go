package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// ListTargets fetches the inspectable targets from the local debugging endpoint
func ListTargets(ctx context.Context, port int) ([]models.Target, error) {
	return ListTargetsAt(ctx, fmt.Sprintf("http://localhost:%d", port))
}

// ListTargetsAt fetches <baseURL>/json/list. Any failure, including a
// non-2xx response or an undecodable body, is reported as ErrFetchFailed.
func ListTargetsAt(ctx context.Context, baseURL string) ([]models.Target, error) {
	url := strings.TrimRight(baseURL, "/") + "/json/list"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrFetchFailed, resp.StatusCode, url)
	}

	var targets []models.Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("%w: decoding target list: %w", ErrFetchFailed, err)
	}
	return targets, nil
}

// FirstPage returns the first page target that can still be attached to
func FirstPage(targets []models.Target) (models.Target, bool) {
	for _, t := range targets {
		if t.IsPage() && t.DebuggerURL() != "" {
			return t, true
		}
	}
	return models.Target{}, false
}

// isPageEndpoint reports whether a websocket URL already points at a single page
func isPageEndpoint(wsURL string) bool {
	return strings.Contains(wsURL, "/devtools/page/")
}
