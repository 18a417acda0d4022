package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/metrics"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// staleAfter is how long a collecting engine may go without an event
// before the service reports unhealthy
const staleAfter = 5 * time.Minute

// ConnectionProvider reports the live state of the debugging connection
type ConnectionProvider interface {
	State() models.ConnectionState
}

// CollectionProvider reports whether the engine is collecting
type CollectionProvider interface {
	IsCollecting() bool
}

// StatsProvider reports aggregated telemetry counters
type StatsProvider interface {
	Stats() metrics.Stats
}

// HealthServer provides a health check endpoint
type HealthServer struct {
	config *Config
	server *http.Server
	logger *slog.Logger

	mu         sync.RWMutex
	connection ConnectionProvider
	collection CollectionProvider
	stats      StatsProvider
	sessionID  string
	isHealthy  bool
}

// Config contains health check server configuration
type Config struct {
	Enabled       bool
	Port          int
	Path          string
	ListenAddress string
}

// HealthResponse is the JSON response structure
type HealthResponse struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Connection models.ConnectionState `json:"connection"`
	Collecting bool                   `json:"collecting"`
	SessionID  string                 `json:"session_id,omitempty"`
	Stats      *metrics.Stats         `json:"stats,omitempty"`
	Uptime     string                 `json:"uptime"`
}

var startTime = time.Now()

// NewHealthServer creates a new health check server
func NewHealthServer(cfg *Config, logger *slog.Logger) (*HealthServer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	h := newHealthServer(cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, h.handleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port)
	h.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in goroutine
	go func() {
		h.logger.Info("Health check endpoint started", "addr", addr, "path", cfg.Path)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Health check server error", "error", err)
		}
	}()

	return h, nil
}

func newHealthServer(cfg *Config, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{
		config:    cfg,
		logger:    logger,
		isHealthy: true,
	}
}

// Attach wires the providers of a running recording. Any may be nil.
func (h *HealthServer) Attach(sessionID string, conn ConnectionProvider, coll CollectionProvider, stats StatsProvider) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessionID = sessionID
	h.connection = conn
	h.collection = coll
	h.stats = stats
}

// handleHealth handles health check requests
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response, healthy := h.snapshot(time.Now())

	statusCode := http.StatusOK
	if !healthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Warn("Error encoding health response", "error", err)
	}
}

// snapshot builds the response and decides health
func (h *HealthServer) snapshot(now time.Time) (HealthResponse, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	response := HealthResponse{
		Timestamp:  now,
		Connection: models.Disconnected(),
		SessionID:  h.sessionID,
		Uptime:     now.Sub(startTime).String(),
	}

	if h.connection != nil {
		response.Connection = h.connection.State()
	}
	if h.collection != nil {
		response.Collecting = h.collection.IsCollecting()
	}
	if h.stats != nil {
		stats := h.stats.Stats()
		response.Stats = &stats
	}

	healthy := h.isHealthy

	if response.Connection.Status == models.StatusError {
		healthy = false
	}

	// A collecting engine that stopped producing events is stuck
	if response.Collecting && response.Stats != nil && !response.Stats.LastEventTime.IsZero() &&
		now.Sub(response.Stats.LastEventTime) > staleAfter {
		healthy = false
	}

	response.Status = "healthy"
	if !healthy {
		response.Status = "unhealthy"
	}

	return response, healthy
}

// SetHealthy sets the health status
func (h *HealthServer) SetHealthy(healthy bool) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.isHealthy = healthy
}

// Close shuts down the health check server
func (h *HealthServer) Close() error {
	if h == nil || h.server == nil {
		return nil
	}

	h.logger.Info("Shutting down health check server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return h.server.Shutdown(ctx)
}
