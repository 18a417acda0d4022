package outputs

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// Logger outputs telemetry events to stdout
type Logger struct {
	logger *slog.Logger
	config *config.LoggingConfig

	mu  sync.Mutex
	out io.Writer
}

// NewLogger creates a new telemetry logger
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	return newLogger(cfg, os.Stdout), nil
}

func newLogger(cfg *config.LoggingConfig, w io.Writer) *Logger {
	// For JSON format, we write raw JSON lines directly in Write()
	var logger *slog.Logger
	if cfg.Format != "json" {
		logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: config.ParseLogLevel(cfg.Level),
		}))
	}

	return &Logger{
		logger: logger,
		config: cfg,
		out:    w,
	}
}

// Write outputs one telemetry event
func (l *Logger) Write(event *models.TelemetryEvent) error {
	if l.config.Format == "json" {
		data, err := json.Marshal(struct {
			Event string                 `json:"event"`
			Data  *models.TelemetryEvent `json:"data"`
		}{event.NotificationName(), event})
		if err != nil {
			return err
		}
		data = append(data, '\n')

		// Outputs are written in parallel, keep lines whole
		l.mu.Lock()
		defer l.mu.Unlock()
		_, err = l.out.Write(data)
		return err
	}

	switch event.Kind {
	case models.KindPerformance:
		s := event.Performance
		l.logger.Info("performance",
			"timestamp", s.Timestamp,
			"js_heap_used_size", deref(s.JSHeapUsedSize),
			"dom_nodes", deref(s.DOMNodes),
			"layout_count", deref(s.LayoutCount),
		)
	case models.KindNetworkRequest:
		r := event.RequestStarted
		l.logger.Info("request_started", "request_id", r.RequestID, "method", r.Method, "url", r.URL)
	case models.KindNetworkResponse:
		r := event.ResponseArrived
		l.logger.Info("response_received", "request_id", r.RequestID, "status", r.Status, "duration_ms", deref(r.DurationMs))
	case models.KindNetworkComplete:
		r := event.Completed
		l.logger.Info("request_completed",
			"request_id", r.RequestID,
			"url", r.URL,
			"duration_ms", r.DurationMs,
			"size_bytes", r.SizeBytes,
		)
	}

	return nil
}

// Name returns the output module name
func (l *Logger) Name() string {
	return "logger"
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
