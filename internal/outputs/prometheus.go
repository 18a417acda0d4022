package outputs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// PrometheusOutput exposes telemetry via an HTTP metrics endpoint
type PrometheusOutput struct {
	config   *config.PrometheusConfig
	server   *http.Server
	registry *prometheus.Registry
	logger   *slog.Logger

	// Performance gauges
	jsHeapUsed     prometheus.Gauge
	jsHeapTotal    prometheus.Gauge
	domNodes       prometheus.Gauge
	layoutCount    prometheus.Gauge
	scriptDuration prometheus.Gauge
	taskDuration   prometheus.Gauge
	lastSnapshot   prometheus.Gauge

	// Network metrics
	requestsTotal     *prometheus.CounterVec
	responsesTotal    *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	bytesTotal        prometheus.Counter
	lastDurationGauge prometheus.Gauge
}

// NewPrometheusOutput creates a new Prometheus exporter and starts its HTTP server
func NewPrometheusOutput(cfg *config.PrometheusConfig, logger *slog.Logger) (*PrometheusOutput, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	p := newPrometheusOutput(cfg, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, p.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port)
	p.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		p.logger.Info("Starting Prometheus exporter", "addr", addr, "path", cfg.Path)
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("Prometheus server error", "error", err)
		}
	}()

	return p, nil
}

// newPrometheusOutput builds the collectors on a private registry
func newPrometheusOutput(cfg *config.PrometheusConfig, logger *slog.Logger) *PrometheusOutput {
	if logger == nil {
		logger = slog.Default()
	}

	p := &PrometheusOutput{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p.jsHeapUsed = gauge("webview_js_heap_used_bytes", "Used JavaScript heap of the attached page")
	p.jsHeapTotal = gauge("webview_js_heap_total_bytes", "Total JavaScript heap of the attached page")
	p.domNodes = gauge("webview_dom_nodes", "Live DOM nodes of the attached page")
	p.layoutCount = gauge("webview_layout_count", "Cumulative layout count of the attached page")
	p.scriptDuration = gauge("webview_script_duration_seconds", "Cumulative script execution time")
	p.taskDuration = gauge("webview_task_duration_seconds", "Cumulative task time")
	p.lastSnapshot = gauge("webview_last_snapshot_timestamp_seconds", "Unix time of the most recent performance snapshot")

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webview_network_requests_total",
			Help: "Network request lifecycle events by stage",
		},
		[]string{"stage"},
	)

	p.responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webview_network_responses_total",
			Help: "Completed network requests by status class",
		},
		[]string{"status_class"},
	)

	// Use configured buckets or default
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	p.requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webview_network_request_duration_ms",
			Help:    "Histogram of completed request durations in milliseconds",
			Buckets: buckets,
		},
	)

	p.bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webview_network_bytes_total",
		Help: "Encoded bytes received by completed requests",
	})

	p.lastDurationGauge = gauge("webview_network_last_request_duration_ms", "Duration of the most recent completed request")

	p.registry.MustRegister(
		p.jsHeapUsed,
		p.jsHeapTotal,
		p.domNodes,
		p.layoutCount,
		p.scriptDuration,
		p.taskDuration,
		p.lastSnapshot,
		p.requestsTotal,
		p.responsesTotal,
		p.requestDuration,
		p.bytesTotal,
		p.lastDurationGauge,
	)

	if cfg.IncludeGoMetrics {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return p
}

// Handler serves the exporter's registry
func (p *PrometheusOutput) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Write updates Prometheus metrics from a telemetry event
func (p *PrometheusOutput) Write(event *models.TelemetryEvent) error {
	if p == nil {
		return nil
	}

	switch event.Kind {
	case models.KindPerformance:
		s := event.Performance
		setIfPresent(p.jsHeapUsed, s.JSHeapUsedSize)
		setIfPresent(p.jsHeapTotal, s.JSHeapTotalSize)
		setIfPresent(p.domNodes, s.DOMNodes)
		setIfPresent(p.layoutCount, s.LayoutCount)
		setIfPresent(p.scriptDuration, s.ScriptDuration)
		setIfPresent(p.taskDuration, s.TaskDuration)
		p.lastSnapshot.Set(float64(s.Timestamp) / 1000)

	case models.KindNetworkRequest:
		p.requestsTotal.WithLabelValues("started").Inc()

	case models.KindNetworkResponse:
		p.requestsTotal.WithLabelValues("response").Inc()

	case models.KindNetworkComplete:
		c := event.Completed
		p.requestsTotal.WithLabelValues("completed").Inc()
		p.responsesTotal.WithLabelValues(statusClass(c.Status)).Inc()
		p.requestDuration.Observe(c.DurationMs)
		p.lastDurationGauge.Set(c.DurationMs)
		if c.SizeBytes > 0 {
			p.bytesTotal.Add(c.SizeBytes)
		}
	}

	return nil
}

func setIfPresent(g prometheus.Gauge, v *float64) {
	if v != nil {
		g.Set(*v)
	}
}

// statusClass buckets an HTTP status into 2xx, 3xx, ...; unknown when absent
func statusClass(status *int) string {
	if status == nil || *status < 100 || *status > 599 {
		return "unknown"
	}
	return strconv.Itoa(*status/100) + "xx"
}

// Name returns the output module name
func (p *PrometheusOutput) Name() string {
	return "prometheus"
}

// Close shuts down the HTTP server
func (p *PrometheusOutput) Close() error {
	if p == nil || p.server == nil {
		return nil
	}

	p.logger.Info("Shutting down Prometheus exporter")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.server.Shutdown(ctx)
}
