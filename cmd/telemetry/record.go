package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/adb"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/health"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/metrics"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/outputs"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/recorder"
)

var (
	recordName    string
	recordTags    []string
	recordPackage string
	recordSocket  string
	recordNoStore bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a telemetry session until interrupted",
	Long: `Connects to the first attachable page (or --target-url), collects
performance snapshots and network timelines, and stores them as a session.

With --socket the DevTools socket of an Android WebView is forwarded to
--port through adb for the duration of the recording.`,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.Int("port", 0, "Local DevTools port (overrides cdp.port)")
	f.String("target-url", "", "Websocket debugger URL to attach to directly")
	f.String("device", "", "Device id recorded with the session (overrides collection.device_id)")
	f.Duration("poll-interval", 0, "Performance poll interval (overrides collection.poll_interval)")
	f.StringVar(&recordName, "name", "", "Display name for the session")
	f.StringSliceVar(&recordTags, "tag", nil, "Tag the session (repeatable)")
	f.StringVar(&recordPackage, "package", "", "Android package name recorded with the session")
	f.StringVar(&recordSocket, "socket", "", "WebView DevTools socket to forward through adb")
	f.BoolVar(&recordNoStore, "no-store", false, "Do not persist the session")
}

// applyRecordFlags copies explicitly set flags over the loaded config
func applyRecordFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.CDP.Port, _ = f.GetInt("port")
	}
	if f.Changed("target-url") {
		cfg.CDP.TargetURL, _ = f.GetString("target-url")
	}
	if f.Changed("device") {
		cfg.Collection.DeviceID, _ = f.GetString("device")
	}
	if f.Changed("poll-interval") {
		cfg.Collection.PollInterval, _ = f.GetDuration("poll-interval")
	}
}

type recordResult struct {
	session *models.Session
	err     error
}

func runRecord(cmd *cobra.Command, args []string) error {
	applyRecordFlags(cmd)
	printBanner()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	logger.Info("Loaded configuration",
		"cdp_port", cfg.CDP.Port,
		"poll_interval", cfg.Collection.PollInterval,
		"device_id", cfg.Collection.DeviceID,
	)

	// Initialize output modules
	dispatcher := metrics.NewDispatcher()
	dispatcher.SetLogger(logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("Error closing outputs", "error", err)
		}
	}()

	collector := metrics.NewCollector(cfg.Collection.CacheSize)
	dispatcher.RegisterOutput(collector)

	if err := registerOutputs(dispatcher); err != nil {
		return err
	}

	// Initialize health check endpoint
	healthServer, err := health.NewHealthServer(&health.Config{
		Enabled:       cfg.Advanced.HealthCheckEnabled,
		Port:          cfg.Advanced.HealthCheckPort,
		Path:          cfg.Advanced.HealthCheckPath,
		ListenAddress: cfg.Advanced.HealthCheckListenAddress,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create health check server: %w", err)
	}
	defer healthServer.Close()

	var store recorder.SessionStore
	if cfg.Storage.Enabled && !recordNoStore {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	opts := recorder.Options{
		DeviceID:     cfg.Collection.DeviceID,
		Tags:         recordTags,
		PollInterval: cfg.Collection.PollInterval,
		CallTimeout:  cfg.CDP.CallTimeout,
		BusCapacity:  cfg.CDP.BusCapacity,
	}
	if recordName != "" {
		opts.DisplayName = &recordName
	}
	if recordPackage != "" {
		opts.PackageName = &recordPackage
	}

	if recordSocket != "" {
		cleanup, err := forwardWebView(ctx, &opts)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	target, err := resolveTarget(ctx)
	if err != nil {
		return err
	}

	client := cdp.NewClient(
		cdp.WithLogger(logger),
		cdp.WithConnectTimeout(cfg.CDP.ConnectTimeout),
		cdp.WithBusCapacity(cfg.CDP.BusCapacity),
	)
	defer client.Close()

	opts.OnStart = func(session *models.Session, engine *metrics.Engine) {
		healthServer.Attach(session.ID, client, engine, collector)
		logger.Info("Recording started. Press Ctrl+C to stop.",
			"session_id", session.ID,
			"outputs", dispatcher.Outputs(),
		)
	}

	rec := recorder.New(client, store, dispatcher, opts, logger)

	done := make(chan recordResult, 1)
	go func() {
		session, err := rec.Run(ctx, target)
		done <- recordResult{session, err}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var result recordResult
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
		rec.Stop()

		select {
		case result = <-done:
		case <-time.After(cfg.Advanced.ShutdownTimeout):
			cancel()
			return errors.New("shutdown timeout exceeded")
		}

	case result = <-done:
	}

	if result.err != nil {
		return result.err
	}
	return printRecordSummary(result.session, collector.Stats(), collector.GetRecentEvents(cfg.Collection.CacheSize))
}

// registerOutputs creates every enabled output and adds it to the dispatcher
func registerOutputs(dispatcher *metrics.Dispatcher) error {
	if cfg.Logging.EmitTelemetry {
		l, err := outputs.NewLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to create telemetry logger: %w", err)
		}
		dispatcher.RegisterOutput(l)
	}

	esOutput, err := outputs.NewElasticsearchOutput(&cfg.Elasticsearch, logger)
	if err != nil {
		return fmt.Errorf("failed to create Elasticsearch output: %w", err)
	}
	if esOutput != nil {
		dispatcher.RegisterOutput(esOutput)
	}

	promOutput, err := outputs.NewPrometheusOutput(&cfg.Prometheus, logger)
	if err != nil {
		return fmt.Errorf("failed to create Prometheus output: %w", err)
	}
	if promOutput != nil {
		dispatcher.RegisterOutput(promOutput)
	}

	snmpOutput, err := outputs.NewSNMPOutput(&cfg.SNMP, logger)
	if err != nil {
		return fmt.Errorf("failed to create SNMP output: %w", err)
	}
	if snmpOutput != nil {
		dispatcher.RegisterOutput(snmpOutput)
	}

	wsOutput, err := outputs.NewWebSocketOutput(&cfg.WebSocket, logger)
	if err != nil {
		return fmt.Errorf("failed to create WebSocket output: %w", err)
	}
	if wsOutput != nil {
		dispatcher.RegisterOutput(wsOutput)
	}

	logger.Info("Outputs enabled", "outputs", dispatcher.Outputs())
	return nil
}

// resolveTarget picks the configured URL or the first attachable page
func resolveTarget(ctx context.Context) (models.Target, error) {
	if cfg.CDP.TargetURL != "" {
		url := cfg.CDP.TargetURL
		return models.Target{ID: url, Type: "page", WebSocketDebuggerURL: &url}, nil
	}

	targets, err := cdp.ListTargets(ctx, cfg.CDP.Port)
	if err != nil {
		return models.Target{}, err
	}

	target, ok := cdp.FirstPage(targets)
	if !ok {
		return models.Target{}, fmt.Errorf("no attachable page on port %d (%d targets listed)", cfg.CDP.Port, len(targets))
	}
	return target, nil
}

// forwardWebView forwards --socket to the DevTools port and fills in device
// metadata. The returned cleanup removes the forward.
func forwardWebView(ctx context.Context, opts *recorder.Options) (func(), error) {
	client := adb.NewClient(cfg.ADB.Path, logger)
	deviceID := cfg.Collection.DeviceID

	if err := client.ForwardPort(ctx, deviceID, cfg.CDP.Port, recordSocket); err != nil {
		return nil, fmt.Errorf("forwarding %s: %w", recordSocket, err)
	}
	logger.Info("Forwarded WebView socket", "device", deviceID, "socket", recordSocket, "port", cfg.CDP.Port)

	if devices, err := client.ListDevices(ctx); err == nil {
		for _, d := range devices {
			if d.ID == deviceID {
				name := d.Name
				opts.DeviceName = &name
			}
		}
	}

	if opts.PackageName == nil {
		if webviews, err := client.ListWebViews(ctx, deviceID); err == nil {
			for _, w := range webviews {
				if w.SocketName == recordSocket {
					opts.PackageName = w.PackageName
				}
			}
		}
	}

	return func() {
		if err := client.RemoveForward(context.Background(), deviceID, cfg.CDP.Port); err != nil {
			logger.Warn("Failed to remove forward", "error", err)
		}
	}, nil
}

func printRecordSummary(session *models.Session, stats metrics.Stats, recent []*models.TelemetryEvent) error {
	slowest := slowestRequests(recent, 5)

	if jsonOutput {
		return printJSON(struct {
			Session *models.Session                   `json:"session"`
			Stats   metrics.Stats                     `json:"stats"`
			Slowest []*models.NetworkRequestCompleted `json:"slowest_requests,omitempty"`
		}{session, stats, slowest})
	}

	duration, _ := session.DurationMs()
	fmt.Printf("Session %s %s after %s\n", session.ID, session.Status, time.Duration(duration)*time.Millisecond)
	fmt.Printf("  Snapshots:          %d\n", stats.Snapshots)
	fmt.Printf("  Requests started:   %d\n", stats.RequestsStarted)
	fmt.Printf("  Requests completed: %d (%d failed)\n", stats.RequestsCompleted, stats.FailedRequests)
	fmt.Printf("  Avg duration:       %.1f ms\n", stats.AvgDurationMs)
	fmt.Printf("  Bytes received:     %.0f\n", stats.TotalBytes)

	if len(slowest) > 0 {
		fmt.Println("  Slowest recent requests:")
		for _, r := range slowest {
			fmt.Printf("    %8.1f ms  %s %s\n", r.DurationMs, r.Method, r.URL)
		}
	}
	return nil
}

// slowestRequests picks the n longest completed requests from the recent events
func slowestRequests(events []*models.TelemetryEvent, n int) []*models.NetworkRequestCompleted {
	var completed []*models.NetworkRequestCompleted
	for _, e := range events {
		if e.Kind == models.KindNetworkComplete {
			completed = append(completed, e.Completed)
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return completed[i].DurationMs > completed[j].DurationMs
	})
	if len(completed) > n {
		completed = completed[:n]
	}
	return completed
}
