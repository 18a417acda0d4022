package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/storage"
)

var version = "0.3.0"

var (
	configFile string
	logLevel   string
	jsonOutput bool

	// Set by the root command before any subcommand runs
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "webview-telemetry",
	Short:   "Performance and network telemetry for WebViews and browser pages",
	Version: version,
	Long: `webview-telemetry attaches to a page over the Chrome DevTools Protocol,
polls performance metrics and correlates network request lifecycles.

Android WebViews are reached through adb port forwarding; desktop browsers
through their --remote-debugging-port. Recordings are stored in SQLite and
can be fanned out to Elasticsearch, Prometheus, SNMP and a WebSocket feed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger = config.NewLogger(cfg.Logging, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "Path to YAML config file (env CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(recordCmd, targetsCmd, metricsCmd)
	rootCmd.AddCommand(devicesCmd, webviewsCmd, forwardCmd, unforwardCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the optional file, then applies env overrides and validates
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// openStore opens the configured SQLite database
func openStore() (*storage.Store, error) {
	return storage.Open(storage.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
}

// printJSON writes v as indented JSON to stdout
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandContext returns the command's context, never nil
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printBanner() {
	fmt.Fprintln(os.Stderr, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║  WebView Telemetry                                             ║")
	fmt.Fprintf(os.Stderr, "║  Version: %-52s ║\n", version)
	fmt.Fprintln(os.Stderr, "║  Performance and network timelines over DevTools               ║")
	fmt.Fprintln(os.Stderr, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
}
