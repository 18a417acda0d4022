package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List inspectable targets on the DevTools port",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPortFlag(cmd)

		targets, err := cdp.ListTargets(commandContext(cmd), cfg.CDP.Port)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(targets)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTITLE\tURL\tATTACHABLE")
		for _, t := range targets {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", t.ID, t.Type, t.Title, t.URL, t.DebuggerURL() != "")
		}
		return w.Flush()
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print one performance snapshot of the first attachable page",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPortFlag(cmd)
		ctx := commandContext(cmd)

		target, err := resolveTarget(ctx)
		if err != nil {
			return err
		}

		client := cdp.NewClient(
			cdp.WithLogger(logger),
			cdp.WithConnectTimeout(cfg.CDP.ConnectTimeout),
		)
		defer client.Close()

		if err := client.Connect(ctx, target.DebuggerURL()); err != nil {
			return err
		}
		if err := client.EnablePerformanceDomain(ctx); err != nil {
			return err
		}

		snapshot, err := client.GetPerformanceMetrics(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(snapshot)
		}

		fmt.Printf("Target: %s (%s)\n", target.Title, target.URL)
		printMetric("JS heap used (bytes)", snapshot.JSHeapUsedSize)
		printMetric("JS heap total (bytes)", snapshot.JSHeapTotalSize)
		printMetric("DOM nodes", snapshot.DOMNodes)
		printMetric("Layouts", snapshot.LayoutCount)
		printMetric("Script duration (s)", snapshot.ScriptDuration)
		printMetric("Task duration (s)", snapshot.TaskDuration)
		return nil
	},
}

func init() {
	targetsCmd.Flags().Int("port", 0, "Local DevTools port (overrides cdp.port)")
	metricsCmd.Flags().Int("port", 0, "Local DevTools port (overrides cdp.port)")
}

func applyPortFlag(cmd *cobra.Command) {
	if cmd.Flags().Changed("port") {
		cfg.CDP.Port, _ = cmd.Flags().GetInt("port")
	}
}

func printMetric(name string, v *float64) {
	if v == nil {
		fmt.Printf("  %-22s n/a\n", name+":")
		return
	}
	fmt.Printf("  %-22s %.2f\n", name+":", *v)
}
