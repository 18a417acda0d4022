package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/adb"
)

func adbClient() *adb.Client {
	return adb.NewClient(cfg.ADB.Path, logger)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached through adb",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := adbClient().ListDevices(commandContext(cmd))
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(devices)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Name, d.Status)
		}
		return w.Flush()
	},
}

var webviewsCmd = &cobra.Command{
	Use:   "webviews <device-id>",
	Short: "List debuggable WebView sockets on a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		webviews, err := adbClient().ListWebViews(commandContext(cmd), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(webviews)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tSOCKET\tPACKAGE")
		for _, v := range webviews {
			pkg := "-"
			if v.PackageName != nil {
				pkg = *v.PackageName
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", v.PID, v.SocketName, pkg)
		}
		return w.Flush()
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <device-id> <socket-name>",
	Short: "Forward a WebView DevTools socket to the local DevTools port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPortFlag(cmd)

		if err := adbClient().ForwardPort(commandContext(cmd), args[0], cfg.CDP.Port, args[1]); err != nil {
			return err
		}
		fmt.Printf("Forwarded tcp:%d -> localabstract:%s on %s\n", cfg.CDP.Port, args[1], args[0])
		return nil
	},
}

var unforwardAll bool

var unforwardCmd = &cobra.Command{
	Use:   "unforward <device-id> [port]",
	Short: "Remove a port forward, or all forwards with --all",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := adbClient()
		ctx := commandContext(cmd)

		if unforwardAll {
			if err := client.RemoveAllForwards(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed all forwards on %s\n", args[0])
			return nil
		}

		port := cfg.CDP.Port
		if len(args) == 2 {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			port = p
		}

		if err := client.RemoveForward(ctx, args[0], port); err != nil {
			return err
		}
		fmt.Printf("Removed forward tcp:%d on %s\n", port, args[0])
		return nil
	},
}

func init() {
	forwardCmd.Flags().Int("port", 0, "Local port to forward (overrides cdp.port)")
	unforwardCmd.Flags().BoolVar(&unforwardAll, "all", false, "Remove every forward of the device")
}
