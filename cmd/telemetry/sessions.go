package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/storage"
)

var (
	sessionsLimit int
	searchDevice  string
	searchStatus  string
	searchTags    []string
	showLimit     int
	renameClear   bool
	metricsType   string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage recorded sessions",
}

// withStore opens the store for the duration of fn
func withStore(fn func(store *storage.Store) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			sessions, err := store.ListSessions(commandContext(cmd), sessionsLimit)
			if err != nil {
				return err
			}
			return printSessions(sessions)
		})
	},
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search sessions by name, title, package, device, status or tag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := storage.SessionQuery{
			DeviceID: searchDevice,
			Tags:     searchTags,
			Limit:    sessionsLimit,
		}
		if len(args) == 1 {
			q.Text = args[0]
		}
		if searchStatus != "" {
			q.Status = models.ParseSessionStatus(searchStatus)
		}

		return withStore(func(store *storage.Store) error {
			sessions, err := store.SearchSessions(commandContext(cmd), q)
			if err != nil {
				return err
			}
			return printSessions(sessions)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its metrics and network requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		return withStore(func(store *storage.Store) error {
			session, err := store.GetSession(ctx, args[0])
			if err != nil {
				return err
			}

			q := storage.MetricQuery{Limit: showLimit}
			if metricsType != "" {
				q.Type = models.ParseMetricType(metricsType)
			}
			metrics, err := store.GetMetrics(ctx, session.ID, q)
			if err != nil {
				return err
			}

			requests, err := store.GetNetworkRequests(ctx, session.ID, showLimit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Session  *models.Session                `json:"session"`
					Metrics  []*models.StoredMetric         `json:"metrics"`
					Requests []*models.StoredNetworkRequest `json:"network_requests"`
				}{session, metrics, requests})
			}

			printSession(session)

			fmt.Printf("\nMetrics (%d):\n", len(metrics))
			for _, m := range metrics {
				fmt.Printf("  %s  %-11s %s\n", formatMillis(m.Timestamp), m.MetricType, m.Data)
			}

			fmt.Printf("\nNetwork requests (%d):\n", len(requests))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  METHOD\tSTATUS\tDURATION\tSIZE\tURL")
			for _, r := range requests {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
					orDash(r.Method), intOrDash(r.StatusCode),
					floatOrDash(r.DurationMs, "%.1fms"), floatOrDash(r.SizeBytes, "%.0fB"), r.URL)
			}
			return w.Flush()
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> [name]",
	Short: "Set or clear (--clear) the display name of a session",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name *string
		switch {
		case renameClear:
		case len(args) == 2:
			name = &args[1]
		default:
			return fmt.Errorf("a name or --clear is required")
		}

		return withStore(func(store *storage.Store) error {
			return store.UpdateSessionName(commandContext(cmd), args[0], name)
		})
	},
}

var sessionsTagCmd = &cobra.Command{
	Use:   "tag <session-id> [tag...]",
	Short: "Replace the tags of a session; no tags clears them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tags []string
		if len(args) > 1 {
			tags = args[1:]
		}

		return withStore(func(store *storage.Store) error {
			return store.UpdateSessionTags(commandContext(cmd), args[0], tags)
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session with all of its metrics and requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			if err := store.DeleteSession(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		})
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Mark a session left active by a crashed recorder as completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			return store.EndSession(commandContext(cmd), args[0], time.Now().UnixMilli())
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().IntVar(&sessionsLimit, "limit", 50, "Maximum number of sessions (0 for all)")

	sessionsSearchCmd.Flags().StringVar(&searchDevice, "device", "", "Only sessions of this device id")
	sessionsSearchCmd.Flags().StringVar(&searchStatus, "status", "", "Only sessions with this status (active, completed, aborted)")
	sessionsSearchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "Sessions carrying any of these tags")

	sessionsShowCmd.Flags().IntVar(&showLimit, "rows", 20, "Maximum metrics and requests to show (0 for all)")
	sessionsShowCmd.Flags().StringVar(&metricsType, "type", "", "Only metrics of this type")

	sessionsRenameCmd.Flags().BoolVar(&renameClear, "clear", false, "Remove the display name")

	sessionsCmd.AddCommand(
		sessionsListCmd,
		sessionsSearchCmd,
		sessionsShowCmd,
		sessionsRenameCmd,
		sessionsTagCmd,
		sessionsDeleteCmd,
		sessionsEndCmd,
	)
}

func printSessions(sessions []*models.Session) error {
	if jsonOutput {
		return printJSON(sessions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tDEVICE\tNAME\tTAGS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, formatMillis(s.StartedAt), s.Status, s.DeviceID,
			sessionLabel(s), strings.Join(s.Tags, ","))
	}
	return w.Flush()
}

func printSession(s *models.Session) {
	fmt.Printf("Session:  %s\n", s.ID)
	fmt.Printf("Name:     %s\n", sessionLabel(s))
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Device:   %s %s\n", s.DeviceID, orDash(s.DeviceName))
	fmt.Printf("Package:  %s\n", orDash(s.PackageName))
	fmt.Printf("URL:      %s\n", orDash(s.WebviewURL))
	fmt.Printf("Started:  %s\n", formatMillis(s.StartedAt))
	if d, ok := s.DurationMs(); ok {
		fmt.Printf("Duration: %s\n", time.Duration(d)*time.Millisecond)
	}
	if len(s.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(s.Tags, ", "))
	}
}

// sessionLabel prefers the display name, then the page title
func sessionLabel(s *models.Session) string {
	if s.DisplayName != nil {
		return *s.DisplayName
	}
	return orDash(s.TargetTitle)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func floatOrDash(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
