package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowlens/internal/app"
	"flowlens/internal/domain"
	"flowlens/internal/metrics"
	"flowlens/internal/watch"
)

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{
		Use:   "snapshot",
		Short: "Record and list board snapshots",
	}
	snap.AddCommand(snapshotTakeCmd())
	snap.AddCommand(snapshotListCmd())
	snap.AddCommand(snapshotWatchCmd())
	return snap
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

func snapshotTakeCmd() *cobra.Command {
	var file, date string
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Record a snapshot from a markdown board file",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseDate(date)
			if err != nil {
				return err
			}
			text, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.RecordBoard(ctx, string(text), when)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printSnapshots([]domain.Snapshot{snap})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "board.md", "markdown board file")
	cmd.Flags().StringVar(&date, "date", "", "snapshot date (default now)")
	return cmd
}

func snapshotListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retained snapshots, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snaps := a.Engine.Snapshots()
				if limit > 0 && limit < len(snaps) {
					snaps = snaps[len(snaps)-limit:]
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				printSnapshots(snaps)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the newest N snapshots")
	return cmd
}

func printSnapshots(snaps []domain.Snapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{"ID", "Date"}
	for _, s := range domain.Statuses {
		header = append(header, s)
	}
	tw.AppendHeader(header)
	for _, snap := range snaps {
		row := table.Row{snap.ID, snap.Date.Format(time.RFC3339)}
		for _, s := range domain.Statuses {
			row = append(row, snap.Count(s))
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func snapshotWatchCmd() *cobra.Command {
	var file string
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Record a snapshot every time the board file is saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := watch.Watcher{
					Path:     file,
					Debounce: debounce,
					Log:      a.Log,
					OnChange: func(ctx context.Context, text string) error {
						snap, err := a.Engine.RecordBoard(ctx, text, time.Time{})
						if err != nil {
							return err
						}
						report := a.Engine.Report()
						a.Log.Infow("snapshot recorded", "id", snap.ID, "snapshots", report.Snapshots, "alerts", len(report.Alerts))
						for _, alert := range report.Alerts {
							if alert.Level == metrics.AlertCritical {
								a.Log.Warnw("flow alert", "message", alert.Message)
							}
						}
						return nil
					},
				}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "board.md", "markdown board file")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before recording")
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show flow metrics over the retained history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report := a.Engine.Report()
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"status", report.Status})
				tw.AppendRow(table.Row{"snapshots", report.Snapshots})
				tw.AppendRow(table.Row{"items per day", report.Throughput.ItemsPerDay})
				tw.AppendRow(table.Row{"blocked ratio %", report.BlockedRatio})
				tw.AppendRow(table.Row{"flow efficiency %", report.FlowEfficiency})
				tw.AppendRow(table.Row{"throughput trend", report.Trend.ThroughputTrend})
				tw.AppendRow(table.Row{"wip trend", report.Trend.WIPTrend})
				tw.Render()
				for _, alert := range report.Alerts {
					fmt.Printf("[%s] %s\n", alert.Level, alert.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the metrics report as markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				md := metrics.RenderMarkdown(a.Engine.Report())
				if out == "" {
					fmt.Print(md)
					return nil
				}
				if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}
