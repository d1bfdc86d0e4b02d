package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/service"
)

var (
	logsLevel      string
	logsCategory   string
	logsSince      time.Duration
	logsUnresolved bool
	logsJSON       bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect the persisted error log",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List error log entries, newest first",
	Long: `List error log entries.

Examples:
  portalguard logs list --level error
  portalguard logs list --category network --since 1h --unresolved`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := buildLogFilter(logsLevel, logsCategory, logsSince, logsUnresolved, time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			entries := a.errorLog.Logs(f)
			if logsJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tLEVEL\tCATEGORY\tRESOLVED\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					e.ID, e.Timestamp.Format(time.RFC3339), e.Level, e.Category, e.Resolved, e.Message)
			}
			return tw.Flush()
		})
	},
}

var logsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show error log statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			return printJSON(cmd.OutOrStdout(), a.errorLog.Statistics())
		})
	},
}

var logsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <resolution>",
	Short: "Mark an entry as resolved",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			e, err := a.errorLog.Resolve(ctx, args[0], args[1])
			if errors.Is(err, service.ErrEntryNotFound) {
				return fmt.Errorf("no log entry %q", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		})
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every error log entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			n := a.errorLog.Statistics().Total
			a.errorLog.Clear(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entries.\n", n)
			return nil
		})
	},
}

var logsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send unreported error entries to log.collector_url",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			if a.cfg.Log.CollectorURL == "" {
				return errors.New("log.collector_url is not set")
			}
			n, err := a.errorLog.ReportNow(ctx)
			if err != nil {
				return fmt.Errorf("report failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reported %d entries.\n", n)
			return nil
		})
	},
}

func init() {
	logsListCmd.Flags().StringVar(&logsLevel, "level", "", "only entries at this level")
	logsListCmd.Flags().StringVar(&logsCategory, "category", "", "only entries in this category")
	logsListCmd.Flags().DurationVar(&logsSince, "since", 0, "only entries newer than this (e.g. 30m, 24h)")
	logsListCmd.Flags().BoolVar(&logsUnresolved, "unresolved", false, "hide resolved entries")
	logsListCmd.Flags().BoolVar(&logsJSON, "json", false, "print entries as JSON")
	logsCmd.AddCommand(logsListCmd, logsStatsCmd, logsResolveCmd, logsClearCmd, logsReportCmd)
	rootCmd.AddCommand(logsCmd)
}

func buildLogFilter(level, category string, since time.Duration, unresolved bool, now time.Time) (errlog.Filter, error) {
	var f errlog.Filter
	if level != "" {
		l, err := errlog.ParseLevel(level)
		if err != nil {
			return f, err
		}
		f.Level = l
	}
	if category != "" {
		c := errlog.Category(category)
		if !slices.Contains(errlog.Categories, c) {
			return f, fmt.Errorf("unknown log category %q", category)
		}
		f.Category = c
	}
	if since > 0 {
		f.Since = now.Add(-since)
	}
	if unresolved {
		resolved := false
		f.Resolved = &resolved
	}
	return f, nil
}
