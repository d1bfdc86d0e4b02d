package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queueForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline requests now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			if !a.monitor.Check(ctx) {
				return errors.New("offline: probe failed, nothing replayed")
			}
			res, err := a.queue.Sync(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline request queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			reqs := a.queue.Requests()
			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRIORITY\tMETHOD\tURL\tRETRIES\tQUEUED")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Priority, r.Method, r.URL, r.Retries, r.EnqueuedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		})
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop one queued request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			if !a.queue.Remove(ctx, args[0]) {
				return fmt.Errorf("no queued request %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", args[0])
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued request and the offline read cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			n := a.queue.Len()
			if n > 0 && !queueForce {
				return fmt.Errorf("%d queued requests would be lost, re-run with --force", n)
			}
			a.queue.Clear(ctx)
			a.queue.ClearCache(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued requests.\n", n)
			return nil
		})
	},
}

func init() {
	queueClearCmd.Flags().BoolVarP(&queueForce, "force", "f", false, "clear even when requests are pending")
	queueCmd.AddCommand(queueListCmd, queueRemoveCmd, queueClearCmd)
	rootCmd.AddCommand(syncCmd, queueCmd)
}
