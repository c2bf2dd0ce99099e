package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/scheduler"
	"github.com/spf13/cobra"
)

const recentLogs = 5

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull cloud changes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openAgent(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, _, err := a.scheduler().SyncNow(ctx, a.cfg.InstanceID)
			if summary != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, pulled %d, conflicts %d, errors %d\n",
					summary.RecordsPushed, summary.RecordsPulled, summary.Conflicts, summary.Errors)
			}
			return err
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cloud's view of this instance and recent sync attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openAgent(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.sync.Status(ctx)
			if err != nil {
				return err
			}
			logs, err := a.store.Logs().ListByInstance(ctx, a.cfg.InstanceID, recentLogs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance:          %s (%s)\n", status.InstanceName, status.InstanceID)
			fmt.Fprintf(out, "active:            %t\n", status.IsActive && status.SyncEnabled)
			fmt.Fprintf(out, "sync interval:     %s\n", status.Interval())
			fmt.Fprintf(out, "last sync:         %s\n", formatTime(status.LastSyncAt))
			fmt.Fprintf(out, "waiting to pull:   %d\n", status.UnsyncedEventsCount)
			fmt.Fprintf(out, "pending conflicts: %d\n", status.PendingConflictsCount)
			if len(logs) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tDIRECTION\tSTATUS\tPUSHED\tPULLED\tCONFLICTS\tERRORS")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					l.StartedAt.Local().Format(time.DateTime), l.Direction, l.Status,
					l.RecordsPushed, l.RecordsPulled, l.ConflictsDetected, l.ErrorsCount)
			}
			return tw.Flush()
		},
	}
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for manual resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openAgent(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.client.ListConflicts(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var (
		resolution string
		by         string
		notes      string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict by keeping one version",
		Long: `Resolve a pending conflict on the cloud.

The chosen version becomes authoritative and reaches every instance on its
next pull.

Example:
  medsync-agent resolve 9b2e... --use local --by "billing desk"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid conflict id: %w", err)
			}

			ctx := cmd.Context()
			a, err := openAgent(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			resolved, err := a.client.ResolveConflict(ctx, id, models.ResolveConflictRequest{
				Resolution: models.ManualResolution("use_" + strings.TrimPrefix(resolution, "use_")),
				ResolvedBy: by,
				Notes:      notes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resolved)
		},
	}
	cmd.Flags().StringVar(&resolution, "use", "", "version to keep (local|cloud)")
	cmd.Flags().StringVar(&by, "by", "", "who resolves the conflict (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("use")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old sync logs and events already acknowledged by the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openAgent(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := scheduler.NewHousekeeper(a.store, a.cfg.Retention.Logs, a.cfg.Retention.Events, a.logger).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d logs and %d events\n", res.LogsDeleted, res.EventsDeleted)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
