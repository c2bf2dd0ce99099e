package main

import (
	"os/signal"
	"syscall"

	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/scheduler"
	"github.com/spf13/cobra"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on a schedule until interrupted",
		Long: `Run the sync scheduler in the foreground.

Every tick the agent syncs when the instance's interval has elapsed, retrying
transient failures with backoff. Housekeeping prunes old logs and events that
already reached the cloud.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openAgent(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := a.scheduler()
			sched.Start(ctx)
			a.logger.Info("agent running", "cloud_url", a.cfg.CloudURL, "tick", a.cfg.Tick)

			<-ctx.Done()
			a.logger.Info("received signal, shutting down")
			sched.Stop()
			return nil
		},
	}
}

func (a *agent) scheduler() *scheduler.Scheduler {
	retry := scheduler.DefaultRetryPolicy()
	retry.MaxAttempts = a.cfg.RetryMaxAttempts
	retry.BaseDelay = a.cfg.RetryBaseDelay

	factory := func(instance *models.SyncInstance) (scheduler.Syncer, error) {
		if instance.ID != a.sync.InstanceID() {
			return nil, scheduler.ErrNoSyncer
		}
		return a.sync, nil
	}

	return scheduler.New(
		a.store.Instances(),
		factory,
		scheduler.NewHousekeeper(a.store, a.cfg.Retention.Logs, a.cfg.Retention.Events, a.logger),
		scheduler.Config{
			Tick:                 a.cfg.Tick,
			HousekeepingInterval: a.cfg.Retention.HousekeepingInterval,
			MaxConcurrent:        a.cfg.MaxConcurrent,
			Retry:                retry,
		},
		a.logger,
	)
}
