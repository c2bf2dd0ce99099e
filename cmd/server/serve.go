package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/handler"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/scheduler"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")

	return cmd
}

func serve(parent context.Context, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := database.Migrate(ctx, a.pool); err != nil {
			return err
		}
		a.logger.Info("schema applied")
	}

	registry := entities.DefaultRegistry()
	resolver := conflict.NewResolver(a.cfg.DefaultStrategy, a.logger)
	writer := capture.NewWriter(a.store, registry, nil, a.logger)
	applier := services.NewApplier(a.store, registry, resolver, writer, services.SideCloud, a.logger)
	presence := repositories.NewRedisPresenceRepository(a.redis)

	cloud := services.NewCloudSyncService(a.store, applier, presence, a.logger).
		WithSettleWindow(a.cfg.SettleWindow)

	router := handler.NewRouter(handler.RouterConfig{
		Cloud:          cloud,
		Conflicts:      services.NewConflictService(a.store, writer, a.logger),
		Instances:      instanceService(a),
		Logger:         a.logger,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
		AccessLog:      true,
	})

	housekeeper := scheduler.NewHousekeeper(a.store, a.cfg.Retention.Logs, a.cfg.Retention.Events, a.logger)
	sched := scheduler.New(nil, nil, housekeeper, scheduler.Config{
		HousekeepingInterval: a.cfg.Retention.HousekeepingInterval,
	}, a.logger)
	sched.Start(ctx)
	defer sched.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", a.cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "port", a.cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	a.logger.Info("server stopped gracefully")
	return nil
}
