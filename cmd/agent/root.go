package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/client"
	"github.com/prudhvinik1/medsync/internal/config"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/logging"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "medsync-agent",
		Short:         "Sync a local installation with the medsync cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))

	return cmd
}

// agent holds the local store and, when online, the cloud client and sync service.
type agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
	store  *repositories.PostgresStore
	closer io.Closer

	client *client.Client
	sync   *services.SyncService
}

func openAgent(ctx context.Context, opts *rootOptions, online bool) (*agent, error) {
	cfg, err := config.LoadAgentConfig(online)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, closer, err := logging.New(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.AgentPoolConfig())
	if err != nil {
		closer.Close()
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		closer.Close()
		return nil, err
	}

	a := &agent{
		cfg:    cfg,
		logger: logger.With("instance_id", cfg.InstanceID),
		pool:   pool,
		store:  repositories.NewPostgresStore(pool),
		closer: closer,
	}
	if !online {
		return a, nil
	}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// connect authenticates against the cloud and builds the sync service.
func (a *agent) connect(ctx context.Context) error {
	a.client = client.New(a.cfg.CloudURL, a.cfg.InstanceToken, a.cfg.InstanceID, &http.Client{Timeout: a.cfg.HTTPTimeout})
	if a.cfg.InstanceToken == "" {
		if _, err := a.client.Authenticate(ctx, a.cfg.InstanceAPIKey, a.cfg.InstanceAPISecret); err != nil {
			return fmt.Errorf("failed to authenticate with cloud: %w", err)
		}
	}

	if err := a.ensureInstance(ctx); err != nil {
		return err
	}

	registry := entities.DefaultRegistry()
	origin := a.cfg.InstanceID
	writer := capture.NewWriter(a.store, registry, &origin, a.logger)
	resolver := conflict.NewResolver(a.cfg.DefaultStrategy, a.logger)
	applier := services.NewApplier(a.store, registry, resolver, writer, services.SideLocal, a.logger)

	syncCfg := services.DefaultSyncConfig()
	syncCfg.BatchSize = a.cfg.BatchSize
	syncCfg.PullLookback = a.cfg.PullLookback
	a.sync = services.NewSyncService(a.store, applier, a.client, a.cfg.InstanceID, syncCfg, a.logger)
	return nil
}

// ensureInstance creates the local row for this installation on first start.
func (a *agent) ensureInstance(ctx context.Context) error {
	_, err := a.store.Instances().GetByID(ctx, a.cfg.InstanceID)
	if err == nil || !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	status, err := a.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read instance from cloud: %w", err)
	}

	apiKey := a.cfg.InstanceAPIKey
	if apiKey == "" {
		apiKey = "local-" + a.cfg.InstanceID.String()
	}
	instance := &models.SyncInstance{
		ID:           a.cfg.InstanceID,
		InstanceType: a.cfg.InstanceType,
		Name:         status.InstanceName,
		APIKey:       apiKey,
		IsActive:     status.IsActive,
		SyncEnabled:  status.SyncEnabled,
		SyncInterval: status.Interval(),
	}
	if err := a.store.Instances().Create(ctx, instance); err != nil && !errors.Is(err, repositories.ErrAlreadyExists) {
		return fmt.Errorf("failed to create local instance: %w", err)
	}
	a.logger.Info("local instance created", "name", instance.Name)
	return nil
}

func (a *agent) Close() {
	a.pool.Close()
	a.closer.Close()
}
