package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/medsync/internal/config"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/logging"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "medsync-server",
		Short:         "Cloud end of the medsync synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newRegisterInstanceCommand())
	cmd.AddCommand(newRotateCredentialsCommand())
	cmd.AddCommand(newDeactivateInstanceCommand())
	cmd.AddCommand(newListInstancesCommand())

	return cmd
}

// app holds the connections shared by every server command.
type app struct {
	cfg    *config.ServerConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	store  *repositories.PostgresStore
	closer io.Closer
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.ServerPoolConfig())
	if err != nil {
		closer.Close()
		return nil, err
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		closer.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		redis:  redisClient,
		store:  repositories.NewPostgresStore(pool),
		closer: closer,
	}, nil
}

func (a *app) Close() {
	if err := a.redis.Close(); err != nil {
		a.logger.Error("error closing redis", "error", err)
	}
	a.pool.Close()
	a.closer.Close()
}
