package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.Migrate(cmd.Context(), a.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newRegisterInstanceCommand() *cobra.Command {
	var (
		orgID        string
		instanceType string
		name         string
		platform     string
		interval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register-instance",
		Short: "Register a local installation and print its credentials",
		Long: `Register a local installation with the cloud.

The api secret is printed once and cannot be recovered later.

Example:
  medsync-server register-instance --org 3f0c... --type hospital --name "Ward 7"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			svc := instanceService(a)
			instance, creds, err := svc.Register(cmd.Context(), services.RegisterRequest{
				OrganizationID: org,
				InstanceType:   models.InstanceType(instanceType),
				Name:           name,
				Platform:       platform,
				SyncInterval:   interval,
			})
			if err != nil {
				return err
			}
			a.logger.Info("instance registered", "instance_id", instance.ID, "organization_id", org)
			return printJSON(cmd.OutOrStdout(), creds)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	cmd.Flags().StringVar(&instanceType, "type", string(models.InstanceHospital), "instance type (hospital|pharmacy|insurance|lab|imaging)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&platform, "platform", "", "platform description")
	cmd.Flags().DurationVar(&interval, "interval", models.DefaultSyncInterval, "scheduled sync interval")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newRotateCredentialsCommand() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "rotate-credentials",
		Short: "Issue a new api secret and revoke every token of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := instanceService(a).RotateCredentials(cmd.Context(), instanceID)
			if err != nil {
				return err
			}
			a.logger.Info("credentials rotated", "instance_id", instanceID)
			return printJSON(cmd.OutOrStdout(), creds)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newDeactivateInstanceCommand() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "deactivate-instance",
		Short: "Stop an instance from syncing and revoke its tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := instanceService(a).Deactivate(cmd.Context(), instanceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s deactivated\n", instanceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newListInstancesCommand() *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "list-instances",
		Short: "List the instances of an organization with their presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			instances, err := instanceService(a).List(cmd.Context(), org)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), instances)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func instanceService(a *app) *services.InstanceService {
	return services.NewInstanceService(
		a.store.Instances(),
		repositories.NewRedisTokenRepository(a.redis),
		a.cfg.JWTSecret,
		a.cfg.JWTExpiry,
	).WithPresence(repositories.NewRedisPresenceRepository(a.redis))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
