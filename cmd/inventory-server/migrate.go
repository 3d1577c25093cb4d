package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudforet-io/inventory/pkg/app"
	"github.com/cloudforet-io/inventory/pkg/database"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			deps, remote := app.FromConfig(cfg, logger, nil)
			defer remote.Close()
			return app.New(db, deps).Migrate(cmd.Context(), database.NewMigrationLocker(db, cfg.Database.MigrationLock))
		},
	}
}

func newSyncManagedCmd(v *viper.Viper) *cobra.Command {
	var domains []string
	cmd := &cobra.Command{
		Use:   "sync-managed",
		Short: "Install the built-in namespaces and metrics into domains",
		Long: `sync-managed creates the managed namespace groups, namespaces and metrics a
domain is missing and updates those at an older version. With no --domain it
syncs the configured default domain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			deps, remote := app.FromConfig(cfg, logger, nil)
			defer remote.Close()
			a := app.New(db, deps)
			if cfg.Database.AutoMigrate {
				if err := a.Migrate(cmd.Context(), database.NewMigrationLocker(db, cfg.Database.MigrationLock)); err != nil {
					return err
				}
			}

			if len(domains) == 0 {
				domain := cfg.Tenancy.DefaultDomain
				if domain == "" {
					domain = tenancy.DefaultDomainID
				}
				domains = []string{domain}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, domain := range domains {
				res, err := a.Services.Managed.SyncDetailed(cmd.Context(), domain)
				if err != nil {
					return err
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "Domain to sync (repeatable)")
	return cmd
}
