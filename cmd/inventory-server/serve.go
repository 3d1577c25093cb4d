package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudforet-io/inventory/pkg/app"
	"github.com/cloudforet-io/inventory/pkg/audit"
	"github.com/cloudforet-io/inventory/pkg/database"
	"github.com/cloudforet-io/inventory/pkg/metrics"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the inventory API and run collection workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger.Info("starting inventory server",
		"addr", cfg.Server.Addr,
		"database", cfg.Database.Type,
		"tenancy", cfg.Tenancy.Mode,
		"version", version,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	m := metrics.New()
	deps, remote := app.FromConfig(cfg, logger, m)
	defer func() {
		if err := remote.Close(); err != nil {
			logger.Error("closing remote connections", "error", err)
		}
	}()
	a := app.New(db, deps)

	if cfg.Database.AutoMigrate {
		if err := a.Migrate(ctx, database.NewMigrationLocker(db, cfg.Database.MigrationLock)); err != nil {
			glog.Fatalf("Failed to migrate database: %v", err)
		}
	}

	if cfg.Server.SyncManaged && cfg.Tenancy.Mode == tenancy.ModeSingle {
		domain := cfg.Tenancy.DefaultDomain
		if domain == "" {
			domain = tenancy.DefaultDomainID
		}
		if _, err := a.Services.Managed.SyncDetailed(ctx, domain); err != nil {
			logger.Error("managed catalog sync failed", "domainID", domain, "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Workers.Run(ctx)
	}()
	if cfg.Audit.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			audit.NewRetentionWorker(a.Audit, cfg.Audit, logger, m).Run(ctx)
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Server(cfg.Server, cfg.Tenancy, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("inventory server ready", "addr", cfg.Server.Addr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	wg.Wait()

	logger.Info("inventory server stopped")
	return nil
}
