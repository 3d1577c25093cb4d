// Package main provides the inventory server entry point. It serves the
// inventory HTTP API and runs the collection workers in one process.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudforet-io/inventory/pkg/config"
)

var version = "dev"

func main() {
	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	rootCmd := &cobra.Command{
		Use:   "inventory-server",
		Short: "Resource inventory server",
		Long: `inventory-server stores cloud resources collected by plugins and serves
the inventory HTTP API.

Settings come from flags, INVENTORY_* environment variables and an optional
YAML file, in that order of precedence.`,
		Version:      version,
		SilenceUsage: true,
	}
	if err := config.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		glog.Fatalf("Failed to bind flags: %v", err)
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newMigrateCmd(v))
	rootCmd.AddCommand(newSyncManagedCmd(v))
	return rootCmd
}

// loadConfig reads the configuration and installs the default logger it
// describes.
func loadConfig(v *viper.Viper) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected text or json)", cfg.Format)
	}
}
