package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	domainID  string
	workspace string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inventoryctl",
		Short: "CLI for the inventory server",
		Long: `inventoryctl lists and manages inventory resources, collection jobs and the
managed catalog through the inventory server HTTP API.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Inventory server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&domainID, "domain", "", "Domain id (default: from INVENTORY_DOMAIN_ID env)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "Workspace id to scope requests to")

	rootCmd.AddCommand(newHealthCmd())
	for _, kind := range resourceKinds {
		rootCmd.AddCommand(newResourceCmd(kind))
	}
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newManagedCmd())
	rootCmd.AddCommand(newAuditCmd())
	return rootCmd
}

// resolvedDomain returns the effective domain.
// Priority: --domain flag > INVENTORY_DOMAIN_ID env var.
func resolvedDomain() string {
	if domainID != "" {
		return domainID
	}
	return os.Getenv("INVENTORY_DOMAIN_ID")
}
