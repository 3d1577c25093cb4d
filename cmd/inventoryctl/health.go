package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health and readiness",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()

	var healthResp map[string]any
	if err := client.do(http.MethodGet, "/healthz", nil, &healthResp); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	var readyResp map[string]any
	if err := client.do(http.MethodGet, "/readyz", nil, &readyResp); err != nil {
		// The server might still be starting.
		readyResp = map[string]any{"status": "unknown", "error": err.Error()}
	}

	if structured() {
		return printOutput(map[string]any{
			"health":    healthResp,
			"readiness": readyResp,
		})
	}

	printTable([]string{"Check", "Status"}, [][]string{
		{"Liveness", extractValue(healthResp, "status")},
		{"Uptime", extractValue(healthResp, "uptime")},
		{"Readiness", extractValue(readyResp, "status")},
	})
	return nil
}
