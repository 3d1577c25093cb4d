package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var jobColumns = []string{"job_id", "status", "collector_id", "total_tasks", "success_tasks", "failure_tasks", "created_at"}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage collection jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsCreateCmd(), newJobsCancelCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job map[string]any
			if err := newClient().do(http.MethodGet, api("/jobs/"+args[0]), nil, &job); err != nil {
				return err
			}
			if structured() {
				return printOutput(job)
			}
			printItems(jobColumns, []map[string]any{job})
			return nil
		},
	})
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		collectorID string
		status      string
		pageSize    int
		pageToken   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if collectorID != "" {
				params.Set("collector_id", collectorID)
			}
			if status != "" {
				params.Set("status", status)
			}
			if pageSize > 0 {
				params.Set("page_size", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				params.Set("page_token", pageToken)
			}
			path := api("/jobs")
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp struct {
				Results       []any  `json:"results"`
				NextPageToken string `json:"next_page_token"`
				TotalCount    int    `json:"total_count"`
			}
			if err := newClient().do(http.MethodGet, path, nil, &resp); err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if structured() {
				return printOutput(resp)
			}
			printItems(jobColumns, toMapSlice(resp.Results))
			if resp.NextPageToken != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --page-token %s\n", resp.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collectorID, "collector", "", "Only jobs of this collector")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Jobs per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token of the page to fetch")
	return cmd
}

func newJobsCreateCmd() *cobra.Command {
	var (
		collectorID string
		pluginID    string
		endpoint    string
		secrets     []string
		provider    string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a collection job",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]map[string]any, 0, len(secrets))
			for _, id := range secrets {
				refs = append(refs, map[string]any{"secret_id": id, "provider": provider})
			}
			body := map[string]any{
				"collector_id":    collectorID,
				"plugin_id":       pluginID,
				"plugin_endpoint": endpoint,
				"secrets":         refs,
			}
			var resp struct {
				Job   map[string]any `json:"job"`
				Tasks []any          `json:"tasks"`
			}
			if err := newClient().do(http.MethodPost, api("/jobs"), body, &resp); err != nil {
				return fmt.Errorf("failed to create job: %w", err)
			}
			if structured() {
				return printOutput(resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s with %d task(s)\n", extractValue(resp.Job, "job_id"), len(resp.Tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&collectorID, "collector", "", "Collector id")
	cmd.Flags().StringVar(&pluginID, "plugin", "", "Plugin id")
	cmd.Flags().StringVar(&endpoint, "plugin-endpoint", "", "Plugin gRPC endpoint")
	cmd.Flags().StringSliceVar(&secrets, "secret", nil, "Secret id to collect with (repeatable)")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider of the secrets")
	_ = cmd.MarkFlagRequired("collector")
	_ = cmd.MarkFlagRequired("plugin-endpoint")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job map[string]any
			if err := newClient().do(http.MethodPost, api("/jobs/"+args[0]+":cancel"), nil, &job); err != nil {
				return err
			}
			if structured() {
				return printOutput(job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], extractValue(job, "status"))
			return nil
		},
	}
}

func newManagedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "managed",
		Short: "Manage the built-in catalog of a domain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Install or update the built-in namespaces and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]any
			if err := newClient().do(http.MethodPost, api("/managed:sync"), nil, &res); err != nil {
				return err
			}
			if structured() {
				return printOutput(res)
			}
			rows := [][]string{}
			for _, kind := range []string{"namespace_groups", "namespaces", "metrics"} {
				rows = append(rows, []string{
					kind,
					extractValue(res, kind+".created"),
					extractValue(res, kind+".updated"),
					extractValue(res, kind+".unchanged"),
				})
			}
			printTable([]string{"Kind", "Created", "Updated", "Unchanged"}, rows)
			return nil
		},
	})
	return cmd
}
