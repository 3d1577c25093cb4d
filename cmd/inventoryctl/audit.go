package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var auditColumns = []string{"created_at", "actor", "action", "resource_type", "resource_id", "outcome", "status_code"}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the API audit trail",
	}

	filters := map[string]*string{}
	var (
		pageSize  int
		pageToken string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			for key, v := range filters {
				if *v != "" {
					params.Set(key, *v)
				}
			}
			if pageSize > 0 {
				params.Set("page_size", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				params.Set("page_token", pageToken)
			}
			path := api("/audit-events")
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp struct {
				Results       []any  `json:"results"`
				NextPageToken string `json:"next_page_token"`
				TotalCount    int    `json:"total_count"`
			}
			if err := newClient().do(http.MethodGet, path, nil, &resp); err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			if structured() {
				return printOutput(resp)
			}
			printItems(auditColumns, toMapSlice(resp.Results))
			if resp.NextPageToken != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --page-token %s\n", resp.NextPageToken)
			}
			return nil
		},
	}
	for _, f := range []struct{ flag, param, usage string }{
		{"actor", "actor", "Only events of this user"},
		{"resource-type", "resource_type", "Only events on this kind of resource, e.g. assets"},
		{"action", "action", "Only events with this action, e.g. create"},
		{"outcome", "outcome", "Only events with this outcome (success, rejected, denied, failure)"},
	} {
		filters[f.param] = list.Flags().String(f.flag, "", f.usage)
	}
	list.Flags().IntVar(&pageSize, "page-size", 0, "Events per page")
	list.Flags().StringVar(&pageToken, "page-token", "", "Token of the page to fetch")

	cmd.AddCommand(list, &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show an audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var event map[string]any
			if err := newClient().do(http.MethodGet, api("/audit-events/"+args[0]), nil, &event); err != nil {
				return err
			}
			if structured() {
				return printOutput(event)
			}
			printItems(auditColumns, []map[string]any{event})
			return nil
		},
	})
	return cmd
}
