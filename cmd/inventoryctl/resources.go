package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// resourceKind describes one listable inventory resource.
type resourceKind struct {
	Name      string
	Path      string
	Columns   []string
	Deletable bool
}

var resourceKinds = []resourceKind{
	{Name: "assets", Path: "/assets", Columns: []string{"asset_id", "name", "provider", "asset_type_id", "region_code", "state"}, Deletable: true},
	{Name: "asset-types", Path: "/asset-types", Columns: []string{"asset_type_id", "name", "provider", "is_managed"}, Deletable: true},
	{Name: "regions", Path: "/regions", Columns: []string{"region_id", "name", "provider", "region_code"}, Deletable: true},
	{Name: "namespace-groups", Path: "/namespace-groups", Columns: []string{"namespace_group_id", "name", "is_managed", "version"}, Deletable: true},
	{Name: "namespaces", Path: "/namespaces", Columns: []string{"namespace_id", "name", "category", "namespace_group_id"}, Deletable: true},
	{Name: "metrics", Path: "/metrics", Columns: []string{"metric_id", "name", "metric_type", "namespace_id"}},
	{Name: "collector-rules", Path: "/collector-rules", Columns: []string{"collector_rule_id", "name", "rule_type", "order", "collector_id"}, Deletable: true},
	{Name: "job-tasks", Path: "/job-tasks", Columns: []string{"job_task_id", "status", "job_id", "total_count", "failure_count"}, Deletable: true},
}

func newResourceCmd(kind resourceKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind.Name,
		Short: fmt.Sprintf("Manage %s", kind.Name),
	}
	cmd.AddCommand(newListCmd(kind))
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: fmt.Sprintf("Show one of the %s", kind.Name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item map[string]any
			if err := newClient().do(http.MethodGet, api(kind.Path+"/"+args[0]), nil, &item); err != nil {
				return err
			}
			if structured() {
				return printOutput(item)
			}
			printItems(kind.Columns, []map[string]any{item})
			return nil
		},
	})
	if kind.Deletable {
		cmd.AddCommand(&cobra.Command{
			Use:   "delete <id>",
			Short: fmt.Sprintf("Delete one of the %s", kind.Name),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := newClient().do(http.MethodDelete, api(kind.Path+"/"+args[0]), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			},
		})
	}
	return cmd
}

func newListCmd(kind resourceKind) *cobra.Command {
	var (
		filter  string
		keyword string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %s", kind.Name),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := listBody(filter, keyword, limit)
			var resp struct {
				Results    []any `json:"results"`
				TotalCount int64 `json:"total_count"`
			}
			if err := newClient().do(http.MethodPost, api(kind.Path+":list"), body, &resp); err != nil {
				return fmt.Errorf("failed to list %s: %w", kind.Name, err)
			}
			if structured() {
				return printOutput(resp)
			}
			printItems(kind.Columns, toMapSlice(resp.Results))
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d\n", len(resp.Results), resp.TotalCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", `Filter expression, e.g. "provider = aws AND state = ACTIVE"`)
	cmd.Flags().StringVar(&keyword, "keyword", "", "Free text search")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	return cmd
}

// listBody builds a :list request body.
func listBody(filter, keyword string, limit int) map[string]any {
	body := map[string]any{}
	if filter != "" {
		body["filter"] = filter
	}
	q := map[string]any{}
	if keyword != "" {
		q["keyword"] = keyword
	}
	if limit > 0 {
		q["page"] = map[string]any{"limit": limit}
	}
	if len(q) > 0 {
		body["query"] = q
	}
	return body
}

func printItems(columns []string, items []map[string]any) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = truncate(extractValue(item, col), 50)
		}
		rows = append(rows, row)
	}
	printTable(columns, rows)
}
