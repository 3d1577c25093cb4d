package plugin

import (
	"context"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

// DefaultCollectorVersion is used when options carry no collector_version.
const DefaultCollectorVersion = "v1"

// Connector speaks one version of the collector plugin protocol.
type Connector interface {
	Verify(ctx context.Context, endpoint string, options, secretData map[string]any) (map[string]any, error)
	GetTasks(ctx context.Context, endpoint string, options, secretData map[string]any) (map[string]any, error)
	Collect(ctx context.Context, endpoint string, options, secretData, taskOptions map[string]any) (ResponseStream, error)
}

// Registry maps a collector version to its connector.
type Registry map[string]Connector

// NewRegistry returns a registry with every built-in connector version.
func NewRegistry(t Transport) Registry {
	return Registry{
		"v1": &V1Connector{Transport: t},
	}
}

// Register adds or replaces the connector for version.
func (r Registry) Register(version string, c Connector) {
	r[version] = c
}

// Lookup returns the connector for version.
func (r Registry) Lookup(version string) (Connector, error) {
	if version == "" {
		version = DefaultCollectorVersion
	}
	c, ok := r[version]
	if !ok {
		return nil, errs.ConnectorNotFound(version)
	}
	return c, nil
}

// V1Connector implements the v1 collector protocol.
type V1Connector struct {
	Transport Transport
}

func (c *V1Connector) Verify(ctx context.Context, endpoint string, options, secretData map[string]any) (map[string]any, error) {
	return c.Transport.Dispatch(ctx, endpoint, "Collector.verify", map[string]any{
		"options":     orEmpty(options),
		"secret_data": orEmpty(secretData),
	})
}

func (c *V1Connector) GetTasks(ctx context.Context, endpoint string, options, secretData map[string]any) (map[string]any, error) {
	return c.Transport.Dispatch(ctx, endpoint, "Job.get_tasks", map[string]any{
		"options":     orEmpty(options),
		"secret_data": orEmpty(secretData),
	})
}

func (c *V1Connector) Collect(ctx context.Context, endpoint string, options, secretData, taskOptions map[string]any) (ResponseStream, error) {
	params := map[string]any{
		"options":     orEmpty(options),
		"secret_data": orEmpty(secretData),
		"filter":      map[string]any{},
	}
	if len(taskOptions) > 0 {
		params["task_options"] = taskOptions
	}
	return c.Transport.Stream(ctx, endpoint, "Collector.collect", params)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
