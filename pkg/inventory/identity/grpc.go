package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// ServicePackage is the protobuf package of the identity service.
const ServicePackage = "spaceone.api.identity.v2"

// GRPCClient calls the identity service through a plugin.Transport. The
// transport is expected to carry the service token and ServicePackage.
type GRPCClient struct {
	transport plugin.Transport
	endpoint  string
}

// NewGRPCClient creates a client for the identity service at endpoint.
func NewGRPCClient(t plugin.Transport, endpoint string) *GRPCClient {
	return &GRPCClient{transport: t, endpoint: endpoint}
}

// NewGRPCTransport returns a gRPC transport configured for the identity
// service.
func NewGRPCTransport(token string, opts ...plugin.GRPCOption) *plugin.GRPCTransport {
	opts = append([]plugin.GRPCOption{plugin.WithServicePackage(ServicePackage), plugin.WithToken(token)}, opts...)
	return plugin.NewGRPCTransport(opts...)
}

func (c *GRPCClient) GetProject(ctx context.Context, projectID, domainID string) (*Project, error) {
	var p Project
	if err := c.call(ctx, "Project.get", map[string]any{"project_id": projectID, "domain_id": domainID}, &p); err != nil {
		return nil, c.translate(err, "project_id", projectID)
	}
	return &p, nil
}

func (c *GRPCClient) GetServiceAccount(ctx context.Context, serviceAccountID, domainID string) (*ServiceAccount, error) {
	var sa ServiceAccount
	params := map[string]any{"service_account_id": serviceAccountID, "domain_id": domainID}
	if err := c.call(ctx, "ServiceAccount.get", params, &sa); err != nil {
		return nil, c.translate(err, "service_account_id", serviceAccountID)
	}
	return &sa, nil
}

func (c *GRPCClient) CheckWorkspace(ctx context.Context, workspaceID, domainID string) error {
	params := map[string]any{"workspace_id": workspaceID, "domain_id": domainID}
	if err := c.call(ctx, "Workspace.check", params, nil); err != nil {
		return c.translate(err, "workspace_id", workspaceID)
	}
	return nil
}

func (c *GRPCClient) ListProjectGroups(ctx context.Context, q query.Query, domainID string) ([]ProjectGroup, error) {
	var resp struct {
		Results []ProjectGroup `json:"results"`
	}
	if err := c.call(ctx, "ProjectGroup.list", map[string]any{"query": q.ToMap(), "domain_id": domainID}, &resp); err != nil {
		return nil, c.translate(err, "domain_id", domainID)
	}
	return resp.Results, nil
}

func (c *GRPCClient) ProjectsInProjectGroup(ctx context.Context, projectGroupID string) ([]Project, error) {
	var resp struct {
		Results []Project `json:"results"`
	}
	params := map[string]any{"project_group_id": projectGroupID, "include_children": true}
	if err := c.call(ctx, "ProjectGroup.list_projects", params, &resp); err != nil {
		return nil, c.translate(err, "project_group_id", projectGroupID)
	}
	return resp.Results, nil
}

func (c *GRPCClient) ListProjects(ctx context.Context, q query.Query, domainID string) ([]Project, error) {
	var resp struct {
		Results []Project `json:"results"`
	}
	if err := c.call(ctx, "Project.list", map[string]any{"query": q.ToMap(), "domain_id": domainID}, &resp); err != nil {
		return nil, c.translate(err, "domain_id", domainID)
	}
	return resp.Results, nil
}

func (c *GRPCClient) ListServiceAccounts(ctx context.Context, q query.Query, domainID string) ([]ServiceAccount, error) {
	var resp struct {
		Results []ServiceAccount `json:"results"`
	}
	if err := c.call(ctx, "ServiceAccount.list", map[string]any{"query": q.ToMap(), "domain_id": domainID}, &resp); err != nil {
		return nil, c.translate(err, "domain_id", domainID)
	}
	return resp.Results, nil
}

func (c *GRPCClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	resp, err := c.transport.Dispatch(ctx, c.endpoint, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", method, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *GRPCClient) translate(err error, key, value string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return errs.NotFound(key, value)
	case codes.PermissionDenied, codes.Unauthenticated:
		return errs.Wrap(err, errs.KindPermissionDenied, "ERROR_PERMISSION_DENIED", "identity denied access to %s=%s", key, value)
	case codes.InvalidArgument:
		return errs.Wrap(err, errs.KindValidation, "ERROR_INVALID_PARAMETER", "identity rejected %s=%s", key, value)
	}
	return errs.Upstream(err, "identity lookup %s=%s", key, value)
}
