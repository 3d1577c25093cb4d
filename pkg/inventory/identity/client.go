// Package identity is the inventory's view of the identity service: project,
// service account, workspace and project group lookups.
package identity

import (
	"context"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// Project is a project as seen by the inventory.
type Project struct {
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	ProjectGroupID string         `json:"project_group_id,omitempty"`
	WorkspaceID    string         `json:"workspace_id,omitempty"`
	DomainID       string         `json:"domain_id,omitempty"`
	Tags           map[string]any `json:"tags,omitempty"`
}

// ServiceAccount is a service account as seen by the inventory.
type ServiceAccount struct {
	ServiceAccountID string         `json:"service_account_id"`
	Name             string         `json:"name"`
	ProjectID        string         `json:"project_id,omitempty"`
	WorkspaceID      string         `json:"workspace_id,omitempty"`
	DomainID         string         `json:"domain_id,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
}

// ProjectGroup is a project group as seen by the inventory.
type ProjectGroup struct {
	ProjectGroupID string `json:"project_group_id"`
	Name           string `json:"name"`
	ParentGroupID  string `json:"parent_group_id,omitempty"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
}

// Client looks up identity records. Lookups of missing records return an
// errs NotFound error.
type Client interface {
	GetProject(ctx context.Context, projectID, domainID string) (*Project, error)
	GetServiceAccount(ctx context.Context, serviceAccountID, domainID string) (*ServiceAccount, error)
	CheckWorkspace(ctx context.Context, workspaceID, domainID string) error
	ListProjectGroups(ctx context.Context, q query.Query, domainID string) ([]ProjectGroup, error)
	ProjectsInProjectGroup(ctx context.Context, projectGroupID string) ([]Project, error)
	ListProjects(ctx context.Context, q query.Query, domainID string) ([]Project, error)
	ListServiceAccounts(ctx context.Context, q query.Query, domainID string) ([]ServiceAccount, error)
}
