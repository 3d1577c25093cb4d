package tenancy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

const maxIDLen = 63

var idRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]*[a-zA-Z0-9])?$`)

// Request headers carrying the tenant.
const (
	DomainHeader       = "X-Domain-Id"
	WorkspaceHeader    = "X-Workspace-Id"
	UserHeader         = "X-User-Id"
	UserProjectsHeader = "X-User-Projects"
)

// Request headers carrying collector attribution.
const (
	CollectorHeader      = "X-Collector-Id"
	JobHeader            = "X-Job-Id"
	JobTaskHeader        = "X-Job-Task-Id"
	PluginHeader         = "X-Plugin-Id"
	SecretHeader         = "X-Secret-Id"
	ServiceAccountHeader = "X-Service-Account-Id"
	SecretProjectHeader  = "X-Secret-Project-Id"
	ProviderHeader       = "X-Provider"
)

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// SingleTenantResolver serves every request as DomainID. Workspace and user
// headers are still honored.
type SingleTenantResolver struct {
	DomainID string
}

func (s SingleTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	domain := s.DomainID
	if domain == "" {
		domain = DefaultDomainID
	}
	tc := TenantContext{DomainID: domain}
	if err := resolveOptional(r, &tc); err != nil {
		return TenantContext{}, err
	}
	return tc, nil
}

// HeaderTenantResolver reads the tenant from request headers. The domain is
// always required.
type HeaderTenantResolver struct{}

// Resolve extracts the tenant from the X-Domain-Id, X-Workspace-Id,
// X-User-Id and X-User-Projects headers.
func (HeaderTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	domain := r.Header.Get(DomainHeader)
	if domain == "" {
		return TenantContext{}, errs.New(errs.KindValidation, "ERROR_REQUIRED_PARAMETER",
			"required parameter: domain_id (set the %s header)", DomainHeader)
	}
	if err := validateID("domain", domain); err != nil {
		return TenantContext{}, err
	}
	tc := TenantContext{DomainID: domain}
	if err := resolveOptional(r, &tc); err != nil {
		return TenantContext{}, err
	}
	return tc, nil
}

func resolveOptional(r *http.Request, tc *TenantContext) error {
	if ws := r.Header.Get(WorkspaceHeader); ws != "" {
		if err := validateID("workspace", ws); err != nil {
			return err
		}
		tc.WorkspaceID = ws
	}
	tc.UserID = r.Header.Get(UserHeader)
	if raw := r.Header.Get(UserProjectsHeader); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				tc.UserProjects = append(tc.UserProjects, p)
			}
		}
	}
	return nil
}

// AttributionFromRequest reads collector attribution headers.
func AttributionFromRequest(r *http.Request) Attribution {
	return Attribution{
		CollectorID:      r.Header.Get(CollectorHeader),
		JobID:            r.Header.Get(JobHeader),
		JobTaskID:        r.Header.Get(JobTaskHeader),
		PluginID:         r.Header.Get(PluginHeader),
		SecretID:         r.Header.Get(SecretHeader),
		ServiceAccountID: r.Header.Get(ServiceAccountHeader),
		SecretProjectID:  r.Header.Get(SecretProjectHeader),
		Provider:         r.Header.Get(ProviderHeader),
	}
}

func validateID(kind, id string) error {
	key := kind + "_id"
	if len(id) > maxIDLen {
		return errs.InvalidParameter(key, fmt.Sprintf("longer than %d characters", maxIDLen))
	}
	if !idRe.MatchString(id) {
		return errs.InvalidParameter(key, fmt.Sprintf("%q must be alphanumeric with inner hyphens or underscores", id))
	}
	return nil
}
