package tenancy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSingleTenantResolver(t *testing.T) {
	tests := []struct {
		name     string
		resolver SingleTenantResolver
		header   string
		want     string
	}{
		{"default domain", SingleTenantResolver{}, "", DefaultDomainID},
		{"configured domain", SingleTenantResolver{DomainID: "domain-a"}, "", "domain-a"},
		{"domain header ignored", SingleTenantResolver{DomainID: "domain-a"}, "domain-b", "domain-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.header != "" {
				r.Header.Set(DomainHeader, tt.header)
			}
			tc, err := tt.resolver.Resolve(r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.DomainID != tt.want {
				t.Errorf("DomainID = %q, want %q", tc.DomainID, tt.want)
			}
		})
	}
}

func TestHeaderTenantResolver(t *testing.T) {
	tests := []struct {
		name          string
		headers       map[string]string
		wantDomain    string
		wantWorkspace string
		wantProjects  int
		wantError     bool
	}{
		{
			name:       "domain only",
			headers:    map[string]string{DomainHeader: "domain-a"},
			wantDomain: "domain-a",
		},
		{
			name: "domain, workspace and projects",
			headers: map[string]string{
				DomainHeader:       "domain-a",
				WorkspaceHeader:    "ws-1",
				UserHeader:         "alice",
				UserProjectsHeader: "project-1, project-2,",
			},
			wantDomain:    "domain-a",
			wantWorkspace: "ws-1",
			wantProjects:  2,
		},
		{
			name:      "missing domain",
			headers:   map[string]string{WorkspaceHeader: "ws-1"},
			wantError: true,
		},
		{
			name:      "invalid domain",
			headers:   map[string]string{DomainHeader: "domain a!"},
			wantError: true,
		},
		{
			name:      "invalid workspace - trailing hyphen",
			headers:   map[string]string{DomainHeader: "domain-a", WorkspaceHeader: "ws-"},
			wantError: true,
		},
		{
			name:      "domain too long",
			headers:   map[string]string{DomainHeader: strings.Repeat("a", 64)},
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			tc, err := HeaderTenantResolver{}.Resolve(r)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.DomainID != tt.wantDomain {
				t.Errorf("DomainID = %q, want %q", tc.DomainID, tt.wantDomain)
			}
			if tc.WorkspaceID != tt.wantWorkspace {
				t.Errorf("WorkspaceID = %q, want %q", tc.WorkspaceID, tt.wantWorkspace)
			}
			if len(tc.UserProjects) != tt.wantProjects {
				t.Errorf("UserProjects = %v, want %d entries", tc.UserProjects, tt.wantProjects)
			}
		})
	}
}

func TestAttributionFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/test", nil)
	r.Header.Set(CollectorHeader, "collector-1")
	r.Header.Set(JobHeader, "job-1")
	r.Header.Set(PluginHeader, "plugin-aws")
	r.Header.Set(ServiceAccountHeader, "sa-1")
	r.Header.Set(SecretProjectHeader, "project-9")
	r.Header.Set(ProviderHeader, "aws")

	a := AttributionFromRequest(r)
	if !a.IsCollector() {
		t.Fatalf("expected collector attribution, got %+v", a)
	}
	if a.SecretProjectID != "project-9" || a.Provider != "aws" {
		t.Errorf("unexpected attribution %+v", a)
	}
}
