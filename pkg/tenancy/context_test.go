package tenancy

import (
	"context"
	"testing"
)

func TestWithTenantAndTenantFromContext(t *testing.T) {
	tc := TenantContext{
		DomainID:     "domain-a",
		WorkspaceID:  "ws-1",
		UserID:       "alice",
		UserProjects: []string{"project-1", "project-2"},
	}

	ctx := WithTenant(context.Background(), tc)
	got, ok := TenantFromContext(ctx)
	if !ok {
		t.Fatal("expected TenantFromContext to return true")
	}
	if got.DomainID != tc.DomainID {
		t.Errorf("DomainID = %q, want %q", got.DomainID, tc.DomainID)
	}
	if got.WorkspaceID != tc.WorkspaceID {
		t.Errorf("WorkspaceID = %q, want %q", got.WorkspaceID, tc.WorkspaceID)
	}
	if len(got.UserProjects) != len(tc.UserProjects) {
		t.Fatalf("UserProjects length = %d, want %d", len(got.UserProjects), len(tc.UserProjects))
	}
}

func TestTenantFromContext_Missing(t *testing.T) {
	_, ok := TenantFromContext(context.Background())
	if ok {
		t.Fatal("expected TenantFromContext to return false for empty context")
	}
}

func TestDomainFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "with tenant set",
			ctx:  WithTenant(context.Background(), TenantContext{DomainID: "domain-x"}),
			want: "domain-x",
		},
		{
			name: "without tenant set",
			ctx:  context.Background(),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DomainFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("DomainFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttributionIsCollector(t *testing.T) {
	full := Attribution{CollectorID: "c", JobID: "j", ServiceAccountID: "sa", PluginID: "p"}
	tests := []struct {
		name string
		a    Attribution
		want bool
	}{
		{"all present", full, true},
		{"zero", Attribution{}, false},
		{"missing plugin", Attribution{CollectorID: "c", JobID: "j", ServiceAccountID: "sa"}, false},
		{"missing job", Attribution{CollectorID: "c", ServiceAccountID: "sa", PluginID: "p"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IsCollector(); got != tt.want {
				t.Errorf("IsCollector() = %v, want %v", got, tt.want)
			}
		})
	}

	ctx := WithAttribution(context.Background(), full)
	if got := AttributionFromContext(ctx); got != full {
		t.Errorf("AttributionFromContext() = %+v, want %+v", got, full)
	}
	if got := AttributionFromContext(context.Background()); got.IsCollector() {
		t.Error("empty context must not be attributed to a collector")
	}
}
