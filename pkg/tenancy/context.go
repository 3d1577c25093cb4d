package tenancy

import "context"

type ctxKey struct{}

type attributionKey struct{}

// TenantContext carries the resolved tenant through request context.
type TenantContext struct {
	DomainID    string
	WorkspaceID string
	UserID      string
	// UserProjects restricts reads to these projects when non-empty.
	UserProjects []string
}

// WithTenant returns a new context with the given TenantContext attached.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// TenantFromContext retrieves the TenantContext from the context.
// Returns the zero value and false if no tenant is set.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok
}

// DomainFromContext returns the domain from the context, or "" if no
// tenant context is set.
func DomainFromContext(ctx context.Context) string {
	tc, ok := TenantFromContext(ctx)
	if !ok {
		return ""
	}
	return tc.DomainID
}

// Attribution identifies the collector run a write originates from. Writes
// made by users carry a zero Attribution.
type Attribution struct {
	CollectorID      string
	JobID            string
	JobTaskID        string
	PluginID         string
	SecretID         string
	ServiceAccountID string
	SecretProjectID  string
	Provider         string
}

// IsCollector reports whether the write was made by a collector. All four
// of collector, job, service account and plugin must be known.
func (a Attribution) IsCollector() bool {
	return a.CollectorID != "" && a.JobID != "" && a.ServiceAccountID != "" && a.PluginID != ""
}

// WithAttribution returns a new context carrying a.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	return context.WithValue(ctx, attributionKey{}, a)
}

// AttributionFromContext returns the attribution of the context, or the
// zero value for user writes.
func AttributionFromContext(ctx context.Context) Attribution {
	a, _ := ctx.Value(attributionKey{}).(Attribution)
	return a
}
