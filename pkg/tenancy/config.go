// Package tenancy resolves the acting tenant (domain, workspace, user) and
// the collector attribution of a request and carries them through the
// request context.
package tenancy

// TenancyMode controls how tenant context is resolved.
type TenancyMode string

const (
	// ModeSingle serves every request as one configured domain.
	ModeSingle TenancyMode = "single"
	// ModeHeader requires the domain on every request (multi-tenant).
	ModeHeader TenancyMode = "header"
)

// DefaultDomainID is the domain used in single mode when none is configured.
const DefaultDomainID = "domain-default"
