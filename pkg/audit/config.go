// Package audit records every write made through the inventory API so
// operators can tell who changed what, independent of per-asset history.
package audit

// AuditConfig controls audit behavior.
type AuditConfig struct {
	RetentionDays int  `mapstructure:"retention_days"` // Default 90
	LogDenied     bool `mapstructure:"log_denied"`     // Whether to record rejected (4xx) writes
	Enabled       bool `mapstructure:"enabled"`
}

// DefaultAuditConfig returns the default configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		RetentionDays: 90,
		LogDenied:     true,
		Enabled:       true,
	}
}
