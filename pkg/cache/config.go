package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds configuration for the caching layer.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false, identity
	// lookups and catalog reads always go to their source.
	Enabled bool

	// IdentityTTL is the TTL for project, service account and workspace
	// lookups against the identity service.
	IdentityTTL time.Duration

	// CatalogTTL is the TTL for cached asset type, region and metric reads.
	CatalogTTL time.Duration

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:     true,
		IdentityTTL: 300 * time.Second,
		CatalogTTL:  30 * time.Second,
		MaxSize:     1000,
	}
}

// CacheConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - INVENTORY_CACHE_ENABLED: "true" or "false" (default: "true")
//   - INVENTORY_CACHE_IDENTITY_TTL: duration in seconds (default: 300)
//   - INVENTORY_CACHE_CATALOG_TTL: duration in seconds (default: 30)
//   - INVENTORY_CACHE_MAX_SIZE: max entries per cache (default: 1000)
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()

	if v := os.Getenv("INVENTORY_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("INVENTORY_CACHE_IDENTITY_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.IdentityTTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("INVENTORY_CACHE_CATALOG_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CatalogTTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("INVENTORY_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
