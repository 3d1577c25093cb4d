// Package config loads the inventory service configuration from defaults,
// an optional YAML file, INVENTORY_* environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cloudforet-io/inventory/pkg/audit"
	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/database"
	"github.com/cloudforet-io/inventory/pkg/inventory/job"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// EnvPrefix prefixes every environment variable, e.g.
// INVENTORY_DATABASE_DSN for database.dsn.
const EnvPrefix = "INVENTORY"

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Database database.Config   `mapstructure:"database"`
	Job      job.Config        `mapstructure:"job"`
	Cache    cache.CacheConfig `mapstructure:"cache"`
	Identity IdentityConfig    `mapstructure:"identity"`
	Secret   SecretConfig      `mapstructure:"secret"`
	Tenancy  TenancyConfig     `mapstructure:"tenancy"`
	Audit    audit.AuditConfig `mapstructure:"audit"`
	Log      LogConfig         `mapstructure:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PageLimit       int           `mapstructure:"page_limit"`
	SyncManaged     bool          `mapstructure:"sync_managed"`
}

// IdentityConfig locates the identity service. An empty endpoint uses an
// in-memory directory, for local runs.
type IdentityConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// SecretConfig locates the secret service. An empty endpoint resolves
// secrets from Static, for local runs.
type SecretConfig struct {
	Endpoint string                    `mapstructure:"endpoint"`
	Token    string                    `mapstructure:"token"`
	Static   map[string]map[string]any `mapstructure:"static"`
}

// TenancyConfig controls how a request's domain is resolved.
type TenancyConfig struct {
	Mode          tenancy.TenancyMode `mapstructure:"mode"`
	DefaultDomain string              `mapstructure:"default_domain"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.page_limit", 1000)
	v.SetDefault("server.sync_managed", true)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "file:inventory.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migration_lock", true)
	v.SetDefault("database.auto_migrate", true)

	jobs := job.DefaultConfig()
	v.SetDefault("job.concurrency", jobs.Concurrency)
	v.SetDefault("job.poll_interval", jobs.PollInterval)
	v.SetDefault("job.claim_timeout", jobs.ClaimTimeout)
	v.SetDefault("job.retention_days", jobs.RetentionDays)
	v.SetDefault("job.enabled", jobs.Enabled)

	// INVENTORY_CACHE_*_TTL are read in seconds by the cache package.
	caches := cache.CacheConfigFromEnv()
	v.SetDefault("cache.enabled", caches.Enabled)
	v.SetDefault("cache.identityttl", caches.IdentityTTL)
	v.SetDefault("cache.catalogttl", caches.CatalogTTL)
	v.SetDefault("cache.maxsize", caches.MaxSize)

	audits := audit.DefaultAuditConfig()
	v.SetDefault("audit.enabled", audits.Enabled)
	v.SetDefault("audit.log_denied", audits.LogDenied)
	v.SetDefault("audit.retention_days", audits.RetentionDays)

	v.SetDefault("tenancy.mode", string(tenancy.ModeSingle))
	v.SetDefault("tenancy.default_domain", tenancy.DefaultDomainID)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlags registers the server flags on fs and binds them into v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("addr", ":8080", "Address to listen on")
	fs.String("db-type", "sqlite", "Database type (postgres, mysql or sqlite)")
	fs.String("db-dsn", "", "Database connection string")
	fs.String("tenancy-mode", string(tenancy.ModeSingle), "Tenancy mode (single or header)")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"server.addr":   "addr",
		"database.type": "db-type",
		"database.dsn":  "db-dsn",
		"tenancy.mode":  "tenancy-mode",
		"log.level":     "log-level",
		"config_file":   "config",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file named by the config_file key and
// decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q (expected postgres, mysql or sqlite)", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	switch c.Tenancy.Mode {
	case tenancy.ModeSingle, tenancy.ModeHeader:
	default:
		return fmt.Errorf("unsupported tenancy mode %q (expected single or header)", c.Tenancy.Mode)
	}
	if c.Job.Concurrency < 1 {
		return errors.New("job concurrency must be at least 1")
	}
	if c.Job.PollInterval <= 0 {
		return errors.New("job poll interval must be positive")
	}
	if c.Server.PageLimit < 1 {
		return errors.New("server page limit must be at least 1")
	}
	return nil
}
