package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 1000, cfg.Server.PageLimit)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.True(t, cfg.Database.MigrationLock)
	assert.Equal(t, 3, cfg.Job.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Job.PollInterval)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, tenancy.ModeSingle, cfg.Tenancy.Mode)
	assert.Equal(t, tenancy.DefaultDomainID, cfg.Tenancy.DefaultDomain)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("INVENTORY_DATABASE_TYPE", "postgres")
	t.Setenv("INVENTORY_DATABASE_DSN", "host=db user=inventory")
	t.Setenv("INVENTORY_JOB_CONCURRENCY", "8")
	t.Setenv("INVENTORY_JOB_POLL_INTERVAL", "2s")
	t.Setenv("INVENTORY_CACHE_CATALOG_TTL", "90")
	t.Setenv("INVENTORY_TENANCY_MODE", "header")
	t.Setenv("INVENTORY_AUDIT_LOG_DENIED", "false")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "host=db user=inventory", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Job.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Job.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Cache.CatalogTTL)
	assert.Equal(t, tenancy.ModeHeader, cfg.Tenancy.Mode)
	assert.False(t, cfg.Audit.LogDenied)
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  page_limit: 50
database:
  type: mysql
  dsn: "inventory:secret@tcp(db:3306)/inventory"
secret:
  static:
    secret-1:
      access_key: abc
`), 0o600))

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--config", path, "--addr", ":9100"}))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "flags override the file")
	assert.Equal(t, 50, cfg.Server.PageLimit)
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "abc", cfg.Secret.Static["secret-1"]["access_key"])
}

func TestLoadMissingFile(t *testing.T) {
	v := New()
	v.Set("config_file", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"database type", func(c *Config) { c.Database.Type = "oracle" }, "unsupported database type"},
		{"database dsn", func(c *Config) { c.Database.DSN = "" }, "dsn is required"},
		{"tenancy mode", func(c *Config) { c.Tenancy.Mode = "jwt" }, "unsupported tenancy mode"},
		{"concurrency", func(c *Config) { c.Job.Concurrency = 0 }, "concurrency"},
		{"poll interval", func(c *Config) { c.Job.PollInterval = 0 }, "poll interval"},
		{"page limit", func(c *Config) { c.Server.PageLimit = 0 }, "page limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New())
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
