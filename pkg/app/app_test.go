package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/config"
	"github.com/cloudforet-io/inventory/pkg/database"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/job"
	"github.com/cloudforet-io/inventory/pkg/inventory/managed"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

type collectingPlugin struct {
	records []map[string]any
}

func (p *collectingPlugin) Dispatch(_ context.Context, _, method string, _ map[string]any) (map[string]any, error) {
	if method == "Job.get_tasks" {
		return map[string]any{"tasks": []any{map[string]any{"task_options": map[string]any{"region": "us-east-1"}}}}, nil
	}
	return nil, errors.New("unsupported method " + method)
}

func (p *collectingPlugin) Stream(context.Context, string, string, map[string]any) (plugin.ResponseStream, error) {
	return &recordStream{records: p.records}, nil
}

type recordStream struct {
	records []map[string]any
	pos     int
}

func (s *recordStream) Recv() (map[string]any, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

func (s *recordStream) Close() error { return nil }

func cloudServer(name string) map[string]any {
	return map[string]any{
		"resource_type": "inventory.CloudService",
		"match_rules":   map[string]any{"1": []any{"name", "provider"}},
		"resource": map[string]any{
			"name":                name,
			"provider":            "aws",
			"cloud_service_group": "EC2",
			"cloud_service_type":  "Instance",
			"region_code":         "us-east-1",
			"data":                map[string]any{"size": "t3.micro"},
		},
	}
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Type: "sqlite",
		DSN:  "file:" + filepath.Join(t.TempDir(), "inventory.db") + "?_pragma=busy_timeout(5000)",
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestApp(t *testing.T, p plugin.Transport) *App {
	t.Helper()
	db := openDB(t)
	a := New(db, Deps{
		Identity: identity.NewStaticClient().AddWorkspace("ws-1", "domain-1"),
		Secrets:  job.StaticSecrets{"secret-1": {"access_key_id": "AKIA"}},
		Plugins:  p,
		Catalog: managed.NewLoader(fstest.MapFS{
			"namespace_group/compute.yaml": {Data: []byte("namespace_group_id: nsg-compute\nname: Compute\nversion: \"1.0\"\n")},
		}),
		Cache: cache.DefaultCacheConfig(),
		Jobs:  job.DefaultConfig(),
	})
	require.NoError(t, a.Migrate(context.Background(), database.NewMigrationLocker(db, true)))
	return a
}

func domainCtx() context.Context {
	return tenancy.WithTenant(context.Background(), tenancy.TenantContext{DomainID: "domain-1"})
}

func TestNewWiresEveryService(t *testing.T) {
	a := newTestApp(t, &collectingPlugin{})
	assert.NotNil(t, a.Services.Assets)
	assert.NotNil(t, a.Services.AssetTypes)
	assert.NotNil(t, a.Services.Regions)
	assert.NotNil(t, a.Services.Namespaces)
	assert.NotNil(t, a.Services.Rules)
	assert.NotNil(t, a.Services.Jobs)
	assert.NotNil(t, a.Services.Managed)
	assert.NotNil(t, a.Workers)
	assert.NotNil(t, a.Cache, "cache is enabled by the default config")
	assert.Len(t, a.stores, 11)

	require.NoError(t, a.Migrate(context.Background(), database.NewMigrationLocker(a.DB, true)), "migration is repeatable")
}

func TestCollectionEndToEnd(t *testing.T) {
	p := &collectingPlugin{records: []map[string]any{
		cloudServer("web-1"),
		cloudServer("web-1"),
		cloudServer("web-2"),
		{
			"resource_type": "inventory.Region",
			"resource":      map[string]any{"name": "US East", "region_code": "us-east-1", "provider": "aws"},
		},
	}}
	a := newTestApp(t, p)
	ctx := domainCtx()

	j, tasks, err := a.Services.Jobs.Create(ctx, job.CreateRequest{
		CollectorID:    "collector-1",
		PluginID:       "plugin-aws",
		PluginEndpoint: "grpc://plugin:50051",
		Secrets:        []job.SecretRef{{SecretID: "secret-1", Provider: "aws"}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.True(t, a.Workers.ProcessOne(context.Background(), 0))

	task, err := a.Services.Jobs.GetTask(ctx, tasks[0].JobTaskID)
	require.NoError(t, err)
	assert.Equal(t, job.TaskSuccess, task.Status)
	assert.Equal(t, 4, task.TotalCount)
	assert.Equal(t, 0, task.FailureCount)

	finished, err := a.Services.Jobs.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, finished.Status)

	assets, total, err := a.Services.Assets.List(ctx, query.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "the repeated record updates the asset it matches")
	for _, row := range assets {
		assert.Equal(t, "aws", row.Provider)
	}

	r, err := a.Services.Regions.Get(ctx, "aws-us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "US East", r.Name)
}

func TestServerUsesAppServices(t *testing.T) {
	a := newTestApp(t, &collectingPlugin{})
	srv := a.Server(config.ServerConfig{PageLimit: 10}, config.TenancyConfig{Mode: tenancy.ModeSingle, DefaultDomain: "domain-1"}, nil)
	require.NotNil(t, srv)
	assert.NotNil(t, srv.Router())
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Cache: *cache.DefaultCacheConfig(),
		Job:   *job.DefaultConfig(),
		Secret: config.SecretConfig{
			Static: map[string]map[string]any{"secret-1": {"token": "t"}},
		},
	}
	d, remote := FromConfig(cfg, nil, nil)
	assert.Nil(t, d.Identity, "no identity endpoint falls back to the in-memory client")
	assert.IsType(t, job.StaticSecrets{}, d.Secrets)
	assert.NotNil(t, d.Plugins)
	assert.Len(t, remote.transports, 1)

	data, err := d.Secrets.SecretData(context.Background(), "secret-1", "domain-1")
	require.NoError(t, err)
	assert.Equal(t, "t", data["token"])

	cfg.Identity.Endpoint = "identity:50051"
	cfg.Secret.Endpoint = "secret:50051"
	d, remote = FromConfig(cfg, nil, nil)
	assert.IsType(t, &identity.GRPCClient{}, d.Identity)
	assert.IsType(t, &job.GRPCSecrets{}, d.Secrets)
	assert.Len(t, remote.transports, 3)
	assert.NoError(t, remote.Close())
}
