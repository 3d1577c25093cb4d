package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforet-io/inventory/pkg/inventory/adapter"
	"github.com/cloudforet-io/inventory/pkg/inventory/asset"
	"github.com/cloudforet-io/inventory/pkg/inventory/assettype"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/region"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// memAssets matches assets by name.
type memAssets struct {
	byName  map[string]*asset.Asset
	attrs   []tenancy.Attribution
	failFor string
}

func (m *memAssets) Match(_ context.Context, _ map[string][]string, fields map[string]any) (*asset.Asset, error) {
	name, _ := fields["name"].(string)
	return m.byName[name], nil
}

func (m *memAssets) Create(ctx context.Context, fields map[string]any) (*asset.Asset, error) {
	name, _ := fields["name"].(string)
	if name == m.failFor {
		return nil, errors.New("database is read only")
	}
	m.attrs = append(m.attrs, tenancy.AttributionFromContext(ctx))
	a := &asset.Asset{AssetID: "asset-" + name, Name: name}
	m.byName[name] = a
	return a, nil
}

func (m *memAssets) Update(ctx context.Context, assetID string, fields map[string]any) (*asset.Asset, error) {
	m.attrs = append(m.attrs, tenancy.AttributionFromContext(ctx))
	name, _ := fields["name"].(string)
	return &asset.Asset{AssetID: assetID, Name: name}, nil
}

type memAssetTypes struct{ seen map[string]bool }

func (m *memAssetTypes) Upsert(_ context.Context, res *adapter.Resource) (*assettype.AssetType, bool, error) {
	created := !m.seen[res.AssetTypeID]
	m.seen[res.AssetTypeID] = true
	return &assettype.AssetType{AssetTypeID: res.AssetTypeID}, created, nil
}

type memRegions struct{}

func (memRegions) Upsert(_ context.Context, payload map[string]any) (*region.Region, bool, error) {
	provider, _ := payload["provider"].(string)
	code, _ := payload["region_code"].(string)
	return &region.Region{RegionID: region.RegionID(provider, code), Name: code}, true, nil
}

type countingTracker struct {
	calls []string
	n     int64
}

func (c *countingTracker) IncrementDisconnected(_ context.Context, _, _, _, jobTaskID string) (int64, error) {
	c.calls = append(c.calls, jobTaskID)
	return c.n, nil
}

type workerEnv struct {
	pool    *WorkerPool
	store   *Store
	assets  *memAssets
	tracker *countingTracker
}

func setupWorker(t *testing.T, transport *fakeTransport) *workerEnv {
	t.Helper()
	store, _ := setupStore(t)
	env := &workerEnv{
		store:   store,
		assets:  &memAssets{byName: map[string]*asset.Asset{}},
		tracker: &countingTracker{n: 2},
	}
	env.pool = NewWorkerPool(WorkerDeps{
		Store:      store,
		Gateway:    plugin.NewGateway(transport, nil, nil, nil),
		Secrets:    testSecrets,
		Assets:     env.assets,
		AssetTypes: &memAssetTypes{seen: map[string]bool{}},
		Regions:    memRegions{},
		States:     env.tracker,
	}, &Config{Concurrency: 1, PollInterval: 10 * time.Millisecond, ClaimTimeout: time.Hour, RetentionDays: 30, Enabled: true})
	return env
}

func cloudService(name string) map[string]any {
	return map[string]any{
		"resource_type": "inventory.CloudService",
		"match_rules":   map[string]any{"1": []any{"reference.resource_id"}},
		"resource": map[string]any{
			"name":                name,
			"provider":            "aws",
			"cloud_service_group": "EC2",
			"cloud_service_type":  "Instance",
			"region_code":         "us-east-1",
			"data":                map[string]any{},
		},
	}
}

func seedCollection(t *testing.T, store *Store) Task {
	t.Helper()
	j := &Job{
		JobID: "job-1", Status: StatusInProgress, CollectorID: "collector-1", PluginID: "plugin-aws",
		PluginEndpoint: "grpc://plugin:50051", TotalTasks: 1, RemainedTasks: 1,
		ResourceGroup: "DOMAIN", WorkspaceID: "*", DomainID: "domain-1",
	}
	task := Task{
		JobTaskID: "job-task-1", Status: TaskPending, JobID: "job-1", SecretID: "secret-1",
		CollectorID: "collector-1", ServiceAccountID: "sa-1", ProjectID: "project-1", Provider: "aws",
		WorkspaceID: "*", DomainID: "domain-1",
	}
	require.NoError(t, store.Create(context.Background(), j, []Task{task}))
	return task
}

func TestProcessOneCollectsResources(t *testing.T) {
	transport := &fakeTransport{records: []map[string]any{
		cloudService("web-1"),
		cloudService("web-1"),
		{
			"resource_type": "inventory.CloudServiceType",
			"resource":      map[string]any{"name": "Instance", "group": "EC2", "provider": "aws"},
		},
		{
			"resource_type": "inventory.Region",
			"resource":      map[string]any{"name": "US East", "region_code": "us-east-1", "provider": "aws"},
		},
		{"resource_type": "inventory.Metric", "resource": map[string]any{"name": "count"}},
	}}
	env := setupWorker(t, transport)
	ctx := context.Background()
	seedCollection(t, env.store)

	assert.True(t, env.pool.ProcessOne(ctx, 0))
	assert.False(t, env.pool.ProcessOne(ctx, 0), "nothing left to claim")

	task, err := env.store.GetTask(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, task.Status)
	assert.Equal(t, 5, task.TotalCount)
	assert.Equal(t, 3, task.CreatedCount)
	assert.Equal(t, 1, task.UpdatedCount)
	assert.Equal(t, 0, task.FailureCount)
	assert.Equal(t, 2, task.DisconnectedCount)
	assert.Equal(t, []string{"job-task-1"}, env.tracker.calls)

	j, err := env.store.GetJob(ctx, "job-1", "domain-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, j.Status)

	d, err := env.store.GetDetail(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	require.Len(t, d.CreatedInfo, 3)
	assert.Equal(t, "asset-web-1", d.CreatedInfo[0]["asset_id"])
	require.Len(t, d.UpdatedInfo, 1)

	require.NotEmpty(t, env.assets.attrs)
	attr := env.assets.attrs[0]
	assert.True(t, attr.IsCollector())
	assert.Equal(t, "job-task-1", attr.JobTaskID)
	assert.Equal(t, "project-1", attr.SecretProjectID)
}

func TestProcessOneRecordsFailures(t *testing.T) {
	bad := cloudService("broken")
	delete(bad["resource"].(map[string]any), "cloud_service_group")
	transport := &fakeTransport{records: []map[string]any{
		cloudService("web-1"),
		bad,
		cloudService("readonly"),
		{"resource_type": "inventory.ErrorResource", "message": "throttled", "state": "FAILURE"},
	}}
	env := setupWorker(t, transport)
	env.assets.failFor = "readonly"
	ctx := context.Background()
	seedCollection(t, env.store)

	require.True(t, env.pool.ProcessOne(ctx, 0))

	task, err := env.store.GetTask(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskFailure, task.Status)
	assert.Equal(t, 4, task.TotalCount)
	assert.Equal(t, 1, task.CreatedCount)
	assert.Equal(t, 3, task.FailureCount)

	d, err := env.store.GetDetail(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	require.Len(t, d.FailureInfo, 3)
	assert.Equal(t, "ERROR_COLLECTOR_RESOURCE", d.FailureInfo[2]["code"])
	assert.Contains(t, d.FailureInfo[2]["message"], "throttled")

	j, err := env.store.GetJob(ctx, "job-1", "domain-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, j.Status)
}

func TestProcessOneStreamFailure(t *testing.T) {
	transport := &fakeTransport{
		records: []map[string]any{cloudService("web-1"), cloudService("web-2")},
		failAt:  1,
	}
	env := setupWorker(t, transport)
	ctx := context.Background()
	seedCollection(t, env.store)

	require.True(t, env.pool.ProcessOne(ctx, 0))

	task, err := env.store.GetTask(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskFailure, task.Status)
	assert.Equal(t, 1, task.CreatedCount)
	assert.Empty(t, env.tracker.calls, "a broken stream does not count disconnected assets")
}

func TestProcessOneCanceledJob(t *testing.T) {
	env := setupWorker(t, &fakeTransport{records: []map[string]any{cloudService("web-1")}})
	ctx := context.Background()
	seedCollection(t, env.store)
	second := Task{
		JobTaskID: "job-task-2", Status: TaskPending, JobID: "job-1", SecretID: "secret-1",
		WorkspaceID: "*", DomainID: "domain-1", CreatedAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, env.store.db.Create(&second).Error)

	// Claim the first task by hand so the job is canceled while it runs.
	claimed, err := env.store.ClaimTask(ctx)
	require.NoError(t, err)
	_, err = env.store.CancelJob(ctx, "job-1", "domain-1")
	require.NoError(t, err)

	status := env.pool.run(ctx, claimed, env.pool.logger)
	assert.Equal(t, TaskCanceled, status)
	assert.Empty(t, env.assets.byName)

	pending, err := env.store.GetTask(ctx, "job-task-2", "domain-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskCanceled, pending.Status)
}

func TestCleanupFailsStuckTasks(t *testing.T) {
	env := setupWorker(t, &fakeTransport{})
	ctx := context.Background()
	seedCollection(t, env.store)

	_, err := env.store.ClaimTask(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.db.Model(&Task{}).Where("job_task_id = ?", "job-task-1").
		Update("started_at", time.Now().Add(-2*time.Hour)).Error)

	env.pool.Cleanup(ctx)

	task, err := env.store.GetTask(ctx, "job-task-1", "domain-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskFailure, task.Status)
	j, err := env.store.GetJob(ctx, "job-1", "domain-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, j.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := setupWorker(t, &fakeTransport{records: []map[string]any{cloudService("web-1")}})
	seedCollection(t, env.store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		task, err := env.store.GetTask(context.Background(), "job-task-1", "domain-1", "", nil)
		return err == nil && task != nil && task.Status == TaskSuccess
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}
