package asset

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudforet-io/inventory/pkg/inventory/collectionstate"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/inventory/reconcile"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

type testEnv struct {
	db       *gorm.DB
	manager  *Manager
	store    *Store
	history  *HistoryStore
	states   *flakyTracker
	rules    *recordingRules
	identity *identity.StaticClient
}

type flakyTracker struct {
	*collectionstate.Store
	failCreate bool
	failReset  bool
}

func (f *flakyTracker) Create(ctx context.Context, assetID, domainID string) (*collectionstate.CollectionState, error) {
	if f.failCreate {
		return nil, errors.New("state store unavailable")
	}
	return f.Store.Create(ctx, assetID, domainID)
}

func (f *flakyTracker) Reset(ctx context.Context, s *collectionstate.CollectionState) error {
	if f.failReset {
		return errors.New("state store unavailable")
	}
	return f.Store.Reset(ctx, s)
}

type recordingRules struct {
	calls []string
}

func (r *recordingRules) ChangeAssetData(_ context.Context, collectorID, _ string, fields map[string]any) (map[string]any, error) {
	r.calls = append(r.calls, collectorID)
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	if data, ok := out["data"].(map[string]any); ok {
		enriched := map[string]any{"rule": "applied"}
		for k, v := range data {
			enriched[k] = v
		}
		out["data"] = enriched
	}
	return out, nil
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	env := &testEnv{
		db:      db,
		store:   NewStore(db),
		history: NewHistoryStore(db),
		states:  &flakyTracker{Store: collectionstate.NewStore(db)},
		rules:   &recordingRules{},
		identity: identity.NewStaticClient().
			AddProject(identity.Project{ProjectID: "project-1", ProjectGroupID: "pg-1", DomainID: "domain-1"}).
			AddProject(identity.Project{ProjectID: "project-2", ProjectGroupID: "pg-2", DomainID: "domain-1"}).
			AddProject(identity.Project{ProjectID: "project-secret", DomainID: "domain-1"}).
			AddProjectGroup(identity.ProjectGroup{ProjectGroupID: "pg-1"}).
			AddProjectGroup(identity.ProjectGroup{ProjectGroupID: "pg-2"}).
			AddServiceAccount(identity.ServiceAccount{ServiceAccountID: "sa-1", DomainID: "domain-1"}),
	}
	require.NoError(t, env.store.AutoMigrate())
	require.NoError(t, env.history.AutoMigrate())
	require.NoError(t, env.states.AutoMigrate())

	env.manager = NewManager(Deps{
		Store:    env.store,
		History:  env.history,
		Identity: env.identity,
		Rules:    env.rules,
		States:   env.states,
	})
	return env
}

func userCtx() context.Context {
	return tenancy.WithTenant(context.Background(), tenancy.TenantContext{
		DomainID:    "domain-1",
		WorkspaceID: "ws-1",
		UserID:      "alice@example.com",
	})
}

func collectorCtx(taskID string) context.Context {
	return tenancy.WithAttribution(userCtx(), tenancy.Attribution{
		CollectorID:      "collector-1",
		JobID:            "job-1",
		JobTaskID:        taskID,
		PluginID:         "plugin-aws",
		SecretID:         "secret-1",
		ServiceAccountID: "sa-1",
		SecretProjectID:  "project-secret",
		Provider:         "aws",
	})
}

func ec2Fields() map[string]any {
	return map[string]any{
		"name":          "web-1",
		"provider":      "aws",
		"asset_type_id": "aws-EC2-Instance",
		"region_code":   "us-east-1",
		"resource_id":   "i-123",
		"data":          map[string]any{"vpc": "vpc-1", "cpu": 2.0},
		"tags":          map[string]any{"env": "prod"},
	}
}

func histories(t *testing.T, env *testEnv, assetID string) []History {
	t.Helper()
	rows, _, err := env.history.Query(context.Background(), query.Query{
		Filter: []query.Condition{query.Filter("asset_id", query.OpEq, assetID)},
		Sort:   []query.Sort{{Key: "created_at"}},
	})
	require.NoError(t, err)
	return rows
}

func TestCreateRequiresDataAndProvider(t *testing.T) {
	env := setupEnv(t)

	_, err := env.manager.Create(userCtx(), map[string]any{"provider": "aws"})
	assert.Equal(t, "ERROR_REQUIRED_PARAMETER", errs.CodeOf(err))
	assert.Contains(t, err.Error(), "data")

	_, err = env.manager.Create(userCtx(), map[string]any{"data": map[string]any{}})
	assert.Contains(t, err.Error(), "provider")

	a, err := env.manager.Create(userCtx(), map[string]any{"provider": "aws", "json_data": `{"vpc":"vpc-9"}`})
	require.NoError(t, err)
	assert.Equal(t, "vpc-9", a.Data["vpc"])

	_, err = env.manager.Create(userCtx(), map[string]any{"provider": "aws", "json_data": `[1,2]`})
	assert.Equal(t, "ERROR_INVALID_PARAMETER_TYPE", errs.CodeOf(err))

	_, err = env.manager.Create(context.Background(), ec2Fields())
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCreateByUser(t *testing.T) {
	env := setupEnv(t)
	fields := ec2Fields()
	fields["project_id"] = "project-1"

	a, err := env.manager.Create(userCtx(), fields)
	require.NoError(t, err)

	assert.Regexp(t, `^asset-[0-9a-f]{12}$`, a.AssetID)
	assert.Equal(t, StateActive, a.State)
	assert.Equal(t, "ws-1", a.WorkspaceID)
	assert.Equal(t, "domain-1", a.DomainID)
	assert.Equal(t, "domain-1.aws.us-east-1", a.RefRegion)
	assert.Nil(t, a.LastCollectedAt)

	hashed := keycodec.HashKey("env")
	assert.Equal(t, map[string]any{"key": "env", "value": "prod"}, a.Tags["aws"].(map[string]any)[hashed])
	assert.Empty(t, env.rules.calls)

	hs := histories(t, env, a.AssetID)
	require.Len(t, hs, 1)
	assert.Equal(t, ActionCreate, hs[0].Action)
	assert.Equal(t, UpdatedByUser, hs[0].UpdatedBy)
	assert.Equal(t, "alice@example.com", hs[0].UserID)
	assert.Equal(t, len(hs[0].Diff), hs[0].DiffCount)
	for _, d := range hs[0].Diff {
		assert.Equal(t, reconcile.Added, d.Type)
	}

	// User writes are not tracked.
	st, err := env.states.Get(collectorCtx("task-1"), a.AssetID, "domain-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestCreateValidatesProjectAndServiceAccount(t *testing.T) {
	env := setupEnv(t)

	fields := ec2Fields()
	fields["project_id"] = "project-missing"
	_, err := env.manager.Create(userCtx(), fields)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	fields = ec2Fields()
	fields["service_account_id"] = "sa-missing"
	_, err = env.manager.Create(userCtx(), fields)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	var count int64
	require.NoError(t, env.db.Model(&Asset{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateByCollector(t *testing.T) {
	env := setupEnv(t)
	ctx := collectorCtx("task-1")

	a, err := env.manager.Create(ctx, ec2Fields())
	require.NoError(t, err)

	assert.Equal(t, []string{"collector-1"}, env.rules.calls)
	assert.Equal(t, "applied", a.Data["rule"])
	assert.Equal(t, "project-secret", a.ProjectID)
	assert.Equal(t, "collector-1", a.CollectorID)
	assert.Equal(t, "secret-1", a.SecretID)
	assert.Equal(t, "sa-1", a.ServiceAccountID)
	assert.NotNil(t, a.LastCollectedAt)

	hs := histories(t, env, a.AssetID)
	require.Len(t, hs, 1)
	assert.Equal(t, UpdatedByCollector, hs[0].UpdatedBy)
	assert.Equal(t, "job-1", hs[0].JobID)

	st, err := env.states.Get(ctx, a.AssetID, "domain-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "task-1", st.JobTaskID)
}

func TestCreateRollsBackOnLaterFailure(t *testing.T) {
	env := setupEnv(t)
	env.states.failCreate = true

	_, err := env.manager.Create(collectorCtx("task-1"), ec2Fields())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state store unavailable")
	assert.False(t, errs.IsKind(err, errs.KindRollback))

	var assets, hs int64
	require.NoError(t, env.db.Model(&Asset{}).Count(&assets).Error)
	require.NoError(t, env.db.Model(&History{}).Count(&hs).Error)
	assert.Zero(t, assets)
	assert.Zero(t, hs)
}

func TestCreateReportsRollbackFailure(t *testing.T) {
	env := setupEnv(t)
	env.states.failCreate = true
	require.NoError(t, env.db.Callback().Delete().Before("gorm:delete").Register("test:fail_asset_delete", func(tx *gorm.DB) {
		if tx.Statement.Table == "assets" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := env.manager.Create(collectorCtx("task-1"), ec2Fields())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRollback))
	assert.Contains(t, err.Error(), "state store unavailable")
	assert.Contains(t, err.Error(), "disk full")

	// The history entry was still undone.
	var hs int64
	require.NoError(t, env.db.Model(&History{}).Count(&hs).Error)
	assert.Zero(t, hs)
}

func TestUpdateMergesAndRecordsDiff(t *testing.T) {
	env := setupEnv(t)
	a, err := env.manager.Create(collectorCtx("task-1"), ec2Fields())
	require.NoError(t, err)

	updated, err := env.manager.Update(collectorCtx("task-2"), a.AssetID, map[string]any{
		"name": "web-1",
		"data": map[string]any{"cpu": 4.0},
		"tags": map[string]any{"team": "x"},
	})
	require.NoError(t, err)

	// Reloaded JSON numbers decode as json.Number; compare the generic form.
	data := updated.ToMap()["data"].(map[string]any)
	assert.Equal(t, "vpc-1", data["vpc"])
	assert.Equal(t, 4.0, data["cpu"])
	awsTags := updated.Tags["aws"].(map[string]any)
	assert.Contains(t, awsTags, keycodec.HashKey("env"))
	assert.Contains(t, awsTags, keycodec.HashKey("team"))
	assert.ElementsMatch(t, []any{"env", "team"}, updated.TagKeys["aws"])

	hs := histories(t, env, a.AssetID)
	require.Len(t, hs, 2)
	upd := hs[1]
	assert.Equal(t, ActionUpdate, upd.Action)
	assert.Equal(t, len(upd.Diff), upd.DiffCount)
	keys := make([]string, 0, len(upd.Diff))
	for _, d := range upd.Diff {
		keys = append(keys, d.Key)
	}
	assert.Contains(t, keys, "data.cpu")
	assert.Contains(t, keys, "tags.aws.team")
	assert.NotContains(t, keys, "name")

	st, err := env.states.Get(collectorCtx("task-2"), a.AssetID, "domain-1")
	require.NoError(t, err)
	assert.Equal(t, "task-2", st.JobTaskID)
}

func TestUpdateWithUnchangedDataIsNoOp(t *testing.T) {
	env := setupEnv(t)
	a, err := env.manager.Create(userCtx(), ec2Fields())
	require.NoError(t, err)

	_, err = env.manager.Update(userCtx(), a.AssetID, map[string]any{
		"name":        "web-1",
		"region_code": "us-east-1",
		"data":        map[string]any{"vpc": "vpc-1"},
	})
	require.NoError(t, err)
	assert.Len(t, histories(t, env, a.AssetID), 1)
}

func TestUpdateUsesSecretProjectOnlyWhenDifferent(t *testing.T) {
	env := setupEnv(t)
	fields := ec2Fields()
	fields["project_id"] = "project-1"
	a, err := env.manager.Create(userCtx(), fields)
	require.NoError(t, err)

	updated, err := env.manager.Update(collectorCtx("task-1"), a.AssetID, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "project-secret", updated.ProjectID)

	_, err = env.manager.Update(userCtx(), a.AssetID, map[string]any{"project_id": "nope"})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestUpdateRollsBackToSnapshot(t *testing.T) {
	env := setupEnv(t)
	a, err := env.manager.Create(collectorCtx("task-1"), ec2Fields())
	require.NoError(t, err)

	env.states.failReset = true
	_, err = env.manager.Update(collectorCtx("task-2"), a.AssetID, map[string]any{"name": "renamed"})
	require.Error(t, err)

	got, err := env.manager.Get(userCtx(), a.AssetID)
	require.NoError(t, err)
	assert.Equal(t, "web-1", got.Name)
	assert.Len(t, histories(t, env, a.AssetID), 1)
}

func TestDeleteTwiceConflicts(t *testing.T) {
	env := setupEnv(t)
	a, err := env.manager.Create(userCtx(), ec2Fields())
	require.NoError(t, err)

	require.NoError(t, env.manager.Delete(userCtx(), a.AssetID))
	first, err := env.manager.Get(userCtx(), a.AssetID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, first.State)
	require.NotNil(t, first.DeletedAt)

	err = env.manager.Delete(userCtx(), a.AssetID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	assert.Equal(t, "ERROR_RESOURCE_ALREADY_DELETED", errs.CodeOf(err))

	second, err := env.manager.Get(userCtx(), a.AssetID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, second.State)
	assert.True(t, first.DeletedAt.Equal(*second.DeletedAt))

	_, err = env.manager.Update(userCtx(), a.AssetID, map[string]any{"name": "x"})
	assert.Equal(t, "ERROR_RESOURCE_ALREADY_DELETED", errs.CodeOf(err))

	hs := histories(t, env, a.AssetID)
	require.Len(t, hs, 2)
	assert.Equal(t, ActionDelete, hs[1].Action)
	assert.Equal(t, 1, hs[1].DiffCount)
}

func TestUpdateCannotChangeLifecycleFields(t *testing.T) {
	env := setupEnv(t)
	a, err := env.manager.Create(userCtx(), ec2Fields())
	require.NoError(t, err)

	for _, fields := range []map[string]any{
		{"state": "DELETED"},
		{"deleted_at": "2024-01-01T00:00:00Z", "name": "renamed"},
	} {
		_, err = env.manager.Update(userCtx(), a.AssetID, fields)
		require.Error(t, err)
		assert.Equal(t, "ERROR_INVALID_PARAMETER", errs.CodeOf(err))
	}

	got, err := env.manager.Get(userCtx(), a.AssetID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Nil(t, got.DeletedAt)
	assert.Equal(t, "web-1", got.Name)
	assert.Len(t, histories(t, env, a.AssetID), 1)

	require.NoError(t, env.manager.Delete(userCtx(), a.AssetID))
	got, err = env.manager.Get(userCtx(), a.AssetID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, got.State)
	require.NotNil(t, got.DeletedAt)
}

func TestGetAndDeleteMissing(t *testing.T) {
	env := setupEnv(t)
	_, err := env.manager.Get(userCtx(), "asset-missing")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.True(t, errs.IsKind(env.manager.Delete(userCtx(), "asset-missing"), errs.KindNotFound))
	_, err = env.manager.Update(userCtx(), "asset-missing", map[string]any{})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateActive.CanTransition(StateDeleted))
	assert.False(t, StateDeleted.CanTransition(StateActive))
	assert.False(t, StateDeleted.CanTransition(StateDeleted))
	assert.False(t, StateActive.CanTransition(StateActive))
}

func listIDs(t *testing.T, m *Manager, ctx context.Context, q query.Query) []string {
	t.Helper()
	rows, total, err := m.List(ctx, q)
	require.NoError(t, err)
	assert.EqualValues(t, len(rows), total)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Name
	}
	return out
}

func TestList(t *testing.T) {
	env := setupEnv(t)
	ctx := userCtx()

	create := func(name, project, envTag string) *Asset {
		f := ec2Fields()
		f["name"] = name
		f["project_id"] = project
		f["tags"] = map[string]any{"env": envTag}
		a, err := env.manager.Create(ctx, f)
		require.NoError(t, err)
		return a
	}
	create("a", "project-1", "prod")
	create("b", "project-2", "dev")
	gone := create("c", "project-1", "prod")
	require.NoError(t, env.manager.Delete(ctx, gone.AssetID))

	otherWS := tenancy.WithTenant(context.Background(), tenancy.TenantContext{DomainID: "domain-1", WorkspaceID: "ws-2"})
	_, err := env.manager.Create(otherWS, ec2Fields())
	require.NoError(t, err)

	byName := query.Query{Sort: []query.Sort{{Key: "name"}}}
	assert.Equal(t, []string{"a", "b"}, listIDs(t, env.manager, ctx, byName))

	q := byName.Clone()
	q.Filter = []query.Condition{query.Filter("state", query.OpEq, "DELETED")}
	assert.Equal(t, []string{"c"}, listIDs(t, env.manager, ctx, q))

	q = byName.Clone()
	q.Filter = []query.Condition{query.Filter("state", query.OpIn, []any{"ACTIVE", "DELETED"})}
	assert.Equal(t, []string{"a", "b", "c"}, listIDs(t, env.manager, ctx, q))

	q = byName.Clone()
	q.Filter = []query.Condition{query.Filter("tags.aws.env", query.OpEq, "dev")}
	assert.Equal(t, []string{"b"}, listIDs(t, env.manager, ctx, q))

	q = byName.Clone()
	q.Filter = []query.Condition{query.Filter("project_group_id", query.OpEq, "pg-1")}
	assert.Equal(t, []string{"a"}, listIDs(t, env.manager, ctx, q))

	q = byName.Clone()
	q.Filter = []query.Condition{query.Filter("user_projects", query.OpIn, []any{"project-2"})}
	assert.Equal(t, []string{"b"}, listIDs(t, env.manager, ctx, q))

	restricted := tenancy.WithTenant(context.Background(), tenancy.TenantContext{
		DomainID: "domain-1", WorkspaceID: "ws-1", UserProjects: []string{"project-1"},
	})
	assert.Equal(t, []string{"a"}, listIDs(t, env.manager, restricted, byName))

	domainWide := tenancy.WithTenant(context.Background(), tenancy.TenantContext{DomainID: "domain-1"})
	assert.Len(t, listIDs(t, env.manager, domainWide, byName), 3)
}

func TestListOnlyHashesTagKeys(t *testing.T) {
	env := setupEnv(t)
	_, err := env.manager.Create(userCtx(), ec2Fields())
	require.NoError(t, err)

	rows, _, err := env.manager.List(userCtx(), query.Query{Only: []string{"name", "tags.aws.env"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "web-1", rows[0].Name)
	assert.Empty(t, rows[0].Provider)
}

func TestStatAndHistory(t *testing.T) {
	env := setupEnv(t)
	ctx := userCtx()
	for _, provider := range []string{"aws", "aws", "google_cloud"} {
		f := ec2Fields()
		f["provider"] = provider
		_, err := env.manager.Create(ctx, f)
		require.NoError(t, err)
	}

	rows, err := env.manager.Stat(ctx, query.StatQuery{
		GroupBy: []string{"provider"},
		Sort:    []query.Sort{{Key: "provider"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 2, rows[0]["count"])

	a, err := env.manager.Create(ctx, ec2Fields())
	require.NoError(t, err)
	_, err = env.manager.Update(ctx, a.AssetID, map[string]any{"name": "renamed"})
	require.NoError(t, err)

	hs, total, err := env.manager.History(ctx, a.AssetID, query.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, ActionUpdate, hs[0].Action)

	_, _, err = env.manager.History(ctx, "asset-missing", query.Query{})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestMatch(t *testing.T) {
	env := setupEnv(t)
	ctx := userCtx()
	web, err := env.manager.Create(ctx, ec2Fields())
	require.NoError(t, err)

	rules := map[string][]string{
		"1":  {"asset_id"},
		"2":  {"resource_id", "provider"},
		"10": {"provider"},
	}
	got, err := env.manager.Match(ctx, rules, map[string]any{"resource_id": "i-123", "provider": "aws"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, web.AssetID, got.AssetID)

	got, err = env.manager.Match(ctx, rules, map[string]any{"resource_id": "i-999", "provider": "gcp"})
	require.NoError(t, err)
	assert.Nil(t, got)

	other := ec2Fields()
	other["resource_id"] = "i-456"
	_, err = env.manager.Create(ctx, other)
	require.NoError(t, err)

	_, err = env.manager.Match(ctx, rules, map[string]any{"resource_id": "i-999", "provider": "aws"})
	assert.Equal(t, "ERROR_TOO_MANY_MATCH", errs.CodeOf(err))

	require.NoError(t, env.manager.Delete(ctx, web.AssetID))
	got, err = env.manager.Match(ctx, map[string][]string{"1": {"resource_id"}}, map[string]any{"resource_id": "i-123"})
	require.NoError(t, err)
	assert.Nil(t, got, "deleted assets are never matched")
}
