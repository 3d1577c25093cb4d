package region

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	idc := identity.NewStaticClient().AddWorkspace("ws-1", "domain-1")
	return NewService(store, idc, nil)
}

func tenantCtx(ws string) context.Context {
	return tenancy.WithTenant(context.Background(), tenancy.TenantContext{DomainID: "domain-1", WorkspaceID: ws})
}

func TestCreate(t *testing.T) {
	svc := setupService(t)
	ctx := tenantCtx("")

	r, err := svc.Create(ctx, CreateRequest{
		Name: "Seoul", RegionCode: "ap-northeast-2", Provider: "aws",
		Tags: []any{map[string]any{"key": "continent", "value": "asia"}}, ResourceGroup: ResourceGroupDomain,
	})
	require.NoError(t, err)
	assert.Equal(t, "aws-ap-northeast-2", r.RegionID)
	assert.Equal(t, "*", r.WorkspaceID)
	assert.Equal(t, "asia", r.Tags["continent"])

	_, err = svc.Create(ctx, CreateRequest{Name: "Again", RegionCode: "ap-northeast-2", Provider: "aws", ResourceGroup: ResourceGroupDomain})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	_, err = svc.Create(ctx, CreateRequest{Name: "Tokyo", RegionCode: "ap-northeast-1", Provider: "aws", ResourceGroup: ResourceGroupWorkspace})
	assert.Equal(t, "ERROR_REQUIRED_PARAMETER", errs.CodeOf(err))

	ws, err := svc.Create(tenantCtx("ws-1"), CreateRequest{Name: "Tokyo", RegionCode: "ap-northeast-1", Provider: "aws", ResourceGroup: ResourceGroupWorkspace})
	require.NoError(t, err)
	assert.Equal(t, "ws-1", ws.WorkspaceID)

	_, err = svc.Create(ctx, CreateRequest{Name: "x", Provider: "aws", ResourceGroup: ResourceGroupDomain})
	assert.Equal(t, "ERROR_REQUIRED_PARAMETER", errs.CodeOf(err))

	_, err = svc.Create(context.Background(), CreateRequest{Name: "x", RegionCode: "y", Provider: "aws", ResourceGroup: ResourceGroupDomain})
	assert.Equal(t, "ERROR_REQUIRED_PARAMETER", errs.CodeOf(err))
}

func TestUpdateAndDelete(t *testing.T) {
	svc := setupService(t)
	ctx := tenantCtx("")
	r, err := svc.Create(ctx, CreateRequest{Name: "Seoul", RegionCode: "kr", Provider: "aws", ResourceGroup: ResourceGroupDomain})
	require.NoError(t, err)

	name := "Seoul (KR)"
	updated, err := svc.Update(ctx, UpdateRequest{RegionID: r.RegionID, Name: &name, Tags: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, "Seoul (KR)", updated.Name)
	assert.Equal(t, "kr", updated.RegionCode)

	got, err := svc.Get(ctx, r.RegionID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Tags["a"])

	require.NoError(t, svc.Delete(ctx, r.RegionID))
	_, err = svc.Get(ctx, r.RegionID)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.True(t, errs.IsKind(svc.Delete(ctx, r.RegionID), errs.KindNotFound))
}

func TestListScopesByWorkspace(t *testing.T) {
	svc := setupService(t)
	_, err := svc.Create(tenantCtx(""), CreateRequest{Name: "Seoul", RegionCode: "kr", Provider: "aws", ResourceGroup: ResourceGroupDomain})
	require.NoError(t, err)
	_, err = svc.Create(tenantCtx("ws-1"), CreateRequest{Name: "Iowa", RegionCode: "us-central1", Provider: "google_cloud", ResourceGroup: ResourceGroupWorkspace})
	require.NoError(t, err)

	_, total, err := svc.List(tenantCtx("ws-1"), query.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	rows, total, err := svc.List(tenantCtx("ws-2"), query.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "aws-kr", rows[0].RegionID)

	stats, err := svc.Stat(tenantCtx(""), query.StatQuery{GroupBy: []string{"provider"}})
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestUpsert(t *testing.T) {
	svc := setupService(t)
	ctx := tenantCtx("")

	r, created, err := svc.Upsert(ctx, map[string]any{"provider": "aws", "region_code": "us-east-1", "name": "N. Virginia"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "aws-us-east-1", r.RegionID)

	_, created, err = svc.Upsert(ctx, map[string]any{"provider": "aws", "region_code": "us-east-1", "name": "N. Virginia"})
	require.NoError(t, err)
	assert.False(t, created)

	r, created, err = svc.Upsert(ctx, map[string]any{"provider": "aws", "region_code": "us-east-1", "name": "Virginia", "tags": map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Virginia", r.Name)

	got, err := svc.Get(ctx, "aws-us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Tags["k"])

	_, _, err = svc.Upsert(ctx, map[string]any{"provider": "aws"})
	assert.Equal(t, "ERROR_REQUIRED_FIELD", errs.CodeOf(err))
}
