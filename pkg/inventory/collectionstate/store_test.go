package collectionstate

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewStore(db).AutoMigrate())
	return db
}

func collectorCtx(taskID string) context.Context {
	return tenancy.WithAttribution(context.Background(), tenancy.Attribution{
		CollectorID: "collector-1",
		SecretID:    "secret-1",
		JobTaskID:   taskID,
	})
}

func TestCreateIgnoresUserWrites(t *testing.T) {
	store := NewStore(setupTestDB(t))

	state, err := store.Create(context.Background(), "asset-1", "domain-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	got, err := store.Get(context.Background(), "asset-1", "domain-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateGetReset(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := collectorCtx("task-1")

	created, err := store.Create(ctx, "asset-1", "domain-1")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "task-1", created.JobTaskID)

	n, err := store.IncrementDisconnected(context.Background(), "collector-1", "secret-1", "domain-1", "task-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ctx2 := collectorCtx("task-2")
	got, err := store.Get(ctx2, "asset-1", "domain-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.DisconnectedCount)

	require.NoError(t, store.Reset(ctx2, got))
	got, err = store.Get(ctx2, "asset-1", "domain-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.DisconnectedCount)
	assert.Equal(t, "task-2", got.JobTaskID)

	// The reporting task itself is not counted as disconnected.
	n, err = store.IncrementDisconnected(context.Background(), "collector-1", "secret-1", "domain-1", "task-2")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestRestoreUndoesReset(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := collectorCtx("task-1")

	created, err := store.Create(ctx, "asset-1", "domain-1")
	require.NoError(t, err)
	_, err = store.IncrementDisconnected(ctx, "collector-1", "secret-1", "domain-1", "task-9")
	require.NoError(t, err)
	before, err := store.Get(ctx, "asset-1", "domain-1")
	require.NoError(t, err)
	snapshot := *before

	require.NoError(t, store.Reset(collectorCtx("task-2"), before))
	require.NoError(t, store.Restore(ctx, snapshot))

	after, err := store.Get(ctx, "asset-1", "domain-1")
	require.NoError(t, err)
	assert.Equal(t, 1, after.DisconnectedCount)
	assert.Equal(t, created.JobTaskID, after.JobTaskID)
}

func TestListDisconnectedAndDelete(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := collectorCtx("task-1")

	for _, id := range []string{"asset-1", "asset-2"} {
		_, err := store.Create(ctx, id, "domain-1")
		require.NoError(t, err)
	}
	for range 3 {
		_, err := store.IncrementDisconnected(ctx, "collector-1", "secret-1", "domain-1", "task-x")
		require.NoError(t, err)
	}

	states, err := store.ListDisconnected(ctx, "domain-1", 3)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, store.DeleteByAsset(ctx, "asset-1", "domain-1"))
	states, err = store.ListDisconnected(ctx, "domain-1", 1)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "asset-2", states[0].AssetID)

	require.NoError(t, store.Delete(ctx, &states[0]))
	states, err = store.ListDisconnected(ctx, "domain-1", 0)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestIncrementDisconnectedDatabaseError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "collection_states"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewStore(db).IncrementDisconnected(context.Background(), "c", "s", "d", "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "increment disconnected count")
}
