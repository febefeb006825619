package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestMappingsRepository_GetAbsent(t *testing.T) {
	repo, err := NewMappingsRepository(newTestDB(t))
	require.NoError(t, err)

	id, ok, err := repo.Get(context.Background(), 100, 1, 200)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, id)
}

func TestMappingsRepository_PutGet(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMappingsRepository(newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, 100, 1, 200, 5001))
	require.NoError(t, repo.Put(ctx, 100, 2, 200, 5002))
	require.NoError(t, repo.Put(ctx, 100, 1, 300, 7001))

	id, ok, err := repo.Get(ctx, 100, 1, 200)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5001, id)

	id, ok, err = repo.Get(ctx, 100, 1, 300)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7001, id)

	_, ok, err = repo.Get(ctx, 100, 2, 300)
	require.NoError(t, err)
	assert.False(t, ok, "different destination must not match")
}

func TestMappingsRepository_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMappingsRepository(newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, 100, 1, 200, 5001))
	require.NoError(t, repo.Put(ctx, 100, 1, 200, 5009))

	id, ok, err := repo.Get(ctx, 100, 1, 200)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5009, id)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMappingsRepository_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first, err := NewMappingsRepository(db)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, 100, 42, 200, 9042))

	// a fresh repository has an empty cache and must read from the table
	second, err := NewMappingsRepository(db)
	require.NoError(t, err)

	id, ok, err := second.Get(ctx, 100, 42, 200)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9042, id)
}

func TestMappingsRepository_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMappingsRepository(newTestDB(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				assert.NoError(t, repo.Put(ctx, 100, i, 200, i*10+w))
				_, _, err := repo.Get(ctx, 100, i, 200)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	for i := 1; i <= 25; i++ {
		id, ok, err := repo.Get(ctx, 100, i, 200)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, id/10)
	}
}

func TestMappingsRepository_ConcurrentWritesSameKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo, err := NewMappingsRepository(db)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		msg := round + 1
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				assert.NoError(t, repo.Put(ctx, 100, msg, 200, msg*10+w))
			}(w)
		}
		wg.Wait()

		cached, ok, err := repo.Get(ctx, 100, msg, 200)
		require.NoError(t, err)
		require.True(t, ok)

		// a fresh repository reads the table directly
		fresh, err := NewMappingsRepository(db)
		require.NoError(t, err)
		stored, ok, err := fresh.Get(ctx, 100, msg, 200)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, stored, cached, "cache holds the last written value")
	}
}
