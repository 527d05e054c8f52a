package repository

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querydeck/internal/db"
	"querydeck/internal/domain"
)

func setupCacheKeyRepo(t *testing.T) *CacheKeyRepo {
	t.Helper()
	writeDB, readDB := internaldb.OpenTestMetastore(t)
	return NewCacheKeyRepo(writeDB, readDB)
}

func TestCacheKeyRepo_InsertAndList(t *testing.T) {
	repo := setupCacheKeyRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, "key-a", "1__main.sales"))
	require.NoError(t, repo.Insert(ctx, "key-b", "1__main.sales"))
	require.NoError(t, repo.Insert(ctx, "key-c", "1__main.orders"))

	keys, err := repo.ListForDatasource(ctx, "1__main.sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, keys)
}

func TestCacheKeyRepo_InsertRejectsEmpty(t *testing.T) {
	repo := setupCacheKeyRepo(t)

	var invalid *domain.ValidationError
	require.ErrorAs(t, repo.Insert(context.Background(), "", "uid"), &invalid)
	require.ErrorAs(t, repo.Insert(context.Background(), "key", ""), &invalid)
}

func TestCacheKeyRepo_DeleteForDatasource(t *testing.T) {
	repo := setupCacheKeyRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, "key-a", "1__main.sales"))
	require.NoError(t, repo.Insert(ctx, "key-b", "1__main.sales"))
	require.NoError(t, repo.Insert(ctx, "key-c", "1__main.orders"))

	deleted, err := repo.DeleteForDatasource(ctx, "1__main.sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, deleted)

	remaining, err := repo.ListForDatasource(ctx, "1__main.sales")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	others, err := repo.ListForDatasource(ctx, "1__main.orders")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestCacheKeyRepo_DeleteOlderThan(t *testing.T) {
	repo := setupCacheKeyRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, "key-a", "1__main.sales"))
	require.NoError(t, repo.Insert(ctx, "key-b", "1__main.sales"))

	pruned, err := repo.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	pruned, err = repo.DeleteOlderThan(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}
