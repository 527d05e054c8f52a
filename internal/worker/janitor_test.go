package worker

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querydeck/internal/db"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/dbconn"
	"querydeck/internal/domain"
	"querydeck/internal/results"
	"querydeck/internal/service/sqllab"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestJanitor_RunOnce(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	enginePath := filepath.Join(t.TempDir(), "engine.sqlite")
	engine, err := sql.Open("sqlite3", enginePath)
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	writeDB, readDB := internaldb.OpenTestMetastore(t)
	enc, err := crypto.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)

	dbRepo := repository.NewDatabaseRepo(writeDB, readDB, enc)
	database, err := dbRepo.Create(ctx, &domain.Database{
		Name: "engine", URI: enginePath, Driver: "sqlite",
	})
	require.NoError(t, err)

	records := repository.NewQueryRecordRepo(writeDB, readDB)
	cacheKeys := repository.NewCacheKeyRepo(writeDB, readDB)

	blobDir := t.TempDir()
	blobs, err := results.NewLocalStore(blobDir)
	require.NoError(t, err)

	registry := dbconn.NewRegistry(logger)
	t.Cleanup(func() { _ = registry.Close() })

	sqlLabSvc := sqllab.NewService(records, dbRepo, registry, blobs,
		repository.NewAuditRepo(writeDB), logger, 30*time.Second, 1000)

	// An orphaned query, a stale cache key, and an expired blob.
	orphan, err := records.Create(ctx, &domain.QueryRecord{
		ClientID: "c-orphan", UserID: 1, DatabaseID: database.ID, SQL: "SELECT 1",
	})
	require.NoError(t, err)
	require.NoError(t, cacheKeys.Insert(ctx, "stale-key", "1__sales"))
	require.NoError(t, results.Write(ctx, blobs, "old-blob", &results.ResultSet{Status: "success"}))

	j := NewJanitor(sqlLabSvc, cacheKeys, blobs, JanitorConfig{
		Schedule:        "@every 10m",
		StaleQueryAfter: 0,
		CacheKeyTTL:     0,
		ResultsTTL:      0,
	}, logger)

	time.Sleep(10 * time.Millisecond)
	j.RunOnce(ctx)

	rec, err := records.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryTimedOut, rec.Status)

	keys, err := cacheKeys.ListForDatasource(ctx, "1__sales")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = results.Read(ctx, blobs, "old-blob")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestJanitor_StartStop(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	writeDB, readDB := internaldb.OpenTestMetastore(t)

	records := repository.NewQueryRecordRepo(writeDB, readDB)
	cacheKeys := repository.NewCacheKeyRepo(writeDB, readDB)
	enc, err := crypto.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)
	dbRepo := repository.NewDatabaseRepo(writeDB, readDB, enc)

	registry := dbconn.NewRegistry(logger)
	t.Cleanup(func() { _ = registry.Close() })

	blobs, err := results.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	sqlLabSvc := sqllab.NewService(records, dbRepo, registry, blobs,
		repository.NewAuditRepo(writeDB), logger, 30*time.Second, 1000)

	j := NewJanitor(sqlLabSvc, cacheKeys, blobs, JanitorConfig{
		Schedule:        "@every 1h",
		StaleQueryAfter: time.Hour,
		CacheKeyTTL:     time.Hour,
		ResultsTTL:      time.Hour,
	}, logger)
	require.NoError(t, j.Start())
	j.Stop()
}

func TestJanitor_BadScheduleFailsStart(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	j := NewJanitor(nil, nil, nil, JanitorConfig{Schedule: "not a schedule"}, logger)
	assert.Error(t, j.Start())
}
