package repository

import (
	"context"
	"database/sql"
	"time"

	"querydeck/internal/domain"
)

// CacheKeyRepo records issued cache keys per datasource uid so that dataset
// mutations can invalidate them in a targeted way.
type CacheKeyRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewCacheKeyRepo creates a CacheKeyRepo.
func NewCacheKeyRepo(writeDB, readDB *sql.DB) *CacheKeyRepo {
	return &CacheKeyRepo{writeDB: writeDB, readDB: readDB}
}

func (r *CacheKeyRepo) Insert(ctx context.Context, cacheKey, datasourceUID string) error {
	if cacheKey == "" || datasourceUID == "" {
		return domain.ErrValidation("cache key and datasource uid are required")
	}
	_, err := r.writeDB.ExecContext(ctx,
		`INSERT INTO cache_keys (cache_key, datasource_uid, created_on) VALUES (?, ?, ?)`,
		cacheKey, datasourceUID, now())
	return mapDBError(err)
}

func (r *CacheKeyRepo) ListForDatasource(ctx context.Context, datasourceUID string) ([]string, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT cache_key FROM cache_keys WHERE datasource_uid = ? ORDER BY id`, datasourceUID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// DeleteForDatasource removes the datasource's rows and returns the keys that
// were registered, so the caller can purge the cache backend.
func (r *CacheKeyRepo) DeleteForDatasource(ctx context.Context, datasourceUID string) ([]string, error) {
	keys, err := r.ListForDatasource(ctx, datasourceUID)
	if err != nil {
		return nil, err
	}
	_, err = r.writeDB.ExecContext(ctx,
		`DELETE FROM cache_keys WHERE datasource_uid = ?`, datasourceUID)
	if err != nil {
		return nil, mapDBError(err)
	}
	return keys, nil
}

// DeleteOlderThan prunes registrations issued before the cutoff and reports
// how many were removed.
func (r *CacheKeyRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.writeDB.ExecContext(ctx,
		`DELETE FROM cache_keys WHERE created_on < ?`, cutoff.UTC())
	if err != nil {
		return 0, mapDBError(err)
	}
	return res.RowsAffected()
}
