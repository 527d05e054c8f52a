// Package dbconn manages per-Database connection pools for analytical query
// execution.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Analytical engine drivers. Engines without a bundled driver still get
	// SQL compiled for them; execution requires one of these.
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"

	"querydeck/internal/domain"
)

// driverNames maps Database.Driver to the registered database/sql driver.
var driverNames = map[string]string{
	"duckdb":  "duckdb",
	"sqlite":  "sqlite3",
	"sqlite3": "sqlite3",
}

// Registry caches one pool per Database, sized from the database's extras.
type Registry struct {
	mu     sync.Mutex
	pools  map[int64]*sql.DB
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{pools: map[int64]*sql.DB{}, logger: logger}
}

// Pool returns the pool for the database, opening it on first use.
func (r *Registry) Pool(db *domain.Database) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[db.ID]; ok {
		return pool, nil
	}

	driver, ok := driverNames[db.Driver]
	if !ok {
		return nil, domain.ErrUnsupported(db.Driver, "local execution")
	}

	pool, err := sql.Open(driver, db.URI)
	if err != nil {
		return nil, domain.NewDriverError(fmt.Errorf("open %s: %w", db.MaskedURI(), err))
	}
	size := db.PoolSize()
	pool.SetMaxOpenConns(size)
	pool.SetMaxIdleConns(size)
	pool.SetConnMaxIdleTime(5 * time.Minute)

	r.logger.Info("opened connection pool", "database", db.Name, "driver", db.Driver, "pool_size", size)
	r.pools[db.ID] = pool
	return pool, nil
}

// Evict closes and forgets the pool for a database; the next Pool call
// reopens it. Used when connection settings change.
func (r *Registry) Evict(databaseID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[databaseID]; ok {
		pool.Close()
		delete(r.pools, databaseID)
	}
}

// Close closes every pool.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, pool := range r.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.pools, id)
	}
	return firstErr
}

// Collect drains rows into column metadata and row values, stopping after
// maxRows when maxRows > 0. Values are decoded into JSON-friendly forms.
func Collect(ctx context.Context, rows *sql.Rows, maxRows int) ([]string, []string, [][]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, nil, domain.NewDriverError(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, nil, domain.NewDriverError(err)
	}
	typeNames := make([]string, len(colTypes))
	for i, ct := range colTypes {
		typeNames[i] = ct.DatabaseTypeName()
	}

	var data [][]interface{}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, nil, domain.NewDriverError(err)
		}
		row := make([]interface{}, len(cols))
		for i, v := range raw {
			row[i] = decodeCell(v)
		}
		data = append(data, row)
		if maxRows > 0 && len(data) >= maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, domain.NewDriverError(err)
	}
	return cols, typeNames, data, nil
}

func decodeCell(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
