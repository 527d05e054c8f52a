// Package db opens the SQLite metastore and runs its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DSN parameters applied to every metastore connection.
const (
	busyTimeoutMs = "5000"
	synchronous   = "NORMAL"
	journalMode   = "WAL"
)

// OpenMetastore opens a *sql.DB pool for the metastore file.
//
// mode controls write-safety and pool sizing:
//   - "write": MaxOpenConns=1, MaxIdleConns=1, _txlock=immediate
//   - "read":  MaxOpenConns=maxOpen (0 defaults to 4)
//
// Both modes use WAL journaling, a 5s busy timeout, synchronous=NORMAL and
// foreign_keys=on.
func OpenMetastore(path string, mode string, maxOpen int) (*sql.DB, error) {
	if mode != "read" && mode != "write" {
		return nil, fmt.Errorf("invalid metastore mode %q: must be \"read\" or \"write\"", mode)
	}

	pool, err := sql.Open("sqlite3", metastoreDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open metastore (%s): %w", mode, err)
	}

	switch mode {
	case "write":
		pool.SetMaxOpenConns(1)
		pool.SetMaxIdleConns(1)
	case "read":
		if maxOpen <= 0 {
			maxOpen = 4
		}
		pool.SetMaxOpenConns(maxOpen)
		pool.SetMaxIdleConns(maxOpen)
	}
	pool.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping metastore (%s): %w", mode, err)
	}

	return pool, nil
}

// OpenMetastorePair opens the write pool (single connection) and a read pool
// for the same metastore file. SQLite allows one writer at a time; routing all
// writes through a one-connection pool avoids SQLITE_BUSY under concurrency.
func OpenMetastorePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenMetastore(path, "write", 0)
	if err != nil {
		return nil, nil, err
	}

	readDB, err = OpenMetastore(path, "read", readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}

	return writeDB, readDB, nil
}

func metastoreDSN(path string, mode string) string {
	params := url.Values{}
	params.Set("_journal_mode", journalMode)
	params.Set("_busy_timeout", busyTimeoutMs)
	params.Set("_synchronous", synchronous)
	params.Set("_foreign_keys", "on")
	if mode == "write" {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
