package domain

import (
	"context"
	"time"
)

// DatabaseRepository stores registered databases.
type DatabaseRepository interface {
	Create(ctx context.Context, db *Database) (*Database, error)
	GetByID(ctx context.Context, id int64) (*Database, error)
	GetByName(ctx context.Context, name string) (*Database, error)
	List(ctx context.Context) ([]Database, error)
	Delete(ctx context.Context, id int64) error
}

// DatasetRepository stores datasets with their owned columns and metrics.
type DatasetRepository interface {
	Create(ctx context.Context, ds *Dataset) (*Dataset, error)
	GetByID(ctx context.Context, id int64) (*Dataset, error)
	List(ctx context.Context, databaseID int64) ([]Dataset, error)
	Update(ctx context.Context, ds *Dataset) (*Dataset, error)
	Delete(ctx context.Context, id int64) error
	// Touch bumps changed_on, implicitly invalidating the dataset's cache keys.
	Touch(ctx context.Context, id int64) error
}

// RLSRepository stores row-level-security filters.
type RLSRepository interface {
	Create(ctx context.Context, f *RLSFilter) (*RLSFilter, error)
	ListForDataset(ctx context.Context, datasetID int64) ([]RLSFilter, error)
	Delete(ctx context.Context, id int64) error
	// Version returns a counter bumped by every policy mutation; it feeds the
	// applied_rls_version cache-fingerprint field.
	Version(ctx context.Context) (int64, error)
}

// QueryRecordRepository stores SQL-Lab query records. Transition applies an
// optimistic state change: it fails with a ConflictError-style mismatch when
// expectVersion is stale, and rejects transitions the state machine forbids.
type QueryRecordRepository interface {
	Create(ctx context.Context, q *QueryRecord) (*QueryRecord, error)
	GetByID(ctx context.Context, id int64) (*QueryRecord, error)
	GetByClientID(ctx context.Context, userID int64, clientID string) (*QueryRecord, error)
	Transition(ctx context.Context, id int64, expectVersion int64, to QueryStatus, mutate func(*QueryRecord)) (*QueryRecord, error)
	SetProgress(ctx context.Context, id int64, progress int) error
	RequestStop(ctx context.Context, id int64) error
	StopRequested(ctx context.Context, id int64) (bool, error)
	// ListStale returns non-terminal records not updated since the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]QueryRecord, error)
}

// CacheKeyRepository records issued cache keys per datasource uid so that
// dataset mutations can invalidate them in a targeted way.
type CacheKeyRepository interface {
	Insert(ctx context.Context, cacheKey, datasourceUID string) error
	ListForDatasource(ctx context.Context, datasourceUID string) ([]string, error)
	DeleteForDatasource(ctx context.Context, datasourceUID string) ([]string, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRepository records query-core audit entries.
type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEntry) error
}

// AuditEntry is one audit-trail record.
type AuditEntry struct {
	ID         int64
	UserID     int64
	Action     string
	SQL        string
	DatasetUID string
	Status     string
	DurationMs int64
	RowCount   int64
	Error      string
	CreatedAt  time.Time
}
