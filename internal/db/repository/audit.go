package repository

import (
	"context"
	"database/sql"

	"querydeck/internal/domain"
)

// AuditRepo records query-core audit entries.
type AuditRepo struct {
	writeDB *sql.DB
}

// NewAuditRepo creates an AuditRepo.
func NewAuditRepo(writeDB *sql.DB) *AuditRepo {
	return &AuditRepo{writeDB: writeDB}
}

func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = now()
	}
	_, err := r.writeDB.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, sql, dataset_uid, status, duration_ms,
			row_count, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Action, e.SQL, e.DatasetUID, e.Status, e.DurationMs, e.RowCount,
		e.Error, created.UTC())
	return mapDBError(err)
}
