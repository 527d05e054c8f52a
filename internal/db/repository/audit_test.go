package repository

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querydeck/internal/db"
	"querydeck/internal/domain"
)

func TestAuditRepo_Insert(t *testing.T) {
	writeDB, _ := internaldb.OpenTestMetastore(t)
	repo := NewAuditRepo(writeDB)
	ctx := context.Background()

	err := repo.Insert(ctx, &domain.AuditEntry{
		UserID:     7,
		Action:     "chart_data",
		SQL:        "SELECT region, sum(amount) FROM sales GROUP BY 1",
		DatasetUID: "1__main.sales",
		Status:     "SUCCESS",
		DurationMs: 120,
		RowCount:   42,
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, writeDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE user_id = 7 AND action = 'chart_data'`).Scan(&count))
	assert.Equal(t, 1, count)

	var created string
	require.NoError(t, writeDB.QueryRowContext(ctx,
		`SELECT created_at FROM audit_log LIMIT 1`).Scan(&created))
	assert.NotEmpty(t, created)
}
