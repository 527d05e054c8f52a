package repository

import (
	"context"
	"database/sql"
	"time"

	"querydeck/internal/domain"
)

// QueryRecordRepo stores SQL-Lab query records with optimistic concurrency on
// state transitions.
type QueryRecordRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewQueryRecordRepo creates a QueryRecordRepo.
func NewQueryRecordRepo(writeDB, readDB *sql.DB) *QueryRecordRepo {
	return &QueryRecordRepo{writeDB: writeDB, readDB: readDB}
}

const queryRecordColumns = `id, client_id, user_id, username, user_roles, database_id, catalog,
	schema_name, sql, executed_sql, status, progress, start_time, end_time, rows,
	error_message, results_key, tracking_url, stop_requested, state_version, created_at, updated_at`

func (r *QueryRecordRepo) Create(ctx context.Context, q *domain.QueryRecord) (*domain.QueryRecord, error) {
	out := *q
	if out.Status == "" {
		out.Status = domain.QueryScheduled
	}
	out.StateVersion = 0
	ts := now()
	out.CreatedAt = ts
	out.UpdatedAt = ts

	roles, err := marshalList(out.UserRoles)
	if err != nil {
		return nil, err
	}
	res, err := r.writeDB.ExecContext(ctx, `
		INSERT INTO queries (client_id, user_id, username, user_roles, database_id, catalog,
			schema_name, sql, executed_sql, status, progress, start_time, end_time, rows,
			error_message, results_key, tracking_url, stop_requested, state_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ClientID, out.UserID, out.Username, roles, out.DatabaseID, out.Catalog,
		out.Schema, out.SQL, out.ExecutedSQL, string(out.Status), out.Progress,
		nullTime(out.StartTime), nullTime(out.EndTime), out.Rows, out.ErrorMessage,
		out.ResultsKey, out.TrackingURL, out.StopRequested, out.StateVersion, ts, ts)
	if err != nil {
		return nil, mapDBError(err)
	}
	out.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *QueryRecordRepo) GetByID(ctx context.Context, id int64) (*domain.QueryRecord, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT `+queryRecordColumns+` FROM queries WHERE id = ?`, id)
	return scanQueryRecord(row)
}

func (r *QueryRecordRepo) GetByClientID(ctx context.Context, userID int64, clientID string) (*domain.QueryRecord, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT `+queryRecordColumns+` FROM queries WHERE user_id = ? AND client_id = ?`,
		userID, clientID)
	return scanQueryRecord(row)
}

// Transition applies a state change guarded by the record's state version.
// The stored version must equal expectVersion, and the move must be legal for
// the state machine; mutate may update payload fields before the write.
func (r *QueryRecordRepo) Transition(ctx context.Context, id int64, expectVersion int64, to domain.QueryStatus, mutate func(*domain.QueryRecord)) (*domain.QueryRecord, error) {
	var out *domain.QueryRecord
	err := withTx(ctx, r.writeDB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+queryRecordColumns+` FROM queries WHERE id = ?`, id)
		rec, err := scanQueryRecord(row)
		if err != nil {
			return err
		}
		if rec.StateVersion != expectVersion {
			return domain.ErrConflict("query %d state version is %d, expected %d",
				id, rec.StateVersion, expectVersion)
		}
		if !domain.CanTransition(rec.Status, to) {
			return domain.ErrConflict("query %d cannot move from %s to %s", id, rec.Status, to)
		}

		rec.Status = to
		if mutate != nil {
			mutate(rec)
		}
		rec.StateVersion = expectVersion + 1
		rec.UpdatedAt = now()

		res, err := tx.ExecContext(ctx, `
			UPDATE queries SET status = ?, progress = ?, executed_sql = ?, start_time = ?,
				end_time = ?, rows = ?, error_message = ?, results_key = ?, tracking_url = ?,
				state_version = ?, updated_at = ?
			WHERE id = ? AND state_version = ?`,
			string(rec.Status), rec.Progress, rec.ExecutedSQL, nullTime(rec.StartTime),
			nullTime(rec.EndTime), rec.Rows, rec.ErrorMessage, rec.ResultsKey,
			rec.TrackingURL, rec.StateVersion, rec.UpdatedAt, id, expectVersion)
		if err != nil {
			return mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrConflict("query %d transition to %s lost a concurrent write", id, to)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *QueryRecordRepo) SetProgress(ctx context.Context, id int64, progress int) error {
	res, err := r.writeDB.ExecContext(ctx,
		`UPDATE queries SET progress = ?, updated_at = ? WHERE id = ?`, progress, now(), id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("query %d not found", id)
	}
	return nil
}

// RequestStop flags the record; workers poll the flag between fetch batches.
func (r *QueryRecordRepo) RequestStop(ctx context.Context, id int64) error {
	res, err := r.writeDB.ExecContext(ctx,
		`UPDATE queries SET stop_requested = 1, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("query %d not found", id)
	}
	return nil
}

func (r *QueryRecordRepo) StopRequested(ctx context.Context, id int64) (bool, error) {
	var flag bool
	err := r.readDB.QueryRowContext(ctx,
		`SELECT stop_requested FROM queries WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		return false, mapDBError(err)
	}
	return flag, nil
}

// ListStale returns non-terminal records not updated since the cutoff, oldest
// first; the janitor times them out.
func (r *QueryRecordRepo) ListStale(ctx context.Context, cutoff time.Time) ([]domain.QueryRecord, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+queryRecordColumns+` FROM queries
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at`,
		string(domain.QueryScheduled), string(domain.QueryRunning),
		string(domain.QueryFetching), cutoff.UTC())
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.QueryRecord
	for rows.Next() {
		rec, err := scanQueryRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanQueryRecord(row rowScanner) (*domain.QueryRecord, error) {
	var rec domain.QueryRecord
	var status, roles string
	var start, end sql.NullTime
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.UserID, &rec.Username, &roles,
		&rec.DatabaseID, &rec.Catalog, &rec.Schema, &rec.SQL, &rec.ExecutedSQL, &status,
		&rec.Progress, &start, &end, &rec.Rows, &rec.ErrorMessage, &rec.ResultsKey,
		&rec.TrackingURL, &rec.StopRequested, &rec.StateVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	rec.Status = domain.QueryStatus(status)
	if rec.UserRoles, err = unmarshalList(roles); err != nil {
		return nil, err
	}
	if start.Valid {
		t := start.Time
		rec.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		rec.EndTime = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
