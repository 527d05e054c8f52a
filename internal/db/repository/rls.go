package repository

import (
	"context"
	"database/sql"

	"querydeck/internal/domain"
)

// RLSRepo stores row-level-security filters. Every mutation bumps the global
// policy version so previously issued cache keys stop matching.
type RLSRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewRLSRepo creates an RLSRepo.
func NewRLSRepo(writeDB, readDB *sql.DB) *RLSRepo {
	return &RLSRepo{writeDB: writeDB, readDB: readDB}
}

func (r *RLSRepo) Create(ctx context.Context, f *domain.RLSFilter) (*domain.RLSFilter, error) {
	if f.Clause == "" {
		return nil, domain.ErrValidation("rls filter clause is required")
	}
	if len(f.DatasetIDs) == 0 {
		return nil, domain.ErrValidation("rls filter %q is bound to no dataset", f.Name)
	}

	out := *f
	ts := now()
	out.CreatedAt = ts
	out.UpdatedAt = ts
	err := withTx(ctx, r.writeDB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rls_filters (name, filter_type, group_key, clause, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			f.Name, string(f.FilterType), f.GroupKey, f.Clause, ts, ts)
		if err != nil {
			return mapDBError(err)
		}
		out.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, role := range f.RoleNames {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rls_filter_roles (rls_filter_id, role_name) VALUES (?, ?)`,
				out.ID, role); err != nil {
				return mapDBError(err)
			}
		}
		for _, group := range f.GroupNames {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rls_filter_groups (rls_filter_id, group_name) VALUES (?, ?)`,
				out.ID, group); err != nil {
				return mapDBError(err)
			}
		}
		for _, datasetID := range f.DatasetIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rls_filter_tables (rls_filter_id, dataset_id) VALUES (?, ?)`,
				out.ID, datasetID); err != nil {
				return mapDBError(err)
			}
		}
		return bumpRLSVersion(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RLSRepo) ListForDataset(ctx context.Context, datasetID int64) ([]domain.RLSFilter, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT f.id, f.name, f.filter_type, f.group_key, f.clause, f.created_at, f.updated_at
		FROM rls_filters f
		JOIN rls_filter_tables t ON t.rls_filter_id = f.id
		WHERE t.dataset_id = ?
		ORDER BY f.id`, datasetID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.RLSFilter
	for rows.Next() {
		var f domain.RLSFilter
		var filterType string
		if err := rows.Scan(&f.ID, &f.Name, &filterType, &f.GroupKey, &f.Clause,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.FilterType = domain.RLSFilterType(filterType)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadBindings(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *RLSRepo) Delete(ctx context.Context, id int64) error {
	return withTx(ctx, r.writeDB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM rls_filters WHERE id = ?`, id)
		if err != nil {
			return mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound("rls filter %d not found", id)
		}
		return bumpRLSVersion(ctx, tx)
	})
}

// Version returns the policy counter; it feeds the applied_rls_version
// cache-fingerprint field.
func (r *RLSRepo) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.readDB.QueryRowContext(ctx,
		`SELECT version FROM rls_version WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, mapDBError(err)
	}
	return version, nil
}

func bumpRLSVersion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE rls_version SET version = version + 1 WHERE id = 1`)
	return mapDBError(err)
}

func (r *RLSRepo) loadBindings(ctx context.Context, f *domain.RLSFilter) error {
	roles, err := r.readDB.QueryContext(ctx,
		`SELECT role_name FROM rls_filter_roles WHERE rls_filter_id = ? ORDER BY role_name`, f.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer roles.Close()
	for roles.Next() {
		var name string
		if err := roles.Scan(&name); err != nil {
			return err
		}
		f.RoleNames = append(f.RoleNames, name)
	}
	if err := roles.Err(); err != nil {
		return err
	}

	groups, err := r.readDB.QueryContext(ctx,
		`SELECT group_name FROM rls_filter_groups WHERE rls_filter_id = ? ORDER BY group_name`, f.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer groups.Close()
	for groups.Next() {
		var name string
		if err := groups.Scan(&name); err != nil {
			return err
		}
		f.GroupNames = append(f.GroupNames, name)
	}
	if err := groups.Err(); err != nil {
		return err
	}

	tables, err := r.readDB.QueryContext(ctx,
		`SELECT dataset_id FROM rls_filter_tables WHERE rls_filter_id = ? ORDER BY dataset_id`, f.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer tables.Close()
	for tables.Next() {
		var id int64
		if err := tables.Scan(&id); err != nil {
			return err
		}
		f.DatasetIDs = append(f.DatasetIDs, id)
	}
	return tables.Err()
}
