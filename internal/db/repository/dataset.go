package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"querydeck/internal/domain"
)

// DatasetRepo stores datasets with their owned columns, metrics and join keys.
type DatasetRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewDatasetRepo creates a DatasetRepo.
func NewDatasetRepo(writeDB, readDB *sql.DB) *DatasetRepo {
	return &DatasetRepo{writeDB: writeDB, readDB: readDB}
}

func (r *DatasetRepo) Create(ctx context.Context, ds *domain.Dataset) (*domain.Dataset, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	templateParams, err := marshalMap(ds.TemplateParams)
	if err != nil {
		return nil, err
	}
	extra, err := marshalMap(ds.Extra)
	if err != nil {
		return nil, err
	}

	out := *ds
	out.ChangedOn = now()
	err = withTx(ctx, r.writeDB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (database_id, catalog, schema_name, name, kind, sql, table_type,
				main_dttm_col, fetch_values_predicate, template_params, extra, timezone,
				cache_timeout_sec, changed_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ds.DatabaseID, ds.Catalog, ds.Schema, ds.Name, string(ds.Kind), ds.SQL,
			string(ds.TableType), ds.MainDatetimeColumn, ds.FetchValuesPredicate,
			templateParams, extra, ds.Timezone, ds.CacheTimeoutSec, out.ChangedOn)
		if err != nil {
			return mapDBError(err)
		}
		out.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return insertDatasetChildren(ctx, tx, out.ID, ds)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *DatasetRepo) GetByID(ctx context.Context, id int64) (*domain.Dataset, error) {
	row := r.readDB.QueryRowContext(ctx, `
		SELECT id, database_id, catalog, schema_name, name, kind, sql, table_type,
			main_dttm_col, fetch_values_predicate, template_params, extra, timezone,
			cache_timeout_sec, changed_on
		FROM datasets WHERE id = ?`, id)

	ds, err := scanDataset(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (r *DatasetRepo) List(ctx context.Context, databaseID int64) ([]domain.Dataset, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT id, database_id, catalog, schema_name, name, kind, sql, table_type,
			main_dttm_col, fetch_values_predicate, template_params, extra, timezone,
			cache_timeout_sec, changed_on
		FROM datasets WHERE database_id = ? ORDER BY name`, databaseID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update replaces the dataset row and its owned children, bumping changed_on
// so dependent cache entries stop matching.
func (r *DatasetRepo) Update(ctx context.Context, ds *domain.Dataset) (*domain.Dataset, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	templateParams, err := marshalMap(ds.TemplateParams)
	if err != nil {
		return nil, err
	}
	extra, err := marshalMap(ds.Extra)
	if err != nil {
		return nil, err
	}

	out := *ds
	out.ChangedOn = now()
	err = withTx(ctx, r.writeDB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE datasets SET catalog = ?, schema_name = ?, name = ?, kind = ?, sql = ?,
				table_type = ?, main_dttm_col = ?, fetch_values_predicate = ?,
				template_params = ?, extra = ?, timezone = ?, cache_timeout_sec = ?,
				changed_on = ?
			WHERE id = ?`,
			ds.Catalog, ds.Schema, ds.Name, string(ds.Kind), ds.SQL, string(ds.TableType),
			ds.MainDatetimeColumn, ds.FetchValuesPredicate, templateParams, extra,
			ds.Timezone, ds.CacheTimeoutSec, out.ChangedOn, ds.ID)
		if err != nil {
			return mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound("dataset %d not found", ds.ID)
		}
		for _, table := range []string{"table_columns", "sql_metrics", "dataset_join_keys"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE dataset_id = ?`, ds.ID); err != nil {
				return mapDBError(err)
			}
		}
		return insertDatasetChildren(ctx, tx, ds.ID, ds)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *DatasetRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.writeDB.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("dataset %d not found", id)
	}
	return nil
}

// Touch bumps changed_on, implicitly invalidating the dataset's cache keys.
func (r *DatasetRepo) Touch(ctx context.Context, id int64) error {
	res, err := r.writeDB.ExecContext(ctx,
		`UPDATE datasets SET changed_on = ? WHERE id = ?`, now(), id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("dataset %d not found", id)
	}
	return nil
}

func insertDatasetChildren(ctx context.Context, tx *sql.Tx, datasetID int64, ds *domain.Dataset) error {
	for _, c := range ds.Columns {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO table_columns (dataset_id, name, expression, data_type, is_temporal,
				groupable, filterable, is_primary_key, is_foreign_key, python_date_format,
				advanced_data_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			datasetID, c.Name, c.Expression, c.DataType, c.IsTemporal, c.Groupable,
			c.Filterable, c.IsPrimaryKey, c.IsForeignKey, c.PythonDateFormat, c.AdvancedDataType)
		if err != nil {
			return mapDBError(err)
		}
	}
	for _, m := range ds.Metrics {
		currency := ""
		if m.Currency != nil {
			raw, err := json.Marshal(m.Currency)
			if err != nil {
				return fmt.Errorf("marshal currency for metric %q: %w", m.Name, err)
			}
			currency = string(raw)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sql_metrics (dataset_id, name, expression, metric_type, d3_format,
				currency, warning_text)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			datasetID, m.Name, m.Expression, m.MetricType, m.D3Format, currency, m.WarningText)
		if err != nil {
			return mapDBError(err)
		}
	}
	for _, jk := range ds.JoinKeys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_join_keys (dataset_id, foreign_key, dimension_dataset_id, dimension_key)
			VALUES (?, ?, ?, ?)`,
			datasetID, jk.ForeignKey, jk.DimensionDatasetID, jk.DimensionKey)
		if err != nil {
			return mapDBError(err)
		}
	}
	return nil
}

func scanDataset(row rowScanner) (*domain.Dataset, error) {
	var ds domain.Dataset
	var kind, tableType, templateParams, extra string
	err := row.Scan(&ds.ID, &ds.DatabaseID, &ds.Catalog, &ds.Schema, &ds.Name, &kind,
		&ds.SQL, &tableType, &ds.MainDatetimeColumn, &ds.FetchValuesPredicate,
		&templateParams, &extra, &ds.Timezone, &ds.CacheTimeoutSec, &ds.ChangedOn)
	if err != nil {
		return nil, mapDBError(err)
	}
	ds.Kind = domain.DatasetKind(kind)
	ds.TableType = domain.TableType(tableType)
	if ds.TemplateParams, err = unmarshalMap(templateParams); err != nil {
		return nil, err
	}
	if ds.Extra, err = unmarshalMap(extra); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (r *DatasetRepo) loadChildren(ctx context.Context, ds *domain.Dataset) error {
	cols, err := r.readDB.QueryContext(ctx, `
		SELECT name, expression, data_type, is_temporal, groupable, filterable,
			is_primary_key, is_foreign_key, python_date_format, advanced_data_type
		FROM table_columns WHERE dataset_id = ? ORDER BY id`, ds.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer cols.Close()
	for cols.Next() {
		var c domain.Column
		if err := cols.Scan(&c.Name, &c.Expression, &c.DataType, &c.IsTemporal,
			&c.Groupable, &c.Filterable, &c.IsPrimaryKey, &c.IsForeignKey,
			&c.PythonDateFormat, &c.AdvancedDataType); err != nil {
			return err
		}
		ds.Columns = append(ds.Columns, c)
	}
	if err := cols.Err(); err != nil {
		return err
	}

	metrics, err := r.readDB.QueryContext(ctx, `
		SELECT name, expression, metric_type, d3_format, currency, warning_text
		FROM sql_metrics WHERE dataset_id = ? ORDER BY id`, ds.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer metrics.Close()
	for metrics.Next() {
		var m domain.Metric
		var currency string
		if err := metrics.Scan(&m.Name, &m.Expression, &m.MetricType, &m.D3Format,
			&currency, &m.WarningText); err != nil {
			return err
		}
		if currency != "" {
			m.Currency = &domain.Currency{}
			if err := json.Unmarshal([]byte(currency), m.Currency); err != nil {
				return fmt.Errorf("unmarshal currency for metric %q: %w", m.Name, err)
			}
		}
		ds.Metrics = append(ds.Metrics, m)
	}
	if err := metrics.Err(); err != nil {
		return err
	}

	joins, err := r.readDB.QueryContext(ctx, `
		SELECT foreign_key, dimension_dataset_id, dimension_key
		FROM dataset_join_keys WHERE dataset_id = ? ORDER BY id`, ds.ID)
	if err != nil {
		return mapDBError(err)
	}
	defer joins.Close()
	for joins.Next() {
		var jk domain.JoinKey
		if err := joins.Scan(&jk.ForeignKey, &jk.DimensionDatasetID, &jk.DimensionKey); err != nil {
			return err
		}
		ds.JoinKeys = append(ds.JoinKeys, jk)
	}
	return joins.Err()
}
