package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"querydeck/internal/db/crypto"
	"querydeck/internal/domain"
)

// DatabaseRepo stores registered databases. Connection URIs are encrypted
// before they touch disk and decrypted on read.
type DatabaseRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
	enc     *crypto.Encryptor
}

// NewDatabaseRepo creates a DatabaseRepo.
func NewDatabaseRepo(writeDB, readDB *sql.DB, enc *crypto.Encryptor) *DatabaseRepo {
	return &DatabaseRepo{writeDB: writeDB, readDB: readDB, enc: enc}
}

const databaseColumns = `id, name, uri_encrypted, driver, catalog, schema_name, extras, created_at, updated_at`

func (r *DatabaseRepo) Create(ctx context.Context, d *domain.Database) (*domain.Database, error) {
	encrypted, err := r.enc.Encrypt(d.URI)
	if err != nil {
		return nil, fmt.Errorf("encrypt uri for %q: %w", d.Name, err)
	}
	extras, err := json.Marshal(d.Extras)
	if err != nil {
		return nil, fmt.Errorf("marshal extras for %q: %w", d.Name, err)
	}

	ts := now()
	res, err := r.writeDB.ExecContext(ctx, `
		INSERT INTO databases (name, uri_encrypted, driver, catalog, schema_name, extras, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, encrypted, d.Driver, d.Catalog, d.Schema, string(extras), ts, ts)
	if err != nil {
		return nil, mapDBError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	out := *d
	out.ID = id
	out.CreatedAt = ts
	out.UpdatedAt = ts
	return &out, nil
}

func (r *DatabaseRepo) GetByID(ctx context.Context, id int64) (*domain.Database, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT `+databaseColumns+` FROM databases WHERE id = ?`, id)
	return r.scan(row)
}

func (r *DatabaseRepo) GetByName(ctx context.Context, name string) (*domain.Database, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT `+databaseColumns+` FROM databases WHERE name = ?`, name)
	return r.scan(row)
}

func (r *DatabaseRepo) List(ctx context.Context) ([]domain.Database, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+databaseColumns+` FROM databases ORDER BY name`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.Database
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DatabaseRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.writeDB.ExecContext(ctx, `DELETE FROM databases WHERE id = ?`, id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("database %d not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *DatabaseRepo) scan(row rowScanner) (*domain.Database, error) {
	var d domain.Database
	var encrypted, extras string
	err := row.Scan(&d.ID, &d.Name, &encrypted, &d.Driver, &d.Catalog, &d.Schema,
		&extras, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	d.URI, err = r.enc.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt uri for database %d: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(extras), &d.Extras); err != nil {
		return nil, fmt.Errorf("unmarshal extras for database %d: %w", d.ID, err)
	}
	return &d, nil
}
