// Package repository implements the metastore port interfaces over SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"querydeck/internal/domain"
)

// mapDBError converts driver-level failures into domain errors.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

// withTx runs fn inside a transaction on the write pool, committing on nil
// and rolling back otherwise.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// marshalMap encodes a string map for a TEXT column; nil maps become "{}".
func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal map: %w", err)
	}
	return string(raw), nil
}

func unmarshalMap(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	return m, nil
}

// marshalList encodes a string slice for a TEXT column; nil slices become "[]".
func marshalList(s []string) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(raw), nil
}

func unmarshalList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return s, nil
}

// now returns the timestamp written to metastore rows.
func now() time.Time {
	return time.Now().UTC()
}
