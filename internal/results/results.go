// Package results persists async query result blobs, keyed by the query's
// client id, in a compressed columnar-friendly JSON layout.
package results

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ColumnMeta describes one result column.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is the blob wire shape written by workers and read back by the
// results endpoint.
type ResultSet struct {
	Columns         []ColumnMeta    `json:"columns"`
	Data            [][]interface{} `json:"data"`
	SelectedColumns []ColumnMeta    `json:"selected_columns"`
	Query           string          `json:"query"`
	Status          string          `json:"status"`
}

// Store is the blob backend contract.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the blob name for a query's client id.
func Key(clientID string) string {
	return clientID + ".json.gz"
}

// Write gzips and stores the result set under the client id's key.
func Write(ctx context.Context, store Store, clientID string, rs *ResultSet) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(rs); err != nil {
		return fmt.Errorf("encode results for %s: %w", clientID, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress results for %s: %w", clientID, err)
	}
	if err := store.Put(ctx, Key(clientID), &buf); err != nil {
		return fmt.Errorf("store results for %s: %w", clientID, err)
	}
	return nil
}

// Read fetches and decodes the result set for a client id.
func Read(ctx context.Context, store Store, clientID string) (*ResultSet, error) {
	body, err := store.Get(ctx, Key(clientID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("decompress results for %s: %w", clientID, err)
	}
	defer zr.Close()

	var rs ResultSet
	if err := json.NewDecoder(zr).Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode results for %s: %w", clientID, err)
	}
	return &rs, nil
}

// Remove deletes a result blob; used on cancel and by the TTL janitor.
func Remove(ctx context.Context, store Store, clientID string) error {
	return store.Delete(ctx, Key(clientID))
}
