package domain

import "time"

// DatabaseExtras carries per-database engine configuration parsed from the
// free-form extras blob.
type DatabaseExtras struct {
	EngineParams       map[string]string `json:"engine_params,omitempty"`
	AllowedCTASSchemas []string          `json:"allowed_ctas_schemas,omitempty"`
	ExposedCatalogs    []string          `json:"exposed_catalogs,omitempty"`
	Impersonate        bool              `json:"impersonate_user,omitempty"`
	AllowFileUpload    bool              `json:"allow_file_upload,omitempty"`
	PoolSize           int               `json:"pool_size,omitempty"`
	QueryTimeoutSec    int               `json:"query_timeout_sec,omitempty"`
}

// Database is a registered analytical data source.
//
// URI is stored encrypted at rest by the metastore layer; in memory it is the
// plain connection string and must never be logged or surfaced unmasked.
type Database struct {
	ID        int64
	Name      string
	URI       string
	Driver    string // dialect name, e.g. "postgres", "duckdb", "mssql"
	Catalog   string // default catalog (optional)
	Schema    string // default schema (optional)
	Extras    DatabaseExtras
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MaskedURI returns the connection string with the password elided.
func (d *Database) MaskedURI() string {
	return MaskURI(d.URI)
}

// QueryTimeout returns the per-database soft query timeout, or the given
// fallback when unset.
func (d *Database) QueryTimeout(fallback time.Duration) time.Duration {
	if d.Extras.QueryTimeoutSec > 0 {
		return time.Duration(d.Extras.QueryTimeoutSec) * time.Second
	}
	return fallback
}

// PoolSize returns the connection pool size, defaulting when unset.
func (d *Database) PoolSize() int {
	if d.Extras.PoolSize > 0 {
		return d.Extras.PoolSize
	}
	return 4
}

// CreateDatabaseRequest holds parameters for registering a database.
type CreateDatabaseRequest struct {
	Name    string
	URI     string
	Driver  string
	Catalog string
	Schema  string
	Extras  DatabaseExtras
}

// Validate checks that the request is well-formed.
func (r *CreateDatabaseRequest) Validate() error {
	if r.Name == "" {
		return ErrValidation("name is required")
	}
	if r.URI == "" {
		return ErrValidation("uri is required")
	}
	if r.Driver == "" {
		return ErrValidation("driver is required")
	}
	return nil
}
