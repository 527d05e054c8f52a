package domain

import (
	"strconv"
	"time"
)

// DatasetKind distinguishes physical tables from virtual (SQL-backed) datasets.
type DatasetKind string

// Dataset kinds.
const (
	DatasetPhysical DatasetKind = "physical_table"
	DatasetVirtual  DatasetKind = "virtual_query"
)

// TableType classifies a dataset's role in a star schema.
type TableType string

// Table types.
const (
	TableTypePhysical  TableType = "physical"
	TableTypeView      TableType = "view"
	TableTypeFact      TableType = "fact"
	TableTypeDimension TableType = "dimension"
)

// Column describes one dataset column. A non-empty Expression makes the
// column calculated: Expression is raw SQL that replaces the bare column
// reference wherever the column is used.
type Column struct {
	Name             string
	Expression       string
	DataType         string
	IsTemporal       bool
	Groupable        bool
	Filterable       bool
	IsPrimaryKey     bool
	IsForeignKey     bool
	PythonDateFormat string // "epoch_s" or "epoch_ms" for numeric epoch columns
	AdvancedDataType string // semantic tag, e.g. "internet_address"
}

// IsCalculated reports whether the column is backed by a SQL expression.
func (c *Column) IsCalculated() bool { return c.Expression != "" }

// Metric describes one dataset metric. Expression must evaluate to an
// aggregate when injected under the SELECT clause.
type Metric struct {
	Name        string
	Expression  string
	MetricType  string
	D3Format    string
	Currency    *Currency
	WarningText string
}

// Currency holds display formatting for monetary metrics.
type Currency struct {
	Symbol   string `json:"symbol"`
	Position string `json:"position"` // "prefix" or "suffix"
}

// JoinKey maps a fact-table foreign key to a dimension dataset's primary key
// for star-schema auto-joins.
type JoinKey struct {
	ForeignKey         string // column on the fact table
	DimensionDatasetID int64
	DimensionKey       string // primary key column on the dimension
}

// Dataset is the semantic layer's unit of querying (a.k.a. SqlaTable).
//
// Columns and Metrics are owned: deleting the Dataset deletes them. A virtual
// dataset carries SQL that becomes a subquery in the FROM clause.
type Dataset struct {
	ID                   int64
	DatabaseID           int64
	Catalog              string
	Schema               string
	Name                 string
	Kind                 DatasetKind
	SQL                  string // virtual datasets only
	TableType            TableType
	Columns              []Column
	Metrics              []Metric
	JoinKeys             []JoinKey
	MainDatetimeColumn   string
	FetchValuesPredicate string
	TemplateParams       map[string]string
	Extra                map[string]string
	Timezone             string // IANA name; empty means UTC
	CacheTimeoutSec      int    // 0 means use the global default
	ChangedOn            time.Time
}

// UID returns the datasource identity used in cache fingerprints.
func (d *Dataset) UID() string {
	return datasetUID(d.DatabaseID, d.Catalog, d.Schema, d.Name)
}

func datasetUID(databaseID int64, catalog, schema, name string) string {
	uid := ""
	if catalog != "" {
		uid += catalog + "."
	}
	if schema != "" {
		uid += schema + "."
	}
	return strconv.FormatInt(databaseID, 10) + "__" + uid + name
}

// Column returns the named column, or nil when absent.
func (d *Dataset) Column(name string) *Column {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// Metric returns the named metric, or nil when absent.
func (d *Dataset) Metric(name string) *Metric {
	for i := range d.Metrics {
		if d.Metrics[i].Name == name {
			return &d.Metrics[i]
		}
	}
	return nil
}

// Validate checks structural invariants before persistence.
func (d *Dataset) Validate() error {
	if d.Name == "" {
		return ErrValidation("dataset name is required")
	}
	if d.DatabaseID == 0 {
		return ErrValidation("dataset %q has no database", d.Name)
	}
	if d.Kind == DatasetVirtual && d.SQL == "" {
		return ErrValidation("virtual dataset %q requires sql", d.Name)
	}
	if d.Kind == DatasetPhysical && d.SQL != "" {
		return ErrValidation("physical dataset %q must not carry sql", d.Name)
	}
	seen := map[string]bool{}
	for _, c := range d.Columns {
		if c.Name == "" {
			return ErrValidation("dataset %q has a column without a name", d.Name)
		}
		if seen[c.Name] {
			return ErrValidation("dataset %q has duplicate column %q", d.Name, c.Name)
		}
		seen[c.Name] = true
	}
	seen = map[string]bool{}
	for _, m := range d.Metrics {
		if m.Name == "" {
			return ErrValidation("dataset %q has a metric without a name", d.Name)
		}
		if m.Expression == "" {
			return ErrValidation("metric %q has empty expression", m.Name)
		}
		if seen[m.Name] {
			return ErrValidation("dataset %q has duplicate metric %q", d.Name, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}
