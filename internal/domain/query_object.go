package domain

import "time"

// FilterOperator enumerates the structured filter operators.
type FilterOperator string

// Structured filter operators.
const (
	OpEqual          FilterOperator = "=="
	OpNotEqual       FilterOperator = "!="
	OpGreater        FilterOperator = ">"
	OpLess           FilterOperator = "<"
	OpGreaterOrEqual FilterOperator = ">="
	OpLessOrEqual    FilterOperator = "<="
	OpIn             FilterOperator = "IN"
	OpNotIn          FilterOperator = "NOT IN"
	OpLike           FilterOperator = "LIKE"
	OpILike          FilterOperator = "ILIKE"
	OpIsNull         FilterOperator = "IS NULL"
	OpIsNotNull      FilterOperator = "IS NOT NULL"
	OpRegex          FilterOperator = "REGEX"
	OpTemporalRange  FilterOperator = "TEMPORAL_RANGE"
)

// ValidFilterOperator reports whether op is a recognized operator.
func ValidFilterOperator(op FilterOperator) bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual,
		OpIn, OpNotIn, OpLike, OpILike, OpIsNull, OpIsNotNull, OpRegex, OpTemporalRange:
		return true
	}
	return false
}

// FilterClause is one structured {column, operator, value} filter.
type FilterClause struct {
	Column   string         `json:"col"`
	Operator FilterOperator `json:"op"`
	Value    interface{}    `json:"val,omitempty"`
}

// AdhocExpressionType enumerates inline metric/column expression flavors.
type AdhocExpressionType string

// Adhoc expression types.
const (
	AdhocSQL    AdhocExpressionType = "SQL"
	AdhocSimple AdhocExpressionType = "SIMPLE"
)

// Aggregate enumerates SIMPLE adhoc-metric aggregates.
type Aggregate string

// SIMPLE aggregates.
const (
	AggSum           Aggregate = "SUM"
	AggAvg           Aggregate = "AVG"
	AggMin           Aggregate = "MIN"
	AggMax           Aggregate = "MAX"
	AggCount         Aggregate = "COUNT"
	AggCountDistinct Aggregate = "COUNT_DISTINCT"
)

// ValidAggregate reports whether agg is a recognized SIMPLE aggregate.
func ValidAggregate(agg Aggregate) bool {
	switch agg {
	case AggSum, AggAvg, AggMin, AggMax, AggCount, AggCountDistinct:
		return true
	}
	return false
}

// MetricRef references a metric: by dataset name, or inline as a SIMPLE
// {column, aggregate} pair, or inline raw SQL.
//
// CompiledSQL is the canonical aggregate expression, filled eagerly at
// validation time so that cache-key hashing and SQL generation read the same
// string (never mutated downstream).
type MetricRef struct {
	Name           string              `json:"label,omitempty"`
	ExpressionType AdhocExpressionType `json:"expressionType,omitempty"`
	Column         string              `json:"column,omitempty"`
	Aggregate      Aggregate           `json:"aggregate,omitempty"`
	SQLExpression  string              `json:"sqlExpression,omitempty"`

	CompiledSQL string `json:"-"`
}

// IsAdhoc reports whether the reference carries an inline expression.
func (m *MetricRef) IsAdhoc() bool { return m.ExpressionType != "" }

// Label returns the output column name for the metric.
func (m *MetricRef) Label() string {
	if m.Name != "" {
		return m.Name
	}
	switch m.ExpressionType {
	case AdhocSimple:
		return string(m.Aggregate) + "(" + m.Column + ")"
	case AdhocSQL:
		return m.SQLExpression
	}
	return ""
}

// ColumnRef references a groupby/select column: by name, inline SQL, or a
// {column, time_grain} pair that buckets a temporal column.
//
// Like MetricRef.CompiledSQL, CompiledSQL holds the canonical adhoc form.
type ColumnRef struct {
	Name          string `json:"column,omitempty"`
	SQLExpression string `json:"sqlExpression,omitempty"`
	TimeGrain     string `json:"time_grain,omitempty"` // ISO-8601 duration, e.g. "P1D"

	CompiledSQL string `json:"-"`
}

// Label returns the output column name for the reference.
func (c *ColumnRef) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.SQLExpression
}

// OrderBy is one (expression, ascending) ordering pair. Expression may be a
// metric label, a column name, or adhoc SQL.
type OrderBy struct {
	Expression MetricRef `json:"expr"`
	Ascending  bool      `json:"asc"`
}

// QueryExtras carries raw SQL snippets AND-joined into their clauses, plus
// the default time grain.
type QueryExtras struct {
	Where         string `json:"where,omitempty"`
	Having        string `json:"having,omitempty"`
	TimeGrainSQLA string `json:"time_grain_sqla,omitempty"`
}

// ResultType selects what the execution pipeline returns.
type ResultType string

// Result types.
const (
	ResultFull        ResultType = "full"
	ResultSamples     ResultType = "samples"
	ResultQuery       ResultType = "query"
	ResultResults     ResultType = "results"
	ResultSchemas     ResultType = "schemas"
	ResultDrillDetail ResultType = "drill_detail"
)

// PostProcessingOp is one step of the in-memory post-processing pipeline.
type PostProcessingOp struct {
	Operation string                 `json:"operation"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// QueryObject is the logical unit of one SQL run.
type QueryObject struct {
	Metrics          []MetricRef        `json:"metrics,omitempty"`
	Columns          []ColumnRef        `json:"columns,omitempty"`
	Filters          []FilterClause     `json:"filters,omitempty"`
	Extras           QueryExtras        `json:"extras,omitempty"`
	TimeRange        string             `json:"time_range,omitempty"`
	FromDttm         *time.Time         `json:"from_dttm,omitempty"`
	ToDttm           *time.Time         `json:"to_dttm,omitempty"`
	GranularityCol   string             `json:"granularity,omitempty"` // time column override
	OrderBy          []OrderBy          `json:"orderby,omitempty"`
	RowLimit         int                `json:"row_limit,omitempty"`
	RowOffset        int                `json:"row_offset,omitempty"`
	SeriesLimit      int                `json:"series_limit,omitempty"`
	SeriesLimitMetric *MetricRef        `json:"series_limit_metric,omitempty"`
	// TimeseriesLimitMetric is the legacy spelling of series_limit_metric;
	// validation folds it into SeriesLimitMetric.
	TimeseriesLimitMetric *MetricRef `json:"timeseries_limit_metric,omitempty"`
	PostProcessing   []PostProcessingOp `json:"post_processing,omitempty"`
	IsTimeseries     bool               `json:"is_timeseries,omitempty"`
	ResultType       ResultType         `json:"result_type,omitempty"`
	CacheTimeoutSec  *int               `json:"cache_timeout,omitempty"`

	// URLParams feeds the url_param template function.
	URLParams map[string]string `json:"url_params,omitempty"`
}

// TimeColumn returns the effective time column name: the explicit granularity
// override, or the dataset's main datetime column.
func (q *QueryObject) TimeColumn(ds *Dataset) string {
	if q.GranularityCol != "" {
		return q.GranularityCol
	}
	return ds.MainDatetimeColumn
}

// QueryContext bundles a datasource with one or more QueryObjects. One
// QueryContext produces one response payload, a list aligned with Queries.
type QueryContext struct {
	DatasetID    int64
	Queries      []QueryObject
	FormData     map[string]interface{}
	Force        bool
	ResultFormat string // "json", "csv", "xlsx"
	ResultType   ResultType
	CacheTimeout *int
	User         *UserContext
}
