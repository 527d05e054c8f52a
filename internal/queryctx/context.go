// Package queryctx parses and validates chart-data request payloads into
// normalized QueryContext values.
//
// Normalization is eager and one-shot: semantic references are resolved,
// adhoc SQL is canonicalized, and time_range strings become absolute UTC
// bounds here, so every downstream consumer (cache key, SQL builder,
// executor) reads the same compiled values. Re-validating an already
// normalized context is a no-op.
package queryctx

import (
	"bytes"
	"encoding/json"
	"time"

	"querydeck/internal/domain"
	"querydeck/internal/semantic"
)

// Validator turns raw payloads into QueryContexts. Safe for concurrent use.
type Validator struct {
	maxRowLimit     int
	defaultRowLimit int
	now             func() time.Time
}

// NewValidator creates a Validator with the configured row-limit bounds.
func NewValidator(maxRowLimit, defaultRowLimit int) *Validator {
	if defaultRowLimit > maxRowLimit {
		defaultRowLimit = maxRowLimit
	}
	return &Validator{
		maxRowLimit:     maxRowLimit,
		defaultRowLimit: defaultRowLimit,
		now:             time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (v *Validator) WithNow(now func() time.Time) *Validator {
	v.now = now
	return v
}

type datasourceRef struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type requestPayload struct {
	Datasource   datasourceRef          `json:"datasource"`
	Queries      []domain.QueryObject   `json:"queries"`
	FormData     map[string]interface{} `json:"form_data,omitempty"`
	Force        bool                   `json:"force,omitempty"`
	ResultFormat string                 `json:"result_format,omitempty"`
	ResultType   domain.ResultType      `json:"result_type,omitempty"`
	CacheTimeout *int                   `json:"custom_cache_timeout,omitempty"`
}

// DatasetID extracts the datasource id from a raw payload so the caller can
// load the snapshot the payload is then validated against.
func DatasetID(payload []byte) (int64, error) {
	var probe struct {
		Datasource datasourceRef `json:"datasource"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, domain.ErrValidation("malformed request payload: %v", err)
	}
	if probe.Datasource.ID == 0 {
		return 0, domain.ErrValidationField("datasource", "datasource id is required")
	}
	return probe.Datasource.ID, nil
}

// FromPayload parses a JSON request body, resolves every semantic reference
// against the snapshot, and returns a fully normalized QueryContext. Unknown
// payload fields and any malformed field fail with ValidationError.
func (v *Validator) FromPayload(payload []byte, user *domain.UserContext, snap *semantic.Snapshot) (*domain.QueryContext, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var req requestPayload
	if err := dec.Decode(&req); err != nil {
		return nil, domain.ErrValidation("malformed request payload: %v", err)
	}

	if req.Datasource.ID != snap.Dataset.ID {
		return nil, domain.ErrValidationField("datasource", "dataset %d does not match request snapshot", req.Datasource.ID)
	}
	if req.Datasource.Type != "" && req.Datasource.Type != "table" {
		return nil, domain.ErrValidationField("datasource.type", "unsupported datasource type %q", req.Datasource.Type)
	}
	if len(req.Queries) == 0 {
		return nil, domain.ErrValidationField("queries", "at least one query is required")
	}

	format := req.ResultFormat
	if format == "" {
		format = "json"
	}
	switch format {
	case "json", "csv", "xlsx":
	default:
		return nil, domain.ErrValidationField("result_format", "unsupported result format %q", req.ResultFormat)
	}

	resultType := req.ResultType
	if resultType == "" {
		resultType = domain.ResultFull
	}
	if !validResultType(resultType) {
		return nil, domain.ErrValidationField("result_type", "unsupported result type %q", req.ResultType)
	}

	qc := &domain.QueryContext{
		DatasetID:    snap.Dataset.ID,
		Queries:      req.Queries,
		FormData:     req.FormData,
		Force:        req.Force,
		ResultFormat: format,
		ResultType:   resultType,
		CacheTimeout: req.CacheTimeout,
		User:         user,
	}

	loc, err := datasetLocation(snap.Dataset)
	if err != nil {
		return nil, err
	}
	now := v.now()

	for i := range qc.Queries {
		if err := v.normalizeQuery(&qc.Queries[i], snap, resultType, now, loc); err != nil {
			return nil, err
		}
	}

	return qc, nil
}

func (v *Validator) normalizeQuery(q *domain.QueryObject, snap *semantic.Snapshot, defaultType domain.ResultType, now time.Time, loc *time.Location) error {
	if q.ResultType == "" {
		q.ResultType = defaultType
	}
	if !validResultType(q.ResultType) {
		return domain.ErrValidationField("result_type", "unsupported result type %q", q.ResultType)
	}

	if q.TimeseriesLimitMetric != nil {
		if q.SeriesLimitMetric != nil {
			return domain.ErrValidationField("timeseries_limit_metric", "conflicts with series_limit_metric")
		}
		q.SeriesLimitMetric = q.TimeseriesLimitMetric
		q.TimeseriesLimitMetric = nil
	}

	// Time window: an explicit from/to pair wins; otherwise resolve the
	// time_range string. The string is cleared once resolved so that a
	// serialized context re-parses to the same absolute window.
	if q.TimeRange != "" && q.FromDttm == nil && q.ToDttm == nil {
		from, to, err := ResolveTimeRange(q.TimeRange, now, loc)
		if err != nil {
			return err
		}
		q.FromDttm, q.ToDttm = from, to
	}
	q.TimeRange = ""
	if q.FromDttm != nil && q.ToDttm != nil && !q.FromDttm.Before(*q.ToDttm) {
		return domain.ErrValidationField("time_range", "window start must precede window end")
	}

	for i := range q.Metrics {
		if err := snap.ResolveMetric(&q.Metrics[i]); err != nil {
			return err
		}
	}
	for i := range q.Columns {
		if err := snap.ResolveColumnRef(&q.Columns[i]); err != nil {
			return err
		}
		if grain := q.Columns[i].TimeGrain; grain != "" {
			if err := v.checkGrainTarget(&q.Columns[i], snap); err != nil {
				return err
			}
		}
	}

	for i := range q.Filters {
		if err := v.normalizeFilter(&q.Filters[i], snap, now, loc); err != nil {
			return err
		}
	}

	if q.Extras.Where != "" {
		canonical, err := semantic.CanonicalizePredicate(q.Extras.Where)
		if err != nil {
			return domain.ErrValidationField("extras.where", "invalid predicate: %v", err)
		}
		q.Extras.Where = canonical
	}
	if q.Extras.Having != "" {
		canonical, err := semantic.CanonicalizePredicate(q.Extras.Having)
		if err != nil {
			return domain.ErrValidationField("extras.having", "invalid predicate: %v", err)
		}
		q.Extras.Having = canonical
	}

	for i := range q.OrderBy {
		if err := v.resolveOrderBy(&q.OrderBy[i], q, snap); err != nil {
			return err
		}
	}

	if q.SeriesLimitMetric != nil {
		if err := snap.ResolveMetric(q.SeriesLimitMetric); err != nil {
			return err
		}
	}
	if q.SeriesLimit < 0 {
		return domain.ErrValidationField("series_limit", "must not be negative")
	}

	return v.normalizeLimits(q)
}

// normalizeLimits applies the row-limit default and cap. A negative row_limit
// asks for an unbounded scan, which is only legal when series_limit bounds
// the result instead.
func (v *Validator) normalizeLimits(q *domain.QueryObject) error {
	if q.RowOffset < 0 {
		return domain.ErrValidationField("row_offset", "must not be negative")
	}
	if q.RowLimit < 0 {
		if q.SeriesLimit == 0 {
			return domain.ErrValidationField("row_limit", "row_limit and series_limit cannot both be unbounded")
		}
		q.RowLimit = v.maxRowLimit
		return nil
	}
	if q.RowLimit == 0 {
		// Zero-row requests are legal for metadata-only result types and
		// skip execution entirely.
		if q.ResultType == domain.ResultSchemas || q.ResultType == domain.ResultQuery {
			return nil
		}
		q.RowLimit = v.defaultRowLimit
		return nil
	}
	if q.RowLimit > v.maxRowLimit {
		return domain.ErrValidationField("row_limit", "%d exceeds the maximum of %d", q.RowLimit, v.maxRowLimit)
	}
	return nil
}

func (v *Validator) normalizeFilter(f *domain.FilterClause, snap *semantic.Snapshot, now time.Time, loc *time.Location) error {
	if f.Column == "" {
		return domain.ErrValidationField("filters", "filter requires a column")
	}
	if !domain.ValidFilterOperator(f.Operator) {
		return domain.ErrValidationField("filters", "unsupported operator %q", f.Operator)
	}
	col, err := snap.ResolveColumn(f.Column)
	if err != nil {
		return err
	}
	if !col.Filterable && !col.IsCalculated() {
		return domain.ErrValidationField("filters", "column %q is not filterable", f.Column)
	}

	switch f.Operator {
	case domain.OpIsNull, domain.OpIsNotNull:
		if f.Value != nil {
			return domain.ErrValidationField("filters", "%s takes no value", f.Operator)
		}
	case domain.OpIn, domain.OpNotIn:
		if _, ok := f.Value.([]interface{}); !ok {
			return domain.ErrValidationField("filters", "%s requires a list value", f.Operator)
		}
	case domain.OpTemporalRange:
		s, ok := f.Value.(string)
		if !ok {
			return domain.ErrValidationField("filters", "TEMPORAL_RANGE requires a time range string")
		}
		if !col.IsTemporal {
			return domain.ErrValidationField("filters", "column %q is not temporal", f.Column)
		}
		from, to, err := ResolveTimeRange(s, now, loc)
		if err != nil {
			return err
		}
		// Rewrite relative ranges to absolute bounds so the builder and the
		// cache fingerprint never depend on the clock.
		f.Value = FormatTimeRange(from, to)
	default:
		if f.Value == nil {
			return domain.ErrValidationField("filters", "%s requires a value", f.Operator)
		}
	}
	return nil
}

// resolveOrderBy checks that an ordering expression names a projected metric,
// a known column or metric, or is SQL-equivalent to a projected expression.
func (v *Validator) resolveOrderBy(ob *domain.OrderBy, q *domain.QueryObject, snap *semantic.Snapshot) error {
	expr := &ob.Expression

	if !expr.IsAdhoc() {
		if expr.Name == "" {
			return domain.ErrValidationField("orderby", "ordering expression requires a name or SQL")
		}
		for i := range q.Metrics {
			if q.Metrics[i].Label() == expr.Name {
				expr.CompiledSQL = q.Metrics[i].CompiledSQL
				return nil
			}
		}
		if snap.Dataset.Metric(expr.Name) != nil {
			return snap.ResolveMetric(expr)
		}
		if _, err := snap.ResolveColumn(expr.Name); err == nil {
			return nil
		}
		return domain.ErrValidationField("orderby", "%q is neither a projected label, a metric, nor a column", expr.Name)
	}

	if err := snap.ResolveMetric(expr); err != nil {
		return err
	}
	for i := range q.Metrics {
		if q.Metrics[i].CompiledSQL == expr.CompiledSQL {
			return nil
		}
	}
	for i := range q.Columns {
		if q.Columns[i].CompiledSQL != "" && q.Columns[i].CompiledSQL == expr.CompiledSQL {
			return nil
		}
	}
	return domain.ErrValidationField("orderby", "adhoc ordering expression %q does not match a projected expression", expr.CompiledSQL)
}

// checkGrainTarget verifies a time_grain directive points at a temporal
// column. Unknown grains are tolerated here; the dialect layer falls back to
// the raw column for grains it has no expression for.
func (v *Validator) checkGrainTarget(ref *domain.ColumnRef, snap *semantic.Snapshot) error {
	if ref.Name == "" {
		return domain.ErrValidationField("columns", "time_grain requires a named column")
	}
	col, err := snap.ResolveColumn(ref.Name)
	if err != nil {
		return err
	}
	if !col.IsTemporal {
		return domain.ErrValidationField("columns", "time_grain on non-temporal column %q", ref.Name)
	}
	return nil
}

func datasetLocation(ds *domain.Dataset) (*time.Location, error) {
	if ds.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(ds.Timezone)
	if err != nil {
		return nil, domain.ErrValidation("dataset timezone %q: %v", ds.Timezone, err)
	}
	return loc, nil
}

func validResultType(rt domain.ResultType) bool {
	switch rt {
	case domain.ResultFull, domain.ResultSamples, domain.ResultQuery,
		domain.ResultResults, domain.ResultSchemas, domain.ResultDrillDetail:
		return true
	}
	return false
}

// Serialize renders a normalized QueryContext back to canonical JSON. The
// round trip parse(serialize(qc)) yields an equal context because resolved
// windows are absolute and time_range strings are cleared at validation.
func Serialize(qc *domain.QueryContext) ([]byte, error) {
	req := requestPayload{
		Datasource:   datasourceRef{ID: qc.DatasetID, Type: "table"},
		Queries:      qc.Queries,
		FormData:     qc.FormData,
		Force:        qc.Force,
		ResultFormat: qc.ResultFormat,
		ResultType:   qc.ResultType,
		CacheTimeout: qc.CacheTimeout,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&req); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
