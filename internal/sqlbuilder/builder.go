// Package sqlbuilder assembles one dialect-correct SQL statement per
// QueryObject.
//
// The builder is deterministic: for the same dataset snapshot, dialect, and
// normalized QueryObject it emits the same SQL character for character. All
// adhoc expressions arrive pre-canonicalized from validation and are never
// rewritten here.
package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"querydeck/internal/dialect"
	"querydeck/internal/domain"
	"querydeck/internal/queryctx"
	"querydeck/internal/semantic"
	"querydeck/internal/sqltemplate"
)

const virtualAlias = "virtual_table"

// FilterTag identifies one structured filter in the response payload.
type FilterTag struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
}

// Result is the built statement plus filter bookkeeping for the payload.
type Result struct {
	SQL string
	// Applied lists structured filters that contributed a WHERE predicate;
	// Rejected lists filters skipped as no-ops (open temporal ranges, empty
	// IN lists).
	Applied  []FilterTag
	Rejected []FilterTag
}

// Builder builds SQL for one dataset snapshot and dialect pair.
type Builder struct {
	dialect  *dialect.Dialect
	snap     *semantic.Snapshot
	template *sqltemplate.Engine
}

// New creates a Builder.
func New(d *dialect.Dialect, snap *semantic.Snapshot, tmpl *sqltemplate.Engine) *Builder {
	return &Builder{dialect: d, snap: snap, template: tmpl}
}

type selectItem struct {
	expr      string
	alias     string
	aggregate bool
}

// Build assembles the statement for one normalized QueryObject. The template
// context collects cache_key_wrapper values as a side effect, so callers must
// build before computing the cache fingerprint.
func (b *Builder) Build(q *domain.QueryObject, tctx *sqltemplate.Context) (*Result, error) {
	res := &Result{}

	from, err := b.fromClause(tctx)
	if err != nil {
		return nil, err
	}

	groupCols, err := b.groupColumns(q)
	if err != nil {
		return nil, err
	}

	selects, err := b.projections(q, groupCols, tctx)
	if err != nil {
		return nil, err
	}
	if len(selects) == 0 {
		return nil, domain.ErrValidation("query selects no columns and no metrics")
	}

	joins, err := b.starJoins(q, groupCols)
	if err != nil {
		return nil, err
	}

	where, err := b.whereClause(q, tctx, res)
	if err != nil {
		return nil, err
	}

	var having []string
	if q.Extras.Having != "" {
		having = append(having, q.Extras.Having)
	}

	// The membership predicate is derived from the pre-membership WHERE parts
	// and then joins them, so it lands in the outer WHERE clause rather than
	// being spliced into rendered SQL (virtual dataset SQL may itself contain
	// WHERE or GROUP BY).
	var ctePrefix string
	if q.SeriesLimit > 0 {
		prefix, membership, err := b.seriesLimitPredicate(q, groupCols, from, joins, where, tctx)
		if err != nil {
			return nil, err
		}
		if membership != "" {
			ctePrefix = prefix
			where = append(where, membership)
		}
	}

	groupBy := b.groupByClause(selects)
	orderBy, err := b.orderByClause(q, selects)
	if err != nil {
		return nil, err
	}

	base := b.render(selects, from, joins, where, groupBy, having, orderBy)
	res.SQL = b.dialect.LimitClause(ctePrefix+base, q.RowLimit, q.RowOffset)
	return res, nil
}

// fromClause renders the relation: a qualified table for physical datasets, a
// template-expanded subquery for virtual ones.
func (b *Builder) fromClause(tctx *sqltemplate.Context) (string, error) {
	ds := b.snap.Dataset
	if ds.Kind == domain.DatasetPhysical {
		return b.dialect.Qualify(ds.Catalog, ds.Schema, ds.Name), nil
	}
	expanded, err := b.template.Expand(ds.SQL, tctx)
	if err != nil {
		return "", err
	}
	expanded = strings.TrimRight(strings.TrimSpace(expanded), ";")
	return "(" + expanded + ") AS " + b.dialect.Quote(virtualAlias), nil
}

// groupColumns returns the effective group-by column references: the request
// columns, with the time column prepended for timeseries queries and the
// default grain from extras applied where the time column carries none.
func (b *Builder) groupColumns(q *domain.QueryObject) ([]domain.ColumnRef, error) {
	ds := b.snap.Dataset
	timeCol := q.TimeColumn(ds)

	cols := make([]domain.ColumnRef, 0, len(q.Columns)+1)
	if q.IsTimeseries {
		if timeCol == "" {
			return nil, domain.ErrValidation("timeseries query requires a time column")
		}
		found := false
		for i := range q.Columns {
			if q.Columns[i].Name == timeCol {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, domain.ColumnRef{Name: timeCol, TimeGrain: q.Extras.TimeGrainSQLA})
		}
	}
	cols = append(cols, q.Columns...)

	for i := range cols {
		if cols[i].Name == timeCol && cols[i].TimeGrain == "" {
			cols[i].TimeGrain = q.Extras.TimeGrainSQLA
		}
	}
	return cols, nil
}

// projections orders the select list: group-by columns, metrics, then orderby
// expressions not already projected. Name clashes between a metric and a
// column are disambiguated with __metric / __col suffixes.
func (b *Builder) projections(q *domain.QueryObject, groupCols []domain.ColumnRef, tctx *sqltemplate.Context) ([]selectItem, error) {
	var items []selectItem

	colAliases := map[string]bool{}
	for i := range groupCols {
		expr, alias, err := b.columnExpr(&groupCols[i], tctx)
		if err != nil {
			return nil, err
		}
		colAliases[alias] = true
		items = append(items, selectItem{expr: expr, alias: alias})
	}

	metricAliases := map[string]bool{}
	for i := range q.Metrics {
		m := &q.Metrics[i]
		alias := m.Label()
		if colAliases[alias] {
			alias += "__metric"
			for j := range items {
				if items[j].alias == m.Label() {
					items[j].alias += "__col"
				}
			}
		}
		metricAliases[m.Label()] = true
		items = append(items, selectItem{expr: m.CompiledSQL, alias: alias, aggregate: true})
	}

	// Named orderby columns outside the projection join the group-by set.
	for i := range q.OrderBy {
		expr := &q.OrderBy[i].Expression
		if expr.IsAdhoc() || expr.Name == "" {
			continue
		}
		if metricAliases[expr.Name] || colAliases[expr.Name] || b.snap.Dataset.Metric(expr.Name) != nil {
			continue
		}
		ref := domain.ColumnRef{Name: expr.Name}
		sql, alias, err := b.columnExpr(&ref, tctx)
		if err != nil {
			return nil, err
		}
		colAliases[alias] = true
		items = append(items, selectItem{expr: sql, alias: alias})
	}

	return items, nil
}

// columnExpr renders one column reference: adhoc SQL as-is, calculated
// columns through template expansion, plain columns quoted, with epoch
// conversion and grain bucketing applied in that order.
func (b *Builder) columnExpr(ref *domain.ColumnRef, tctx *sqltemplate.Context) (string, string, error) {
	if ref.CompiledSQL != "" {
		return ref.CompiledSQL, ref.Label(), nil
	}

	col, err := b.snap.ResolveColumn(ref.Name)
	if err != nil {
		return "", "", err
	}

	var base string
	if col.IsCalculated() {
		expanded, err := b.template.Expand(col.Expression, tctx)
		if err != nil {
			return "", "", err
		}
		base = expanded
	} else {
		base = b.dialect.Quote(col.Name)
	}

	if col.PythonDateFormat != "" {
		base, err = b.dialect.EpochToDttm(base, col.PythonDateFormat)
		if err != nil {
			return "", "", err
		}
	}

	if ref.TimeGrain != "" {
		base, _ = b.dialect.TimeGrainExpr(ref.TimeGrain, base)
	}
	return base, ref.Name, nil
}

// starJoins emits deduplicated LEFT JOINs for every dimension dataset a
// referenced column resolves into.
func (b *Builder) starJoins(q *domain.QueryObject, groupCols []domain.ColumnRef) ([]string, error) {
	ds := b.snap.Dataset
	if ds.TableType != domain.TableTypeFact || len(ds.JoinKeys) == 0 {
		return nil, nil
	}

	referenced := map[string]bool{}
	for i := range groupCols {
		if groupCols[i].Name != "" {
			referenced[groupCols[i].Name] = true
		}
	}
	for i := range q.Filters {
		referenced[q.Filters[i].Column] = true
	}

	var joins []string
	seen := map[int64]bool{}
	for _, jk := range ds.JoinKeys {
		dim, ok := b.snap.Dimensions[jk.DimensionDatasetID]
		if !ok {
			continue
		}
		needed := false
		for name := range referenced {
			if ds.Column(name) == nil && dim.Column(name) != nil {
				needed = true
				break
			}
		}
		if !needed || seen[dim.ID] {
			continue
		}
		seen[dim.ID] = true
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s ON %s.%s = %s.%s",
			b.dialect.Qualify(dim.Catalog, dim.Schema, dim.Name),
			b.dialect.Quote(ds.Name), b.dialect.Quote(jk.ForeignKey),
			b.dialect.Quote(dim.Name), b.dialect.Quote(jk.DimensionKey)))
	}
	return joins, nil
}

// whereClause ANDs, in order: the resolved time window (half-open), each
// structured filter, the extras.where snippet, and the RLS predicates.
func (b *Builder) whereClause(q *domain.QueryObject, tctx *sqltemplate.Context, res *Result) ([]string, error) {
	var where []string

	if q.FromDttm != nil || q.ToDttm != nil {
		pred, err := b.timeWindowPredicate(q.TimeColumn(b.snap.Dataset), q.FromDttm, q.ToDttm, tctx)
		if err != nil {
			return nil, err
		}
		where = append(where, pred...)
	}

	for i := range q.Filters {
		f := &q.Filters[i]
		tag := FilterTag{Column: f.Column, Operator: string(f.Operator)}
		pred, applied, err := b.filterPredicate(f, tctx)
		if err != nil {
			return nil, err
		}
		if !applied {
			res.Rejected = append(res.Rejected, tag)
			continue
		}
		res.Applied = append(res.Applied, tag)
		where = append(where, pred...)
	}

	if q.Extras.Where != "" {
		expanded, err := b.template.Expand(q.Extras.Where, tctx)
		if err != nil {
			return nil, err
		}
		where = append(where, expanded)
	}

	rls, err := b.snap.RLSPredicates(tctx.User)
	if err != nil {
		return nil, err
	}
	where = append(where, rls...)

	return where, nil
}

// timeWindowPredicate renders col >= from AND col < to against the epoch-aware
// time column expression.
func (b *Builder) timeWindowPredicate(timeCol string, from, to *time.Time, tctx *sqltemplate.Context) ([]string, error) {
	if timeCol == "" {
		return nil, domain.ErrValidation("time window requires a time column")
	}
	ref := domain.ColumnRef{Name: timeCol}
	expr, _, err := b.columnExpr(&ref, tctx)
	if err != nil {
		return nil, err
	}

	var preds []string
	if from != nil {
		preds = append(preds, expr+" >= "+b.dialect.TimestampLiteral(from.UTC().Format("2006-01-02 15:04:05")))
	}
	if to != nil {
		preds = append(preds, expr+" < "+b.dialect.TimestampLiteral(to.UTC().Format("2006-01-02 15:04:05")))
	}
	return preds, nil
}

func (b *Builder) filterPredicate(f *domain.FilterClause, tctx *sqltemplate.Context) ([]string, bool, error) {
	ref := domain.ColumnRef{Name: f.Column}
	expr, _, err := b.columnExpr(&ref, tctx)
	if err != nil {
		return nil, false, err
	}

	switch f.Operator {
	case domain.OpIsNull:
		return []string{expr + " IS NULL"}, true, nil
	case domain.OpIsNotNull:
		return []string{expr + " IS NOT NULL"}, true, nil

	case domain.OpIn, domain.OpNotIn:
		values, _ := f.Value.([]interface{})
		if len(values) == 0 {
			return nil, false, nil
		}
		pred, err := b.inListPredicate(expr, f.Operator, values)
		if err != nil {
			return nil, false, err
		}
		return []string{pred}, true, nil

	case domain.OpLike:
		lit, err := sqlLiteral(f.Value)
		if err != nil {
			return nil, false, err
		}
		return []string{expr + " LIKE " + lit}, true, nil

	case domain.OpILike:
		lit, err := sqlLiteral(f.Value)
		if err != nil {
			return nil, false, err
		}
		if b.dialect.ILikeNative {
			return []string{expr + " ILIKE " + lit}, true, nil
		}
		return []string{"LOWER(" + expr + ") LIKE LOWER(" + lit + ")"}, true, nil

	case domain.OpRegex:
		if b.dialect.RegexOp == "" {
			return nil, false, domain.ErrUnsupported(b.dialect.Name, "regex filters")
		}
		lit, err := sqlLiteral(f.Value)
		if err != nil {
			return nil, false, err
		}
		return []string{expr + " " + b.dialect.RegexOp + " " + lit}, true, nil

	case domain.OpTemporalRange:
		s, _ := f.Value.(string)
		from, to, err := queryctx.ResolveTimeRange(s, time.Now(), time.UTC)
		if err != nil {
			return nil, false, err
		}
		if from == nil && to == nil {
			return nil, false, nil
		}
		preds, err := b.timeWindowPredicate(f.Column, from, to, tctx)
		if err != nil {
			return nil, false, err
		}
		return preds, true, nil

	default:
		lit, err := sqlLiteral(f.Value)
		if err != nil {
			return nil, false, err
		}
		op := string(f.Operator)
		if f.Operator == domain.OpEqual {
			op = "="
		}
		if f.Operator == domain.OpNotEqual {
			op = "<>"
		}
		return []string{expr + " " + op + " " + lit}, true, nil
	}
}

// inListPredicate renders an IN list, chunked at the dialect's literal cap
// and OR-joined across chunks.
func (b *Builder) inListPredicate(expr string, op domain.FilterOperator, values []interface{}) (string, error) {
	lits := make([]string, len(values))
	for i, v := range values {
		lit, err := sqlLiteral(v)
		if err != nil {
			return "", err
		}
		lits[i] = lit
	}

	max := b.dialect.MaxInListLength
	if max <= 0 || len(lits) <= max {
		return expr + " " + string(op) + " (" + strings.Join(lits, ", ") + ")", nil
	}

	var chunks []string
	for start := 0; start < len(lits); start += max {
		end := start + max
		if end > len(lits) {
			end = len(lits)
		}
		chunks = append(chunks, expr+" "+string(op)+" ("+strings.Join(lits[start:end], ", ")+")")
	}
	joiner := " OR "
	if op == domain.OpNotIn {
		joiner = " AND "
	}
	return "(" + strings.Join(chunks, joiner) + ")", nil
}

// groupByClause lists every non-aggregate projected expression, ordinal-coded
// when the dialect allows it.
func (b *Builder) groupByClause(selects []selectItem) []string {
	var groupBy []string
	for i, item := range selects {
		if item.aggregate {
			continue
		}
		if b.dialect.GroupByOrdinal {
			groupBy = append(groupBy, strconv.Itoa(i+1))
		} else {
			groupBy = append(groupBy, item.expr)
		}
	}
	// A pure-metric projection needs no GROUP BY.
	if len(groupBy) == len(selects) {
		return nil
	}
	return groupBy
}

func (b *Builder) orderByClause(q *domain.QueryObject, selects []selectItem) ([]string, error) {
	if len(q.OrderBy) == 0 {
		hasGroup := false
		for _, item := range selects {
			if !item.aggregate {
				hasGroup = true
				break
			}
		}
		// Timeseries results order by the leading time bucket; engines that
		// demand deterministic ordering under OFFSET get the same synthetic key.
		if (q.IsTimeseries && hasGroup) || (q.RowOffset > 0 && b.dialect.ForceOrderByForOffset) {
			return []string{"1"}, nil
		}
		return nil, nil
	}

	var orderBy []string
	for i := range q.OrderBy {
		ob := &q.OrderBy[i]
		expr, err := b.orderExpr(&ob.Expression, selects)
		if err != nil {
			return nil, err
		}
		if !ob.Ascending {
			expr += " DESC"
		}
		orderBy = append(orderBy, expr)
	}
	return orderBy, nil
}

func (b *Builder) orderExpr(ref *domain.MetricRef, selects []selectItem) (string, error) {
	// Projected expressions order by ordinal: stable on every engine,
	// independent of alias support.
	target := ref.CompiledSQL
	for i, item := range selects {
		if (target != "" && item.expr == target) || (ref.Name != "" && item.alias == ref.Name) {
			return strconv.Itoa(i + 1), nil
		}
	}
	if target != "" {
		return target, nil
	}
	if ref.Name != "" {
		return b.dialect.Quote(ref.Name), nil
	}
	return "", domain.ErrValidation("empty ordering expression")
}

// seriesLimitPredicate builds the top-N group restriction: a membership
// predicate for the outer WHERE clause (IN against the top group keys,
// preserving full time resolution per key) plus the CTE prefix where the
// dialect supports one. Both are empty when no non-time group column exists.
func (b *Builder) seriesLimitPredicate(q *domain.QueryObject, groupCols []domain.ColumnRef, from string, joins, where []string, tctx *sqltemplate.Context) (string, string, error) {
	timeCol := q.TimeColumn(b.snap.Dataset)

	var seriesExprs, seriesAliases []string
	for i := range groupCols {
		if groupCols[i].Name == timeCol {
			continue
		}
		expr, alias, err := b.columnExpr(&groupCols[i], tctx)
		if err != nil {
			return "", "", err
		}
		seriesExprs = append(seriesExprs, expr)
		seriesAliases = append(seriesAliases, alias)
	}
	if len(seriesExprs) == 0 {
		return "", "", nil
	}

	metric := q.SeriesLimitMetric
	if metric == nil && len(q.Metrics) > 0 {
		metric = &q.Metrics[0]
	}
	if metric == nil || metric.CompiledSQL == "" {
		return "", "", domain.ErrValidation("series_limit requires a metric")
	}

	var top strings.Builder
	top.WriteString("SELECT ")
	for i, expr := range seriesExprs {
		if i > 0 {
			top.WriteString(", ")
		}
		top.WriteString(expr + " AS " + b.dialect.Quote(seriesAliases[i]))
	}
	top.WriteString(" FROM " + from)
	for _, j := range joins {
		top.WriteString(" " + j)
	}
	if len(where) > 0 {
		top.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	top.WriteString(" GROUP BY ")
	if b.dialect.GroupByOrdinal {
		ords := make([]string, len(seriesExprs))
		for i := range seriesExprs {
			ords[i] = strconv.Itoa(i + 1)
		}
		top.WriteString(strings.Join(ords, ", "))
	} else {
		top.WriteString(strings.Join(seriesExprs, ", "))
	}
	top.WriteString(" ORDER BY " + metric.CompiledSQL + " DESC")
	topSQL := b.dialect.LimitClause(top.String(), q.SeriesLimit, 0)

	lhs := seriesExprs[0]
	if len(seriesExprs) > 1 {
		lhs = "(" + strings.Join(seriesExprs, ", ") + ")"
	}
	quoted := make([]string, len(seriesAliases))
	for i, a := range seriesAliases {
		quoted[i] = b.dialect.Quote(a)
	}

	var membership, prefix string
	if b.dialect.SupportsCTEs {
		prefix = "WITH " + b.dialect.Quote("top_groups") + " AS (" + topSQL + ") "
		membership = lhs + " IN (SELECT " + strings.Join(quoted, ", ") + " FROM " + b.dialect.Quote("top_groups") + ")"
	} else {
		membership = lhs + " IN (SELECT " + strings.Join(quoted, ", ") + " FROM (" + topSQL + ") AS " + b.dialect.Quote("top_groups") + ")"
	}
	return prefix, membership, nil
}

func (b *Builder) render(selects []selectItem, from string, joins, where, groupBy, having, orderBy []string) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, item := range selects {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(item.expr + " AS " + b.dialect.Quote(item.alias))
	}
	sb.WriteString(" FROM " + from)
	for _, j := range joins {
		sb.WriteString(" " + j)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if len(groupBy) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(groupBy, ", "))
	}
	if len(having) > 0 {
		sb.WriteString(" HAVING " + strings.Join(having, " AND "))
	}
	if len(orderBy) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(orderBy, ", "))
	}
	return sb.String()
}

// sqlLiteral renders one filter value as a SQL literal.
func sqlLiteral(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case nil:
		return "NULL", nil
	default:
		return "", domain.ErrValidation("unsupported filter literal type %T", v)
	}
}
