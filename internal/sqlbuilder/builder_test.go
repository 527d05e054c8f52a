package sqlbuilder

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/dialect"
	"querydeck/internal/domain"
	"querydeck/internal/semantic"
	"querydeck/internal/sqltemplate"
)

func salesSnapshot() *semantic.Snapshot {
	return &semantic.Snapshot{
		Dataset: &domain.Dataset{
			ID:         1,
			DatabaseID: 1,
			Name:       "sales",
			Kind:       domain.DatasetPhysical,
			Columns: []domain.Column{
				{Name: "ts", DataType: "TIMESTAMP", IsTemporal: true, Filterable: true, Groupable: true},
				{Name: "region", DataType: "TEXT", Filterable: true, Groupable: true},
				{Name: "amount", DataType: "NUMERIC", Filterable: true},
			},
			Metrics: []domain.Metric{
				{Name: "total_amount", Expression: "SUM(amount)"},
			},
			MainDatetimeColumn: "ts",
		},
		Database:   &domain.Database{ID: 1, Name: "warehouse", Driver: "postgres"},
		Dimensions: map[int64]*domain.Dataset{},
	}
}

func sumAmount() domain.MetricRef {
	return domain.MetricRef{
		ExpressionType: domain.AdhocSimple,
		Column:         "amount",
		Aggregate:      domain.AggSum,
		CompiledSQL:    "sum(amount)",
	}
}

func window() (*time.Time, *time.Time) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	return &from, &to
}

func build(t *testing.T, d *dialect.Dialect, snap *semantic.Snapshot, q *domain.QueryObject, user *domain.UserContext) *Result {
	t.Helper()
	b := New(d, snap, sqltemplate.New())
	res, err := b.Build(q, &sqltemplate.Context{User: user})
	require.NoError(t, err)
	return res
}

func TestBuild_SimpleTimeseriesPostgres(t *testing.T) {
	from, to := window()
	q := &domain.QueryObject{
		Metrics:      []domain.MetricRef{sumAmount()},
		Columns:      []domain.ColumnRef{{Name: "ts", TimeGrain: "P1D"}},
		FromDttm:     from,
		ToDttm:       to,
		IsTimeseries: true,
		RowLimit:     1000,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	want := `SELECT DATE_TRUNC('day', "ts") AS "ts", sum(amount) AS "SUM(amount)"` +
		` FROM "sales"` +
		` WHERE "ts" >= '2024-01-01 00:00:00' AND "ts" < '2024-01-04 00:00:00'` +
		` GROUP BY 1 ORDER BY 1 LIMIT 1000`
	assert.Equal(t, want, res.SQL)
}

func TestBuild_Deterministic(t *testing.T) {
	from, to := window()
	q := &domain.QueryObject{
		Metrics: []domain.MetricRef{sumAmount()},
		Columns: []domain.ColumnRef{{Name: "region"}, {Name: "ts", TimeGrain: "P1D"}},
		Filters: []domain.FilterClause{
			{Column: "region", Operator: domain.OpIn, Value: []interface{}{"emea", "apac"}},
		},
		FromDttm:     from,
		ToDttm:       to,
		IsTimeseries: true,
		RowLimit:     500,
	}

	first := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	second := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Equal(t, first.SQL, second.SQL)
}

func TestBuild_SeriesLimitTopGroups(t *testing.T) {
	from, to := window()
	limitMetric := sumAmount()
	q := &domain.QueryObject{
		Metrics:           []domain.MetricRef{sumAmount()},
		Columns:           []domain.ColumnRef{{Name: "ts", TimeGrain: "P1D"}, {Name: "region"}},
		FromDttm:          from,
		ToDttm:            to,
		IsTimeseries:      true,
		RowLimit:          1000,
		SeriesLimit:       5,
		SeriesLimitMetric: &limitMetric,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, `WITH "top_groups" AS (SELECT "region" AS "region" FROM "sales"`)
	assert.Contains(t, res.SQL, `ORDER BY sum(amount) DESC LIMIT 5`)
	assert.Contains(t, res.SQL, `"region" IN (SELECT "region" FROM "top_groups")`)
	// Full time resolution is preserved: the outer query still buckets by day.
	assert.Contains(t, res.SQL, `DATE_TRUNC('day', "ts")`)
}

func TestBuild_SeriesLimitOnVirtualDatasetWithInnerClauses(t *testing.T) {
	from, to := window()
	limitMetric := sumAmount()

	snap := salesSnapshot()
	snap.Dataset.Kind = domain.DatasetVirtual
	// The inner WHERE and GROUP BY must not attract the membership predicate;
	// it belongs to the outer statement.
	snap.Dataset.SQL = "SELECT ts, region, SUM(raw_amount) AS amount FROM raw_sales WHERE deleted = 0 GROUP BY ts, region"

	q := &domain.QueryObject{
		Metrics:           []domain.MetricRef{sumAmount()},
		Columns:           []domain.ColumnRef{{Name: "ts", TimeGrain: "P1D"}, {Name: "region"}},
		IsTimeseries:      true,
		RowLimit:          1000,
		SeriesLimit:       5,
		SeriesLimitMetric: &limitMetric,
	}

	res := build(t, dialect.Postgres, snap, q, nil)
	assert.Contains(t, res.SQL,
		`) AS "virtual_table" WHERE "region" IN (SELECT "region" FROM "top_groups") GROUP BY 1, 2`)
	assert.NotContains(t, res.SQL, `"virtual_table" AND`)

	// With the time window present the membership predicate still ANDs onto
	// the outer WHERE, after the window bounds.
	q.FromDttm, q.ToDttm = from, to
	bounded := build(t, dialect.Postgres, snap, q, nil)
	assert.Contains(t, bounded.SQL,
		`'2024-01-04 00:00:00' AND "region" IN (SELECT "region" FROM "top_groups") GROUP BY 1, 2`)
}

func TestBuild_RLSPredicatesAppended(t *testing.T) {
	snap := salesSnapshot()
	snap.Dataset.Columns = append(snap.Dataset.Columns,
		domain.Column{Name: "tenant_id", DataType: "BIGINT", Filterable: true})
	snap.RLS = []domain.RLSFilter{
		{ID: 1, FilterType: domain.RLSRegular, Clause: "tenant_id = 1", RoleNames: []string{"A"}, DatasetIDs: []int64{1}},
		{ID: 2, FilterType: domain.RLSRegular, Clause: "tenant_id = 2", RoleNames: []string{"B"}, DatasetIDs: []int64{1}},
	}

	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		Columns:  []domain.ColumnRef{{Name: "region"}},
		RowLimit: 100,
	}
	user := &domain.UserContext{ID: 7, Username: "ana", Roles: []string{"A", "B"}}

	res := build(t, dialect.Postgres, snap, q, user)
	assert.Contains(t, res.SQL, `WHERE ((tenant_id = 1) OR (tenant_id = 2))`)

	// Without a matching user the same query carries no RLS predicate.
	bare := build(t, dialect.Postgres, snap, q, nil)
	assert.NotContains(t, bare.SQL, "tenant_id")
}

func TestBuild_MSSQLOffsetGetsSyntheticOrder(t *testing.T) {
	q := &domain.QueryObject{
		Metrics:   []domain.MetricRef{sumAmount()},
		Columns:   []domain.ColumnRef{{Name: "region"}},
		RowLimit:  10,
		RowOffset: 50,
	}

	res := build(t, dialect.MSSQL, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, "ORDER BY 1 OFFSET 50 ROWS FETCH NEXT 10 ROWS ONLY")
	assert.Contains(t, res.SQL, "[region]")
}

func TestBuild_FilterOperators(t *testing.T) {
	q := &domain.QueryObject{
		Metrics: []domain.MetricRef{sumAmount()},
		Filters: []domain.FilterClause{
			{Column: "region", Operator: domain.OpEqual, Value: "emea"},
			{Column: "amount", Operator: domain.OpGreaterOrEqual, Value: float64(100)},
			{Column: "region", Operator: domain.OpIsNotNull},
			{Column: "region", Operator: domain.OpNotIn, Value: []interface{}{"test"}},
		},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, `"region" = 'emea'`)
	assert.Contains(t, res.SQL, `"amount" >= 100`)
	assert.Contains(t, res.SQL, `"region" IS NOT NULL`)
	assert.Contains(t, res.SQL, `"region" NOT IN ('test')`)
	assert.Len(t, res.Applied, 4)
	assert.Empty(t, res.Rejected)
}

func TestBuild_EmptyInListRejected(t *testing.T) {
	q := &domain.QueryObject{
		Metrics: []domain.MetricRef{sumAmount()},
		Filters: []domain.FilterClause{
			{Column: "region", Operator: domain.OpIn, Value: []interface{}{}},
		},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.NotContains(t, res.SQL, "IN ()")
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "region", res.Rejected[0].Column)
}

func TestBuild_InListChunking(t *testing.T) {
	druid, err := dialect.Get("druid")
	require.NoError(t, err)

	values := make([]interface{}, 1001)
	for i := range values {
		values[i] = fmt.Sprintf("v%d", i)
	}
	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		Filters:  []domain.FilterClause{{Column: "region", Operator: domain.OpIn, Value: values}},
		RowLimit: 10,
	}

	res := build(t, druid, salesSnapshot(), q, nil)
	assert.Equal(t, 2, strings.Count(res.SQL, ` IN (`))
	assert.Contains(t, res.SQL, ") OR ")
}

func TestBuild_ILikeFallback(t *testing.T) {
	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		Filters:  []domain.FilterClause{{Column: "region", Operator: domain.OpILike, Value: "%EM%"}},
		RowLimit: 10,
	}

	pg := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, pg.SQL, `"region" ILIKE '%EM%'`)

	ms := build(t, dialect.MSSQL, salesSnapshot(), q, nil)
	assert.Contains(t, ms.SQL, `LOWER([region]) LIKE LOWER('%EM%')`)
}

func TestBuild_VirtualDatasetExpandsTemplate(t *testing.T) {
	snap := salesSnapshot()
	snap.Dataset.Kind = domain.DatasetVirtual
	snap.Dataset.SQL = "SELECT * FROM raw_sales WHERE owner_id = {{ current_user_id() }}"

	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		RowLimit: 10,
	}
	b := New(dialect.Postgres, snap, sqltemplate.New())
	res, err := b.Build(q, &sqltemplate.Context{User: &domain.UserContext{ID: 42}})
	require.NoError(t, err)
	assert.Contains(t, res.SQL, `FROM (SELECT * FROM raw_sales WHERE owner_id = 42) AS "virtual_table"`)
}

func TestBuild_StarSchemaJoin(t *testing.T) {
	snap := salesSnapshot()
	snap.Dataset.TableType = domain.TableTypeFact
	snap.Dataset.Columns = append(snap.Dataset.Columns,
		domain.Column{Name: "region_id", DataType: "BIGINT", IsForeignKey: true, Filterable: true})
	snap.Dataset.JoinKeys = []domain.JoinKey{
		{ForeignKey: "region_id", DimensionDatasetID: 2, DimensionKey: "id"},
	}
	snap.Dimensions[2] = &domain.Dataset{
		ID: 2, DatabaseID: 1, Name: "regions", Kind: domain.DatasetPhysical,
		TableType: domain.TableTypeDimension,
		Columns: []domain.Column{
			{Name: "id", DataType: "BIGINT", IsPrimaryKey: true},
			{Name: "region_name", DataType: "TEXT", Groupable: true, Filterable: true},
		},
	}

	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		Columns:  []domain.ColumnRef{{Name: "region_name"}},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, snap, q, nil)
	assert.Contains(t, res.SQL, `LEFT JOIN "regions" ON "sales"."region_id" = "regions"."id"`)
	assert.Contains(t, res.SQL, `"region_name" AS "region_name"`)
}

func TestBuild_MetricColumnNameClash(t *testing.T) {
	m := sumAmount()
	m.Name = "region"
	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{m},
		Columns:  []domain.ColumnRef{{Name: "region"}},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, `AS "region__col"`)
	assert.Contains(t, res.SQL, `AS "region__metric"`)
}

func TestBuild_HavingAndExtras(t *testing.T) {
	q := &domain.QueryObject{
		Metrics: []domain.MetricRef{sumAmount()},
		Columns: []domain.ColumnRef{{Name: "region"}},
		Extras: domain.QueryExtras{
			Where:  "amount > 0",
			Having: "sum(amount) > 100",
		},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, "WHERE amount > 0")
	assert.Contains(t, res.SQL, "HAVING sum(amount) > 100")
}

func TestBuild_OrderByProjectedMetricUsesOrdinal(t *testing.T) {
	q := &domain.QueryObject{
		Metrics:  []domain.MetricRef{sumAmount()},
		Columns:  []domain.ColumnRef{{Name: "region"}},
		OrderBy:  []domain.OrderBy{{Expression: sumAmount(), Ascending: false}},
		RowLimit: 10,
	}

	res := build(t, dialect.Postgres, salesSnapshot(), q, nil)
	assert.Contains(t, res.SQL, "ORDER BY 2 DESC")
}
