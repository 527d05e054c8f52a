package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
)

func salesSnapshot() *Snapshot {
	return &Snapshot{
		Dataset: &domain.Dataset{
			ID:         1,
			DatabaseID: 1,
			Name:       "sales",
			Kind:       domain.DatasetPhysical,
			Columns: []domain.Column{
				{Name: "ts", DataType: "TIMESTAMP", IsTemporal: true, Filterable: true, Groupable: true},
				{Name: "region", DataType: "TEXT", Filterable: true, Groupable: true},
				{Name: "amount", DataType: "NUMERIC", Filterable: true},
				{Name: "net_amount", Expression: "amount - refund", DataType: "NUMERIC"},
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

func TestCanonicalizeExpr_StableUnderCaseAndWhitespace(t *testing.T) {
	a, err := CanonicalizeExpr("sum(num)")
	require.NoError(t, err)
	b, err := CanonicalizeExpr("SUM( num )")
	require.NoError(t, err)
	c, err := CanonicalizeExpr("Sum(\n\tnum\n)")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, b, c)
}

func TestCanonicalizeExpr_RejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"sum(num); DROP TABLE sales",
		"sum(num FROM sales",
		"a, b",
	} {
		_, err := CanonicalizeExpr(expr)
		assert.Error(t, err, "expr %q should be rejected", expr)
	}
}

func TestCanonicalizePredicate(t *testing.T) {
	got, err := CanonicalizePredicate("tenant_id   =   1")
	require.NoError(t, err)
	assert.Equal(t, "tenant_id = 1", got)

	_, err = CanonicalizePredicate("tenant_id = 1; DELETE FROM sales")
	require.Error(t, err)
}

func TestValidateAggregateExpression(t *testing.T) {
	require.NoError(t, ValidateAggregateExpression("SUM(amount)"))
	require.NoError(t, ValidateAggregateExpression("sum(amount) / count(*)"))
	require.NoError(t, ValidateAggregateExpression("COALESCE(max(amount), 0)"))

	err := ValidateAggregateExpression("amount + 1")
	require.Error(t, err)
}

func TestResolveMetric_Named(t *testing.T) {
	snap := salesSnapshot()
	ref := domain.MetricRef{Name: "total_amount"}
	require.NoError(t, snap.ResolveMetric(&ref))
	assert.Equal(t, "sum(amount)", ref.CompiledSQL)

	missing := domain.MetricRef{Name: "nope"}
	err := snap.ResolveMetric(&missing)
	var refErr *domain.SemanticRefError
	require.ErrorAs(t, err, &refErr)
}

func TestResolveMetric_SimpleAdhoc(t *testing.T) {
	snap := salesSnapshot()

	ref := domain.MetricRef{ExpressionType: domain.AdhocSimple, Column: "amount", Aggregate: domain.AggSum}
	require.NoError(t, snap.ResolveMetric(&ref))
	assert.Equal(t, "sum(amount)", ref.CompiledSQL)

	distinct := domain.MetricRef{ExpressionType: domain.AdhocSimple, Column: "region", Aggregate: domain.AggCountDistinct}
	require.NoError(t, snap.ResolveMetric(&distinct))
	assert.Equal(t, "count(DISTINCT region)", distinct.CompiledSQL)

	// Calculated columns aggregate over their expression.
	calc := domain.MetricRef{ExpressionType: domain.AdhocSimple, Column: "net_amount", Aggregate: domain.AggAvg}
	require.NoError(t, snap.ResolveMetric(&calc))
	assert.Equal(t, "avg(amount - refund)", calc.CompiledSQL)
}

func TestResolveMetric_SQLAdhoc_Canonicalized(t *testing.T) {
	snap := salesSnapshot()

	r1 := domain.MetricRef{ExpressionType: domain.AdhocSQL, SQLExpression: "sum(num)"}
	r2 := domain.MetricRef{ExpressionType: domain.AdhocSQL, SQLExpression: "SUM( num )"}
	require.NoError(t, snap.ResolveMetric(&r1))
	require.NoError(t, snap.ResolveMetric(&r2))
	assert.Equal(t, r1.CompiledSQL, r2.CompiledSQL)
}

func TestResolveColumnRef(t *testing.T) {
	snap := salesSnapshot()

	named := domain.ColumnRef{Name: "region"}
	require.NoError(t, snap.ResolveColumnRef(&named))

	adhoc := domain.ColumnRef{SQLExpression: "UPPER( region )"}
	require.NoError(t, snap.ResolveColumnRef(&adhoc))
	assert.Equal(t, "upper(region)", adhoc.CompiledSQL)

	missing := domain.ColumnRef{Name: "ghost"}
	require.Error(t, snap.ResolveColumnRef(&missing))
}

func TestRLSPredicates_RolesORThenAND(t *testing.T) {
	snap := salesSnapshot()
	snap.RLS = []domain.RLSFilter{
		{ID: 1, FilterType: domain.RLSRegular, Clause: "tenant_id = 1", RoleNames: []string{"A"}, DatasetIDs: []int64{1}},
		{ID: 2, FilterType: domain.RLSRegular, Clause: "tenant_id = 2", RoleNames: []string{"B"}, DatasetIDs: []int64{1}},
		{ID: 3, FilterType: domain.RLSBase, Clause: "deleted = false", DatasetIDs: []int64{1}},
	}

	user := &domain.UserContext{ID: 7, Username: "ana", Roles: []string{"A", "B"}}
	preds, err := snap.RLSPredicates(user)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "((tenant_id = 1) OR (tenant_id = 2))", preds[0])
	assert.Equal(t, "deleted = false", preds[1])
}

func TestRLSPredicates_SkipsUnmatchedAndOtherDatasets(t *testing.T) {
	snap := salesSnapshot()
	snap.RLS = []domain.RLSFilter{
		{ID: 1, FilterType: domain.RLSRegular, Clause: "tenant_id = 1", RoleNames: []string{"A"}, DatasetIDs: []int64{1}},
		{ID: 2, FilterType: domain.RLSRegular, Clause: "tenant_id = 9", RoleNames: []string{"C"}, DatasetIDs: []int64{1}},
		{ID: 3, FilterType: domain.RLSRegular, Clause: "other = 1", RoleNames: []string{"A"}, DatasetIDs: []int64{42}},
	}

	user := &domain.UserContext{ID: 7, Username: "ana", Roles: []string{"A"}}
	preds, err := snap.RLSPredicates(user)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "tenant_id = 1", preds[0])
}

func TestRLSPredicates_NoUserNoPredicates(t *testing.T) {
	snap := salesSnapshot()
	snap.RLS = []domain.RLSFilter{
		{ID: 1, FilterType: domain.RLSRegular, Clause: "tenant_id = 1", RoleNames: []string{"A"}, DatasetIDs: []int64{1}},
	}
	preds, err := snap.RLSPredicates(nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}
