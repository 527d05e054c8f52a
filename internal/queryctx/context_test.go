package queryctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
	"querydeck/internal/semantic"
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

func testValidator() *Validator {
	return NewValidator(50000, 1000).WithNow(func() time.Time { return frozenNow })
}

func testUser() *domain.UserContext {
	return &domain.UserContext{ID: 7, Username: "ana"}
}

func TestFromPayload_SimpleTimeseries(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"expressionType": "SIMPLE", "column": "amount", "aggregate": "SUM"}],
			"columns": [{"column": "ts", "time_grain": "P1D"}],
			"time_range": "2024-01-01 : 2024-01-04",
			"is_timeseries": true,
			"row_limit": 1000
		}]
	}`)

	qc, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.NoError(t, err)
	require.Len(t, qc.Queries, 1)

	q := qc.Queries[0]
	assert.Equal(t, "sum(amount)", q.Metrics[0].CompiledSQL)
	assert.Empty(t, q.TimeRange)
	require.NotNil(t, q.FromDttm)
	require.NotNil(t, q.ToDttm)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *q.FromDttm)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), *q.ToDttm)
	assert.Equal(t, 1000, q.RowLimit)
	assert.Equal(t, domain.ResultFull, q.ResultType)
	assert.Equal(t, "json", qc.ResultFormat)
}

func TestFromPayload_UnknownFieldRejected(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"metrics": [], "bogus_field": true}]
	}`)

	_, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestFromPayload_DatasourceMismatch(t *testing.T) {
	payload := []byte(`{"datasource": {"id": 99, "type": "table"}, "queries": [{}]}`)
	_, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.Error(t, err)
}

func TestFromPayload_RowLimitDefaultAndCap(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"metrics": [{"label": "total_amount"}]}]
	}`)
	qc, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1000, qc.Queries[0].RowLimit)

	over := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"metrics": [{"label": "total_amount"}], "row_limit": 99999999}]
	}`)
	_, err = testValidator().FromPayload(over, testUser(), salesSnapshot())
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "row_limit", verr.Field)
}

func TestFromPayload_ZeroRowLimitForMetadataTypes(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"result_type": "query",
		"queries": [{"metrics": [{"label": "total_amount"}], "row_limit": 0}]
	}`)
	qc, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 0, qc.Queries[0].RowLimit)
}

func TestFromPayload_UnboundedRowLimitNeedsSeriesLimit(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"metrics": [{"label": "total_amount"}], "row_limit": -1}]
	}`)
	_, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.Error(t, err)

	withSeries := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"label": "total_amount"}],
			"columns": [{"column": "region"}],
			"row_limit": -1,
			"series_limit": 5
		}]
	}`)
	qc, err := testValidator().FromPayload(withSeries, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 50000, qc.Queries[0].RowLimit)
}

func TestFromPayload_FilterValidation(t *testing.T) {
	bad := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"filters": [{"col": "region", "op": "BETWIXT", "val": 1}]}]
	}`)
	_, err := testValidator().FromPayload(bad, testUser(), salesSnapshot())
	require.Error(t, err)

	inScalar := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{"filters": [{"col": "region", "op": "IN", "val": "emea"}]}]
	}`)
	_, err = testValidator().FromPayload(inScalar, testUser(), salesSnapshot())
	require.Error(t, err)

	good := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"label": "total_amount"}],
			"filters": [
				{"col": "region", "op": "IN", "val": ["emea", "apac"]},
				{"col": "ts", "op": "TEMPORAL_RANGE", "val": "Last 7 days"},
				{"col": "amount", "op": "IS NOT NULL"}
			]
		}]
	}`)
	_, err = testValidator().FromPayload(good, testUser(), salesSnapshot())
	require.NoError(t, err)
}

func TestFromPayload_OrderByResolution(t *testing.T) {
	// Ordering by a projected adhoc metric, modulo casing, is accepted.
	good := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"expressionType": "SQL", "sqlExpression": "sum(amount)"}],
			"columns": [{"column": "region"}],
			"orderby": [{"expr": {"expressionType": "SQL", "sqlExpression": "SUM( amount )"}, "asc": false}]
		}]
	}`)
	qc, err := testValidator().FromPayload(good, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "sum(amount)", qc.Queries[0].OrderBy[0].Expression.CompiledSQL)

	unprojected := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"label": "total_amount"}],
			"orderby": [{"expr": {"expressionType": "SQL", "sqlExpression": "max(amount)"}, "asc": true}]
		}]
	}`)
	_, err = testValidator().FromPayload(unprojected, testUser(), salesSnapshot())
	require.Error(t, err)
}

func TestFromPayload_ExtrasPredicatesCanonicalized(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"label": "total_amount"}],
			"extras": {"where": "region   =   'emea'"}
		}]
	}`)
	qc, err := testValidator().FromPayload(payload, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "region = 'emea'", qc.Queries[0].Extras.Where)
}

func TestSerializeRoundTrip(t *testing.T) {
	payload := []byte(`{
		"datasource": {"id": 1, "type": "table"},
		"queries": [{
			"metrics": [{"expressionType": "SIMPLE", "column": "amount", "aggregate": "SUM"}],
			"columns": [{"column": "region"}],
			"time_range": "Last 7 days",
			"row_limit": 100
		}]
	}`)

	v := testValidator()
	first, err := v.FromPayload(payload, testUser(), salesSnapshot())
	require.NoError(t, err)

	serialized, err := Serialize(first)
	require.NoError(t, err)

	second, err := v.FromPayload(serialized, testUser(), salesSnapshot())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
