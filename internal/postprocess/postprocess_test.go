package postprocess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
)

func regionFrame() *Frame {
	return NewFrame(
		[]string{"region", "day", "amount"},
		[][]interface{}{
			{"emea", "mon", float64(10)},
			{"emea", "tue", float64(20)},
			{"apac", "mon", float64(5)},
			{"apac", "tue", float64(15)},
		},
	)
}

func TestApply_EmptyPipelineIsIdentity(t *testing.T) {
	f := regionFrame()
	out, err := Apply(f, nil)
	require.NoError(t, err)
	assert.Same(t, f, out)
}

func TestApply_UnknownOperation(t *testing.T) {
	_, err := Apply(regionFrame(), []domain.PostProcessingOp{{Operation: "teleport"}})
	require.Error(t, err)
}

func TestAggregation(t *testing.T) {
	out, err := Apply(regionFrame(), []domain.PostProcessingOp{{
		Operation: "aggregation",
		Options: map[string]interface{}{
			"groupby": []interface{}{"region"},
			"aggregates": map[string]interface{}{
				"total": map[string]interface{}{"column": "amount", "operator": "sum"},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "total"}, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, []interface{}{"emea", float64(30)}, out.Rows[0])
	assert.Equal(t, []interface{}{"apac", float64(20)}, out.Rows[1])
}

func TestPivot(t *testing.T) {
	out, err := Apply(regionFrame(), []domain.PostProcessingOp{{
		Operation: "pivot",
		Options: map[string]interface{}{
			"index":   []interface{}{"region"},
			"columns": []interface{}{"day"},
			"aggregates": map[string]interface{}{
				"amount": map[string]interface{}{"column": "amount", "operator": "sum"},
			},
			"margins": true,
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "mon", "tue", "All"}, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, []interface{}{"emea", float64(10), float64(20), float64(30)}, out.Rows[0])
}

func TestRolling(t *testing.T) {
	f := NewFrame([]string{"v"}, [][]interface{}{
		{float64(1)}, {float64(2)}, {float64(3)}, {float64(4)},
	})

	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "rolling",
		Options: map[string]interface{}{
			"rolling_type": "mean",
			"window":       float64(2),
			"min_periods":  float64(2),
			"columns":      []interface{}{"v"},
		},
	}})
	require.NoError(t, err)
	assert.Nil(t, out.Rows[0][0])
	assert.Equal(t, float64(1.5), out.Rows[1][0])
	assert.Equal(t, float64(3.5), out.Rows[3][0])

	cum, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "rolling",
		Options: map[string]interface{}{
			"rolling_type": "cumsum",
			"columns":      []interface{}{"v"},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(10), cum.Rows[3][0])
}

func TestResample_ZerofillGaps(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	f := NewFrame([]string{"ts", "v"}, [][]interface{}{
		{day(1), float64(5)},
		{day(3), float64(7)},
	})

	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "resample",
		Options:   map[string]interface{}{"rule": "1D", "method": "zerofill"},
	}})
	require.NoError(t, err)
	require.Len(t, out.Rows, 3)
	assert.Equal(t, []interface{}{day(2), float64(0)}, out.Rows[1])
}

func TestResample_ForwardFill(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	f := NewFrame([]string{"ts", "v"}, [][]interface{}{
		{day(1), float64(5)},
		{day(4), float64(7)},
	})

	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "resample",
		Options:   map[string]interface{}{"rule": "1D", "method": "ffill"},
	}})
	require.NoError(t, err)
	require.Len(t, out.Rows, 4)
	assert.Equal(t, float64(5), out.Rows[1][1])
	assert.Equal(t, float64(5), out.Rows[2][1])
}

func TestCompare(t *testing.T) {
	f := NewFrame([]string{"a", "b"}, [][]interface{}{
		{float64(10), float64(5)},
		{float64(9), float64(0)},
	})

	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "compare",
		Options: map[string]interface{}{
			"source_columns":  []interface{}{"a"},
			"compare_columns": []interface{}{"b"},
			"compare_type":    "ratio",
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "ratio__a__b"}, out.Columns)
	assert.Equal(t, float64(2), out.Rows[0][2])
	assert.Nil(t, out.Rows[1][2])
}

func TestSort(t *testing.T) {
	out, err := Apply(regionFrame(), []domain.PostProcessingOp{{
		Operation: "sort",
		Options: map[string]interface{}{
			"by":        []interface{}{"amount"},
			"ascending": false,
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(20), out.Rows[0][2])
	assert.Equal(t, float64(5), out.Rows[3][2])
}

func TestContribution_Column(t *testing.T) {
	f := NewFrame([]string{"region", "amount"}, [][]interface{}{
		{"emea", float64(30)},
		{"apac", float64(10)},
	})

	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "contribution",
		Options:   map[string]interface{}{"orientation": "column", "columns": []interface{}{"amount"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(0.75), out.Rows[0][1])
	assert.Equal(t, float64(0.25), out.Rows[1][1])

	// The input frame is untouched.
	assert.Equal(t, float64(30), f.Rows[0][1])
}

func TestCum(t *testing.T) {
	f := NewFrame([]string{"v"}, [][]interface{}{
		{float64(1)}, {float64(2)}, {float64(3)},
	})
	out, err := Apply(f, []domain.PostProcessingOp{{
		Operation: "cum",
		Options:   map[string]interface{}{"operator": "sum", "columns": []interface{}{"v"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(6), out.Rows[2][0])
}

func TestProphetDisabled(t *testing.T) {
	_, err := Apply(regionFrame(), []domain.PostProcessingOp{{Operation: "prophet"}})
	require.Error(t, err)
}

func TestColTypes(t *testing.T) {
	f := NewFrame([]string{"s", "n", "t", "b"}, [][]interface{}{
		{"x", float64(1), time.Now(), true},
	})
	assert.Equal(t, []int{TypeString, TypeNumeric, TypeTemporal, TypeBool}, f.ColTypes())
}
