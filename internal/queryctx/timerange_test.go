package queryctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var frozenNow = time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC) // a Thursday

func TestResolveTimeRange_NoFilter(t *testing.T) {
	for _, tr := range []string{"", "No filter", "no filter"} {
		from, to, err := ResolveTimeRange(tr, frozenNow, time.UTC)
		require.NoError(t, err)
		assert.Nil(t, from)
		assert.Nil(t, to)
	}
}

func TestResolveTimeRange_LastAndNext(t *testing.T) {
	from, to, err := ResolveTimeRange("Last 7 days", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, frozenNow.AddDate(0, 0, -7), *from)
	assert.Equal(t, frozenNow, *to)

	from, to, err = ResolveTimeRange("Last 1 month", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, frozenNow.AddDate(0, -1, 0), *from)
	assert.Equal(t, frozenNow, *to)

	from, to, err = ResolveTimeRange("Next 2 hours", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, frozenNow, *from)
	assert.Equal(t, frozenNow.Add(2*time.Hour), *to)
}

func TestResolveTimeRange_TodayYesterday(t *testing.T) {
	from, to, err := ResolveTimeRange("Today", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), *to)

	from, to, err = ResolveTimeRange("Yesterday", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), *to)
}

func TestResolveTimeRange_AbsolutePair(t *testing.T) {
	from, to, err := ResolveTimeRange("2024-01-01 : 2024-01-04", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), *to)

	from, to, err = ResolveTimeRange("2024-01-01T06:00:00 : 2024-01-01 18:30:00", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 1, 1, 18, 30, 0, 0, time.UTC), *to)
}

func TestResolveTimeRange_OpenBounds(t *testing.T) {
	from, to, err := ResolveTimeRange("2024-01-01 : ", frozenNow, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.Nil(t, to)

	from, to, err = ResolveTimeRange(" : 2024-01-04", frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, from)
	require.NotNil(t, to)
}

func TestResolveTimeRange_DateExpressions(t *testing.T) {
	from, to, err := ResolveTimeRange(`DATETRUNC(DATETIME("now"), week) : DATETIME("now")`, frozenNow, time.UTC)
	require.NoError(t, err)
	// 2024-03-14 is a Thursday; the week starts Monday 2024-03-11.
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, frozenNow, *to)

	from, _, err = ResolveTimeRange(`DATEADD(DATETIME("today"), -30, day) : DATETIME("today")`, frozenNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 13, 0, 0, 0, 0, time.UTC), *from)
}

func TestResolveTimeRange_DatasetTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// Midnight Tokyo is 15:00 UTC the previous day.
	from, _, err := ResolveTimeRange("2024-01-02 : 2024-01-03", frozenNow, tokyo)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), *from)
}

func TestResolveTimeRange_Invalid(t *testing.T) {
	for _, tr := range []string{
		"Last banana days",
		"2024-13-01 : 2024-01-04",
		"2024-01-04 : 2024-01-01",
		"gibberish",
		"DATETRUNC(DATETIME(\"now\"), fortnight) : ",
	} {
		_, _, err := ResolveTimeRange(tr, frozenNow, time.UTC)
		assert.Error(t, err, "time range %q should be rejected", tr)
	}
}
