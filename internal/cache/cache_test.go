package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
)

func testFingerprint() Fingerprint {
	return Fingerprint{
		DatasetUID:       "1__sales",
		DatasetChangedOn: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Dialect:          "postgres",
		RLSVersion:       3,
	}
}

func TestKey_StableAcrossEquivalentRequests(t *testing.T) {
	q1 := &domain.QueryObject{
		Metrics: []domain.MetricRef{{ExpressionType: domain.AdhocSQL, SQLExpression: "sum(num)", CompiledSQL: "sum(num)"}},
		Columns: []domain.ColumnRef{{Name: "a"}, {Name: "b"}},
		Filters: []domain.FilterClause{
			{Column: "x", Operator: domain.OpEqual, Value: "1"},
			{Column: "y", Operator: domain.OpEqual, Value: "2"},
		},
		RowLimit: 100,
	}
	// Same request: different adhoc spelling (same compiled form), filters
	// and columns declared in reverse.
	q2 := &domain.QueryObject{
		Metrics: []domain.MetricRef{{ExpressionType: domain.AdhocSQL, SQLExpression: "SUM( num )", CompiledSQL: "sum(num)"}},
		Columns: []domain.ColumnRef{{Name: "b"}, {Name: "a"}},
		Filters: []domain.FilterClause{
			{Column: "y", Operator: domain.OpEqual, Value: "2"},
			{Column: "x", Operator: domain.OpEqual, Value: "1"},
		},
		RowLimit: 100,
	}

	k1, err := Key(testFingerprint(), q1)
	require.NoError(t, err)
	k2, err := Key(testFingerprint(), q2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKey_SensitiveToIdentityChanges(t *testing.T) {
	base := &domain.QueryObject{
		Metrics:  []domain.MetricRef{{Name: "total", CompiledSQL: "sum(amount)"}},
		RowLimit: 100,
	}
	k1, err := Key(testFingerprint(), base)
	require.NoError(t, err)

	fp := testFingerprint()
	fp.DatasetChangedOn = fp.DatasetChangedOn.Add(time.Second)
	k2, err := Key(fp, base)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	fp = testFingerprint()
	fp.RLSVersion = 4
	k3, err := Key(fp, base)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	fp = testFingerprint()
	fp.WrapperValues = []string{"42"}
	k4, err := Key(fp, base)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	limited := *base
	limited.RowLimit = 200
	k5, err := Key(testFingerprint(), &limited)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k5)
}

func TestKey_SensitiveToRLSPredicates(t *testing.T) {
	base := &domain.QueryObject{
		Metrics:  []domain.MetricRef{{Name: "total", CompiledSQL: "sum(amount)"}},
		RowLimit: 100,
	}

	// Same rules version, different per-user composed predicates: users in
	// different RLS groups must never share a key.
	fpA := testFingerprint()
	fpA.RLSPredicates = []string{"(tenant_id = 1)"}
	fpB := testFingerprint()
	fpB.RLSPredicates = []string{"(tenant_id = 2)"}

	kA, err := Key(fpA, base)
	require.NoError(t, err)
	kB, err := Key(fpB, base)
	require.NoError(t, err)
	assert.NotEqual(t, kA, kB)

	kNone, err := Key(testFingerprint(), base)
	require.NoError(t, err)
	assert.NotEqual(t, kA, kNone)

	kA2, err := Key(fpA, base)
	require.NoError(t, err)
	assert.Equal(t, kA, kA2)
}

func TestMemoryStore_TTLAndLRU(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Minute))

	// Touch "a" so "b" is the LRU victim.
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Set(ctx, "c", []byte("3"), time.Minute))
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestManager_SingleFlight(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(0), slog.Default(), time.Minute, 5*time.Second)

	var builds atomic.Int32
	release := make(chan struct{})
	build := func(context.Context) ([]byte, error) {
		builds.Add(1)
		<-release
		return []byte(`{"rows":1}`), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _, err := m.GetOrBuild(ctx, "fp", time.Minute, false, build)
			assert.NoError(t, err)
			results[i] = payload
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, r := range results {
		assert.Equal(t, []byte(`{"rows":1}`), r)
	}
}

func TestManager_ForceBypassesReadButWrites(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(0), slog.Default(), time.Minute, time.Second)

	var builds atomic.Int32
	build := func(context.Context) ([]byte, error) {
		builds.Add(1)
		return []byte(`"v"`), nil
	}

	_, out, err := m.GetOrBuild(ctx, "k", time.Minute, false, build)
	require.NoError(t, err)
	assert.False(t, out.Hit)

	_, out, err = m.GetOrBuild(ctx, "k", time.Minute, true, build)
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, int32(2), builds.Load())

	_, out, err = m.GetOrBuild(ctx, "k", time.Minute, false, build)
	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.Equal(t, int32(2), builds.Load())
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("backend down") }

func TestManager_DegradesOnBackendFailure(t *testing.T) {
	m := NewManager(failingStore{}, slog.Default(), time.Minute, time.Second)

	payload, out, err := m.GetOrBuild(context.Background(), "k", time.Minute, false,
		func(context.Context) ([]byte, error) { return []byte(`"ok"`), nil })
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, []byte(`"ok"`), payload)
}

func TestManager_RejectsStaleEnvelopeVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	require.NoError(t, store.Set(ctx, "k", []byte(`{"version":0,"payload":"old"}`), time.Minute))

	m := NewManager(store, slog.Default(), time.Minute, time.Second)
	payload, out, err := m.GetOrBuild(ctx, "k", time.Minute, false,
		func(context.Context) ([]byte, error) { return []byte(`"new"`), nil })
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, []byte(`"new"`), payload)
}
