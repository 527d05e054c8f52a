package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
)

type fakeExecutor struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	delay    time.Duration

	statuses map[int64]domain.QueryStatus
	errs     map[int64]error
}

func (f *fakeExecutor) ExecuteJob(_ context.Context, job *domain.AsyncJobRequest) (domain.QueryStatus, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err := f.errs[job.QueryID]; err != nil {
		return "", err
	}
	if status, ok := f.statuses[job.QueryID]; ok {
		return status, nil
	}
	return domain.QuerySuccess, nil
}

func job(id int64) domain.AsyncJobRequest {
	return domain.AsyncJobRequest{QueryID: id, ClientID: "c", SQL: "SELECT 1"}
}

func TestRunner_TalliesOutcomes(t *testing.T) {
	exec := &fakeExecutor{
		statuses: map[int64]domain.QueryStatus{2: domain.QueryFailed},
		errs:     map[int64]error{3: domain.ErrValidation("boom")},
	}
	r := NewRunner(exec, 2, slog.New(slog.DiscardHandler))

	summary := r.Run(context.Background(), []domain.AsyncJobRequest{job(1), job(2), job(3), job(4)})
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	r := NewRunner(exec, 2, slog.New(slog.DiscardHandler))

	jobs := make([]domain.AsyncJobRequest, 8)
	for i := range jobs {
		jobs[i] = job(int64(i + 1))
	}
	summary := r.Run(context.Background(), jobs)

	assert.Equal(t, 8, summary.Succeeded)
	assert.LessOrEqual(t, exec.maxSeen, 2)
}

func TestReadJobs_SingleObject(t *testing.T) {
	jobs, err := ReadJobs(strings.NewReader(`{"query_id": 5, "client_id": "c-5", "sql": "SELECT 1", "limit": 10}`))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(5), jobs[0].QueryID)
	assert.Equal(t, 10, jobs[0].Limit)
}

func TestReadJobs_Array(t *testing.T) {
	jobs, err := ReadJobs(strings.NewReader(`[{"query_id": 1, "client_id": "a", "sql": "SELECT 1"}, {"query_id": 2, "client_id": "b", "sql": "SELECT 2"}]`))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[1].ClientID)
}

func TestReadJobs_Malformed(t *testing.T) {
	for _, input := range []string{"", "   ", "{not json", "[{]"} {
		_, err := ReadJobs(strings.NewReader(input))
		var invalid *domain.ValidationError
		require.ErrorAs(t, err, &invalid, "input %q", input)
	}
}

func TestLoadRunnerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 8\njobs_file: jobs.json\n"), 0o600))

	cfg, err := LoadRunnerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "jobs.json", cfg.JobsFile)

	_, err = LoadRunnerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
