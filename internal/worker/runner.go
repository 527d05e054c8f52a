package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"querydeck/internal/domain"
)

const defaultRunnerConcurrency = 4

// JobExecutor runs one scheduler-delivered job to a terminal state.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job *domain.AsyncJobRequest) (domain.QueryStatus, error)
}

// RunnerConfig configures the CLI job runner.
type RunnerConfig struct {
	Concurrency int    `yaml:"concurrency,omitempty"`
	JobsFile    string `yaml:"jobs_file,omitempty"`
}

// LoadRunnerConfig reads a runner config YAML file.
func LoadRunnerConfig(path string) (*RunnerConfig, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg RunnerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ReadJobs parses a job batch: either a single JSON job object or a JSON
// array of them.
func ReadJobs(r io.Reader) ([]domain.AsyncJobRequest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, domain.ErrValidation("empty job input")
	}

	if raw[0] == '[' {
		var jobs []domain.AsyncJobRequest
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return nil, domain.ErrValidation("malformed job array: %v", err)
		}
		return jobs, nil
	}
	var job domain.AsyncJobRequest
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, domain.ErrValidation("malformed job message: %v", err)
	}
	return []domain.AsyncJobRequest{job}, nil
}

// RunSummary tallies one runner batch.
type RunSummary struct {
	Succeeded int
	Failed    int
}

// Runner drains a job batch through a bounded worker pool. Each job owns its
// Query record until a terminal state; jobs never share mutable state.
type Runner struct {
	exec        JobExecutor
	concurrency int
	logger      *slog.Logger
}

// NewRunner creates a Runner. A non-positive concurrency falls back to the
// default pool size.
func NewRunner(exec JobExecutor, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = defaultRunnerConcurrency
	}
	return &Runner{exec: exec, concurrency: concurrency, logger: logger}
}

// Run executes every job in the batch and reports the tally. One failing job
// does not stop the rest of the batch.
func (r *Runner) Run(ctx context.Context, jobs []domain.AsyncJobRequest) RunSummary {
	var mu sync.Mutex
	var summary RunSummary

	g := &errgroup.Group{}
	g.SetLimit(r.concurrency)

	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			status, err := r.exec.ExecuteJob(ctx, job)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				r.logger.Error("job failed", "query_id", job.QueryID, "client_id", job.ClientID, "error", err)
			case status != domain.QuerySuccess:
				summary.Failed++
				r.logger.Warn("job went terminal without success", "query_id", job.QueryID, "client_id", job.ClientID, "status", status)
			default:
				summary.Succeeded++
				r.logger.Info("job succeeded", "query_id", job.QueryID, "client_id", job.ClientID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary
}
