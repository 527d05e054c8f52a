// Command worker runs scheduler-delivered query jobs to a terminal state.
//
// Exit codes: 0 when every job succeeds, 1 when any job fails, 2 on
// infrastructure failure (metastore or results store unavailable), 3 on
// configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"querydeck/internal/app"
	"querydeck/internal/config"
	internaldb "querydeck/internal/db"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/dbconn"
	"querydeck/internal/domain"
	"querydeck/internal/service/sqllab"
	"querydeck/internal/worker"
)

const (
	exitOK           = 0
	exitJobFailure   = 1
	exitInfraFailure = 2
	exitConfigError  = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfigError, err: err} }
func infraErr(err error) error  { return &exitError{code: exitInfraFailure, err: err} }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile     string
		cfgFile     string
		jobsFile    string
		concurrency int
	)

	rootCmd := &cobra.Command{
		Use:           "querydeck-worker",
		Short:         "querydeck async query job runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file loaded before the environment")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch of query jobs and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobs(cmd, envFile, cfgFile, jobsFile, concurrency)
		},
	}
	runCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a runner config YAML file")
	runCmd.Flags().StringVar(&jobsFile, "jobs", "-", "path to the JSON job batch, or - for stdin")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker pool size (0 uses the default)")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("worker exited", "error", err)
		var coded *exitError
		if errors.As(err, &coded) {
			return coded.code
		}
		// Usage and flag errors are configuration problems.
		return exitConfigError
	}
	return exitOK
}

func runJobs(cmd *cobra.Command, envFile, cfgFile, jobsFile string, concurrency int) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		slog.Warn("could not load env file", "path", envFile, "error", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return configErr(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfgFile != "" {
		runnerCfg, err := worker.LoadRunnerConfig(cfgFile)
		if err != nil {
			return configErr(err)
		}
		if !cmd.Flags().Changed("concurrency") {
			concurrency = runnerCfg.Concurrency
		}
		if !cmd.Flags().Changed("jobs") && runnerCfg.JobsFile != "" {
			jobsFile = runnerCfg.JobsFile
		}
	}

	jobs, err := readJobBatch(jobsFile)
	if err != nil {
		return configErr(err)
	}
	if len(jobs) == 0 {
		logger.Info("no jobs in batch")
		return nil
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return configErr(fmt.Errorf("encryption key: %w", err))
	}

	writeDB, readDB, err := internaldb.OpenMetastorePair(cfg.MetaDBPath, 4)
	if err != nil {
		return infraErr(fmt.Errorf("metastore: %w", err))
	}
	defer writeDB.Close()
	defer readDB.Close()
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return infraErr(fmt.Errorf("metastore migrations: %w", err))
	}

	blobs, _, err := app.NewResultsStore(cfg, logger)
	if err != nil {
		return infraErr(err)
	}

	registry := dbconn.NewRegistry(logger.With("component", "dbconn"))
	defer registry.Close()

	svc := sqllab.NewService(
		repository.NewQueryRecordRepo(writeDB, readDB),
		repository.NewDatabaseRepo(writeDB, readDB, encryptor),
		registry, blobs,
		repository.NewAuditRepo(writeDB),
		logger.With("component", "sqllab"),
		cfg.QueryTimeout, cfg.SQLLabMaxRows,
	)

	runner := worker.NewRunner(svc, concurrency, logger.With("component", "runner"))
	summary := runner.Run(context.Background(), jobs)
	logger.Info("batch done", "succeeded", summary.Succeeded, "failed", summary.Failed)

	if summary.Failed > 0 {
		return &exitError{code: exitJobFailure, err: fmt.Errorf("%d of %d jobs failed", summary.Failed, len(jobs))}
	}
	return nil
}

func readJobBatch(path string) ([]domain.AsyncJobRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // path is caller-controlled
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return worker.ReadJobs(r)
}
