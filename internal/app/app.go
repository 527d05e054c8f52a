// Package app provides application-level wiring and dependency injection for
// the querydeck server.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"querydeck/internal/api"
	"querydeck/internal/cache"
	"querydeck/internal/config"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/dbconn"
	"querydeck/internal/queryctx"
	"querydeck/internal/results"
	"querydeck/internal/semantic"
	"querydeck/internal/service/chartdata"
	"querydeck/internal/service/sqllab"
	"querydeck/internal/sqltemplate"
	"querydeck/internal/worker"
)

// Deps holds the external dependencies that main() must provide: config and
// the already-migrated metastore handles.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	Handler   *api.Handler
	ChartData *chartdata.Service
	SQLLab    *sqllab.Service
	Janitor   *worker.Janitor
	Registry  *dbconn.Registry
}

// New wires repositories, services, the HTTP handler and the janitor from the
// provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	// === Repositories ===
	dbRepo := repository.NewDatabaseRepo(deps.WriteDB, deps.ReadDB, encryptor)
	dsRepo := repository.NewDatasetRepo(deps.WriteDB, deps.ReadDB)
	rlsRepo := repository.NewRLSRepo(deps.WriteDB, deps.ReadDB)
	recordRepo := repository.NewQueryRecordRepo(deps.WriteDB, deps.ReadDB)
	cacheKeyRepo := repository.NewCacheKeyRepo(deps.WriteDB, deps.ReadDB)
	auditRepo := repository.NewAuditRepo(deps.WriteDB)

	// === Engine connection pools ===
	registry := dbconn.NewRegistry(deps.Logger.With("component", "dbconn"))

	// === Results blob store ===
	blobs, sweeper, err := NewResultsStore(cfg, deps.Logger)
	if err != nil {
		return nil, err
	}

	// === Services ===
	chartSvc := chartdata.NewService(
		semantic.NewLoader(dsRepo, dbRepo, rlsRepo),
		queryctx.NewValidator(cfg.MaxRowLimit, cfg.DefaultRowLimit),
		sqltemplate.New(),
		registry,
		cache.NewManager(
			cache.NewMemoryStore(cfg.CacheMaxEntries),
			deps.Logger.With("component", "cache"),
			cfg.CacheDefaultTTL,
			cfg.CacheLockWait,
		),
		cacheKeyRepo,
		auditRepo,
		deps.Logger.With("component", "chartdata"),
		cfg.QueryTimeout,
	)
	sqlLabSvc := sqllab.NewService(
		recordRepo, dbRepo, registry, blobs, auditRepo,
		deps.Logger.With("component", "sqllab"),
		cfg.QueryTimeout, cfg.SQLLabMaxRows,
	)

	janitor := worker.NewJanitor(sqlLabSvc, cacheKeyRepo, sweeper, worker.JanitorConfig{
		Schedule:        cfg.JanitorSchedule,
		StaleQueryAfter: cfg.StaleQueryAfter,
		CacheKeyTTL:     cfg.CacheKeyTTL,
		ResultsTTL:      cfg.ResultsTTL,
	}, deps.Logger.With("component", "janitor"))

	handler := api.NewHandler(chartSvc, sqlLabSvc, dbRepo, dsRepo, rlsRepo, registry,
		deps.Logger.With("component", "api"))

	return &App{
		Handler:   handler,
		ChartData: chartSvc,
		SQLLab:    sqlLabSvc,
		Janitor:   janitor,
		Registry:  registry,
	}, nil
}

// NewResultsStore selects the results blob backend from config: S3 when the
// full credential set is present, a local directory otherwise. The returned
// sweeper is nil for S3, where bucket lifecycle rules handle expiry.
func NewResultsStore(cfg *config.Config, logger *slog.Logger) (results.Store, worker.Sweeper, error) {
	if cfg.HasS3Config() {
		s3Store, err := results.NewS3Store(results.S3Config{
			Region:   *cfg.S3Region,
			KeyID:    *cfg.S3KeyID,
			Secret:   *cfg.S3Secret,
			Endpoint: stringOrEmpty(cfg.S3Endpoint),
			Bucket:   *cfg.S3Bucket,
			Prefix:   "results",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 results store: %w", err)
		}
		logger.Info("results store: s3", "bucket", *cfg.S3Bucket)
		return s3Store, nil, nil
	}

	localStore, err := results.NewLocalStore(cfg.ResultsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("local results store: %w", err)
	}
	logger.Info("results store: local", "dir", cfg.ResultsDir)
	return localStore, localStore, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
