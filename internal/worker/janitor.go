// Package worker runs background housekeeping for the query core.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"querydeck/internal/domain"
	"querydeck/internal/service/sqllab"
)

// Sweeper removes expired results blobs. The local store implements it; the
// S3 store relies on bucket lifecycle rules instead.
type Sweeper interface {
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// JanitorConfig controls what each housekeeping run reaps.
type JanitorConfig struct {
	Schedule        string        // cron expression
	StaleQueryAfter time.Duration // non-terminal query records older than this time out
	CacheKeyTTL     time.Duration // cache key bookkeeping retention
	ResultsTTL      time.Duration // results blob retention
}

// Janitor periodically times out orphaned queries, prunes cache key
// bookkeeping and sweeps expired results blobs.
type Janitor struct {
	cron      *cron.Cron
	sqlLab    *sqllab.Service
	cacheKeys domain.CacheKeyRepository
	sweeper   Sweeper // nil when blob expiry is handled externally
	cfg       JanitorConfig
	logger    *slog.Logger
}

// NewJanitor creates a Janitor. sweeper may be nil.
func NewJanitor(sqlLab *sqllab.Service, cacheKeys domain.CacheKeyRepository,
	sweeper Sweeper, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		sqlLab:    sqlLab,
		cacheKeys: cacheKeys,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start registers the housekeeping job and starts the cron scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", j.cfg.Schedule)
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs a single housekeeping pass. Each reaper runs even when an
// earlier one fails.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	reaped, err := j.sqlLab.TimeoutStale(ctx, now.Add(-j.cfg.StaleQueryAfter))
	if err != nil {
		j.logger.Error("janitor: timing out stale queries failed", "error", err)
	} else if reaped > 0 {
		j.logger.Info("janitor: timed out stale queries", "count", reaped)
	}

	pruned, err := j.cacheKeys.DeleteOlderThan(ctx, now.Add(-j.cfg.CacheKeyTTL))
	if err != nil {
		j.logger.Error("janitor: pruning cache keys failed", "error", err)
	} else if pruned > 0 {
		j.logger.Info("janitor: pruned cache keys", "count", pruned)
	}

	if j.sweeper != nil {
		swept, err := j.sweeper.Sweep(ctx, j.cfg.ResultsTTL)
		if err != nil {
			j.logger.Error("janitor: sweeping results blobs failed", "error", err)
		} else if swept > 0 {
			j.logger.Info("janitor: swept results blobs", "count", swept)
		}
	}
}
