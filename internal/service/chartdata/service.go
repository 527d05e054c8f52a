// Package chartdata implements the synchronous chart-data pipeline: payload
// validation, SQL compilation, cached execution, and post-processing.
package chartdata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"querydeck/internal/cache"
	"querydeck/internal/dbconn"
	"querydeck/internal/dialect"
	"querydeck/internal/domain"
	"querydeck/internal/postprocess"
	"querydeck/internal/queryctx"
	"querydeck/internal/semantic"
	"querydeck/internal/sqlbuilder"
	"querydeck/internal/sqltemplate"
)

// QueryResult is the per-QueryObject slice of the response payload. The same
// shape (minus cache bookkeeping) is what gets cached.
type QueryResult struct {
	Data            []map[string]interface{} `json:"data"`
	Colnames        []string                 `json:"colnames"`
	Coltypes        []int                    `json:"coltypes"`
	Rowcount        int                      `json:"rowcount"`
	Query           string                   `json:"query"`
	CacheKey        string                   `json:"cache_key,omitempty"`
	AppliedFilters  []sqlbuilder.FilterTag   `json:"applied_filters"`
	RejectedFilters []sqlbuilder.FilterTag   `json:"rejected_filters"`
	FromDttm        *time.Time               `json:"from_dttm,omitempty"`
	ToDttm          *time.Time               `json:"to_dttm,omitempty"`
	IsCached        bool                     `json:"is_cached"`
	Truncated       bool                     `json:"truncated"`
}

// Response is the chart-data payload: one QueryResult per QueryObject, in
// request order.
type Response struct {
	Result []QueryResult `json:"result"`
}

// Service runs chart-data requests end to end.
type Service struct {
	loader       *semantic.Loader
	validator    *queryctx.Validator
	template     *sqltemplate.Engine
	pools        *dbconn.Registry
	cache        *cache.Manager
	cacheKeys    domain.CacheKeyRepository
	audit        domain.AuditRepository
	logger       *slog.Logger
	queryTimeout time.Duration
}

// NewService creates a chart-data Service. queryTimeout is the fallback soft
// limit for databases without a per-database override.
func NewService(loader *semantic.Loader, validator *queryctx.Validator, template *sqltemplate.Engine,
	pools *dbconn.Registry, cacheMgr *cache.Manager, cacheKeys domain.CacheKeyRepository,
	audit domain.AuditRepository, logger *slog.Logger, queryTimeout time.Duration) *Service {
	return &Service{
		loader:       loader,
		validator:    validator,
		template:     template,
		pools:        pools,
		cache:        cacheMgr,
		cacheKeys:    cacheKeys,
		audit:        audit,
		logger:       logger,
		queryTimeout: queryTimeout,
	}
}

// Process validates the payload against a fresh snapshot and runs each
// QueryObject in order. The response list is aligned with the request's
// queries list.
func (s *Service) Process(ctx context.Context, payload []byte, user *domain.UserContext) (*Response, error) {
	datasetID, err := queryctx.DatasetID(payload)
	if err != nil {
		return nil, err
	}
	snap, err := s.loader.Load(ctx, datasetID)
	if err != nil {
		return nil, s.scrub(err)
	}
	qc, err := s.validator.FromPayload(payload, user, snap)
	if err != nil {
		return nil, err
	}
	d, err := dialect.Get(snap.Database.Driver)
	if err != nil {
		return nil, err
	}

	resp := &Response{Result: make([]QueryResult, 0, len(qc.Queries))}
	for i := range qc.Queries {
		qr, err := s.runQuery(ctx, snap, d, qc, &qc.Queries[i])
		if err != nil {
			return nil, s.scrub(err)
		}
		resp.Result = append(resp.Result, *qr)
	}
	return resp, nil
}

// InvalidateDatasource drops every cache entry issued for the datasource and
// forgets its key registrations. Returns how many keys were purged.
func (s *Service) InvalidateDatasource(ctx context.Context, datasourceUID string) (int, error) {
	keys, err := s.cacheKeys.DeleteForDatasource(ctx, datasourceUID)
	if err != nil {
		return 0, s.scrub(err)
	}
	for _, key := range keys {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.logger.Warn("cache invalidation failed", "key", key, "error", err)
		}
	}
	return len(keys), nil
}

func (s *Service) runQuery(ctx context.Context, snap *semantic.Snapshot, d *dialect.Dialect, qc *domain.QueryContext, q *domain.QueryObject) (*QueryResult, error) {
	start := time.Now()

	tctx := s.templateContext(qc, q, snap)
	built, err := sqlbuilder.New(d, snap, s.template).Build(q, tctx)
	if err != nil {
		s.logAudit(ctx, qc, snap, "", "FAILED", start, 0, err)
		return nil, err
	}

	// Metadata-only result types never touch the engine or the cache.
	if q.ResultType == domain.ResultQuery {
		return &QueryResult{
			Query:           built.SQL,
			AppliedFilters:  built.Applied,
			RejectedFilters: built.Rejected,
			FromDttm:        q.FromDttm,
			ToDttm:          q.ToDttm,
		}, nil
	}
	if q.ResultType == domain.ResultSchemas {
		return s.schemaResult(snap, q, built), nil
	}

	// The key binds the user's composed RLS predicates, not just the rules
	// version: two users under different filters build different SQL and must
	// never share a cache entry.
	rlsPreds, err := snap.RLSPredicates(tctx.User)
	if err != nil {
		return nil, err
	}
	fp := cache.Fingerprint{
		DatasetUID:       snap.Dataset.UID(),
		DatasetChangedOn: snap.Dataset.ChangedOn,
		Dialect:          d.Name,
		RLSVersion:       snap.RLSVersion,
		RLSPredicates:    rlsPreds,
		WrapperValues:    tctx.CacheKeyValues(),
	}
	key, err := cache.Key(fp, q)
	if err != nil {
		return nil, err
	}

	blob, outcome, err := s.cache.GetOrBuild(ctx, key, s.cacheTTL(qc, q, snap), qc.Force, func(buildCtx context.Context) ([]byte, error) {
		qr, err := s.execute(buildCtx, snap, d, qc, q, built)
		if err != nil {
			return nil, err
		}
		return json.Marshal(qr)
	})
	if err != nil {
		s.logAudit(ctx, qc, snap, built.SQL, "FAILED", start, 0, err)
		return nil, err
	}

	var qr QueryResult
	if err := json.Unmarshal(blob, &qr); err != nil {
		return nil, err
	}
	qr.CacheKey = key
	qr.IsCached = outcome.Hit

	if !outcome.Hit {
		if err := s.cacheKeys.Insert(ctx, key, snap.Dataset.UID()); err != nil {
			s.logger.Warn("cache key registration failed", "key", key, "error", err)
		}
	}
	s.logAudit(ctx, qc, snap, built.SQL, "SUCCESS", start, qr.Rowcount, nil)
	return &qr, nil
}

// execute runs the statement and assembles the cacheable result. The engine
// sees the row cap plus one probe row, so truncation is reported honestly
// instead of guessed from a full page.
func (s *Service) execute(ctx context.Context, snap *semantic.Snapshot, d *dialect.Dialect, qc *domain.QueryContext, q *domain.QueryObject, built *sqlbuilder.Result) (*QueryResult, error) {
	execSQL := built.SQL
	probe := 0
	if q.RowLimit > 0 {
		execQ := *q
		execQ.RowLimit = q.RowLimit + 1
		res, err := sqlbuilder.New(d, snap, s.template).Build(&execQ, s.templateContext(qc, q, snap))
		if err != nil {
			return nil, err
		}
		execSQL = res.SQL
		probe = execQ.RowLimit
	}

	pool, err := s.pools.Pool(snap.Database)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, snap.Database.QueryTimeout(s.queryTimeout))
	defer cancel()

	rows, err := pool.QueryContext(runCtx, execSQL)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		return nil, domain.NewDriverError(err)
	}
	defer rows.Close()

	cols, _, data, err := dbconn.Collect(runCtx, rows, probe)
	if err != nil {
		return nil, err
	}

	truncated := false
	if probe > 0 && len(data) > q.RowLimit {
		truncated = true
		data = data[:q.RowLimit]
	}

	frame, err := postprocess.Apply(postprocess.NewFrame(cols, data), q.PostProcessing)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Data:            frameRecords(frame),
		Colnames:        frame.Columns,
		Coltypes:        frame.ColTypes(),
		Rowcount:        len(frame.Rows),
		Query:           built.SQL,
		AppliedFilters:  built.Applied,
		RejectedFilters: built.Rejected,
		FromDttm:        q.FromDttm,
		ToDttm:          q.ToDttm,
		Truncated:       truncated,
	}, nil
}

// schemaResult describes the query's output shape from dataset metadata.
// The select list order matches the builder's: the time bucket for timeseries
// queries, then the requested columns, then the metrics.
func (s *Service) schemaResult(snap *semantic.Snapshot, q *domain.QueryObject, built *sqlbuilder.Result) *QueryResult {
	names := make([]string, 0, len(q.Columns)+len(q.Metrics)+1)
	types := make([]int, 0, len(q.Columns)+len(q.Metrics)+1)

	timeCol := q.TimeColumn(snap.Dataset)
	if q.IsTimeseries && timeCol != "" {
		projected := false
		for i := range q.Columns {
			if q.Columns[i].Name == timeCol {
				projected = true
				break
			}
		}
		if !projected {
			names = append(names, timeCol)
			types = append(types, postprocess.TypeTemporal)
		}
	}
	for i := range q.Columns {
		c := &q.Columns[i]
		names = append(names, c.Label())
		types = append(types, columnTypeCode(snap.Dataset.Column(c.Name), c.TimeGrain != ""))
	}
	for i := range q.Metrics {
		names = append(names, q.Metrics[i].Label())
		types = append(types, postprocess.TypeNumeric)
	}

	return &QueryResult{
		Data:            []map[string]interface{}{},
		Colnames:        names,
		Coltypes:        types,
		Query:           built.SQL,
		AppliedFilters:  built.Applied,
		RejectedFilters: built.Rejected,
		FromDttm:        q.FromDttm,
		ToDttm:          q.ToDttm,
	}
}

// columnTypeCode maps a declared column to a payload type code. Adhoc SQL
// columns have no declaration and report unknown.
func columnTypeCode(col *domain.Column, timeBucketed bool) int {
	if timeBucketed {
		return postprocess.TypeTemporal
	}
	if col == nil {
		return postprocess.TypeUnknown
	}
	if col.IsTemporal {
		return postprocess.TypeTemporal
	}
	dt := strings.ToUpper(col.DataType)
	switch {
	case strings.Contains(dt, "INT"), strings.Contains(dt, "NUMERIC"),
		strings.Contains(dt, "DECIMAL"), strings.Contains(dt, "REAL"),
		strings.Contains(dt, "FLOAT"), strings.Contains(dt, "DOUBLE"):
		return postprocess.TypeNumeric
	case strings.Contains(dt, "BOOL"):
		return postprocess.TypeBool
	case dt == "":
		return postprocess.TypeUnknown
	default:
		return postprocess.TypeString
	}
}

// templateContext builds the closed expansion environment for one query.
func (s *Service) templateContext(qc *domain.QueryContext, q *domain.QueryObject, snap *semantic.Snapshot) *sqltemplate.Context {
	filterValues := map[string][]interface{}{}
	for _, f := range q.Filters {
		switch v := f.Value.(type) {
		case []interface{}:
			filterValues[f.Column] = append(filterValues[f.Column], v...)
		case nil:
		default:
			filterValues[f.Column] = append(filterValues[f.Column], v)
		}
	}
	return &sqltemplate.Context{
		User:           qc.User,
		FromDttm:       q.FromDttm,
		ToDttm:         q.ToDttm,
		FilterValues:   filterValues,
		URLParams:      q.URLParams,
		TemplateParams: snap.Dataset.TemplateParams,
	}
}

// cacheTTL resolves the timeout cascade: per-query override, then request
// override, then the dataset's, then the manager default (zero).
func (s *Service) cacheTTL(qc *domain.QueryContext, q *domain.QueryObject, snap *semantic.Snapshot) time.Duration {
	if q.CacheTimeoutSec != nil {
		return time.Duration(*q.CacheTimeoutSec) * time.Second
	}
	if qc.CacheTimeout != nil {
		return time.Duration(*qc.CacheTimeout) * time.Second
	}
	if snap.Dataset.CacheTimeoutSec > 0 {
		return time.Duration(snap.Dataset.CacheTimeoutSec) * time.Second
	}
	return 0
}

func (s *Service) logAudit(ctx context.Context, qc *domain.QueryContext, snap *semantic.Snapshot, sqlText, status string, start time.Time, rowCount int, cause error) {
	if s.audit == nil {
		return
	}
	entry := &domain.AuditEntry{
		Action:     "chart_data",
		SQL:        sqlText,
		DatasetUID: snap.Dataset.UID(),
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
		RowCount:   int64(rowCount),
	}
	if qc.User != nil {
		entry.UserID = qc.User.ID
	}
	if cause != nil {
		entry.Error = domain.ScrubErrorMessage(cause.Error())
	}
	if err := s.audit.Insert(ctx, entry); err != nil {
		s.logger.Warn("audit insert failed", "error", err)
	}
}

// scrub keeps typed domain errors intact and replaces everything else with a
// correlated internal error, logging the full cause.
func (s *Service) scrub(err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound    *domain.NotFoundError
		invalid     *domain.ValidationError
		semRef      *domain.SemanticRefError
		tmpl        *domain.TemplateError
		unsupported *domain.UnsupportedFeatureError
		driver      *domain.DriverError
		conflict    *domain.ConflictError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &invalid), errors.As(err, &semRef),
		errors.As(err, &tmpl), errors.As(err, &unsupported), errors.As(err, &driver),
		errors.As(err, &conflict),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	correlationID := uuid.NewString()
	s.logger.Error("chart data request failed", "correlation_id", correlationID, "error", err)
	return domain.ErrInternal(correlationID, "%v", err)
}

// frameRecords renders the frame as one map per row, the shape chart clients
// consume directly.
func frameRecords(f *postprocess.Frame) []map[string]interface{} {
	records := make([]map[string]interface{}, len(f.Rows))
	for i, row := range f.Rows {
		rec := make(map[string]interface{}, len(f.Columns))
		for j, col := range f.Columns {
			if j < len(row) {
				rec[col] = row[j]
			}
		}
		records[i] = rec
	}
	return records
}
