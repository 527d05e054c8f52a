// Package sqllab implements asynchronous ad-hoc SQL execution: durable query
// records, background workers, stop requests, and result blob storage.
package sqllab

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"querydeck/internal/dbconn"
	"querydeck/internal/dialect"
	"querydeck/internal/domain"
	"querydeck/internal/results"
	"querydeck/internal/sqltemplate"
)

const (
	stopPollInterval    = 500 * time.Millisecond
	serverCancelTimeout = 5 * time.Second
)

// queryExecer abstracts over a pool and a pinned connection.
type queryExecer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// SubmitRequest is one ad-hoc execution request.
type SubmitRequest struct {
	DatabaseID int64  `json:"database_id"`
	Catalog    string `json:"catalog,omitempty"`
	Schema     string `json:"schema,omitempty"`
	SQL        string `json:"sql"`
	ClientID   string `json:"client_id,omitempty"`
	Limit      int    `json:"queryLimit,omitempty"`
}

// Service owns the async query lifecycle. Submission is idempotent on
// client_id; execution runs in a background goroutine per query.
type Service struct {
	records   domain.QueryRecordRepository
	databases domain.DatabaseRepository
	pools     *dbconn.Registry
	blobs     results.Store
	audit     domain.AuditRepository
	templates *sqltemplate.Engine
	logger    *slog.Logger

	queryTimeout time.Duration
	maxRows      int

	cancels       sync.Map // query id -> context.CancelFunc
	serverCancels sync.Map // query id -> func(), best-effort server-side kill
}

// NewService creates a sqllab Service. maxRows caps how many rows a worker
// fetches into the results blob.
func NewService(records domain.QueryRecordRepository, databases domain.DatabaseRepository,
	pools *dbconn.Registry, blobs results.Store, audit domain.AuditRepository,
	logger *slog.Logger, queryTimeout time.Duration, maxRows int) *Service {
	return &Service{
		records:      records,
		databases:    databases,
		pools:        pools,
		blobs:        blobs,
		audit:        audit,
		templates:    sqltemplate.New(),
		logger:       logger,
		queryTimeout: queryTimeout,
		maxRows:      maxRows,
	}
}

// Submit records the query and starts background execution. Re-submitting an
// already known client_id returns the existing record without a second run.
func (s *Service) Submit(ctx context.Context, user *domain.UserContext, req *SubmitRequest) (*domain.QueryRecord, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, domain.ErrValidation("sql is required")
	}
	if req.DatabaseID == 0 {
		return nil, domain.ErrValidation("database_id is required")
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	existing, err := s.records.GetByClientID(ctx, user.ID, clientID)
	if err == nil {
		return existing, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	db, err := s.databases.GetByID(ctx, req.DatabaseID)
	if err != nil {
		return nil, err
	}
	if _, err := dialect.Get(db.Driver); err != nil {
		return nil, err
	}

	rec, err := s.records.Create(ctx, &domain.QueryRecord{
		ClientID:   clientID,
		UserID:     user.ID,
		Username:   user.Username,
		UserRoles:  user.Roles,
		DatabaseID: req.DatabaseID,
		Catalog:    req.Catalog,
		Schema:     req.Schema,
		SQL:        req.SQL,
		Status:     domain.QueryScheduled,
		ResultsKey: results.Key(clientID),
	})
	if err != nil {
		return nil, err
	}

	go s.run(rec.ID, req.Limit)
	return rec, nil
}

// Status returns the record for the user's client id.
func (s *Service) Status(ctx context.Context, user *domain.UserContext, clientID string) (*domain.QueryRecord, error) {
	return s.records.GetByClientID(ctx, user.ID, clientID)
}

// Results streams back the stored result set once the query has succeeded.
func (s *Service) Results(ctx context.Context, user *domain.UserContext, clientID string) (*results.ResultSet, error) {
	rec, err := s.records.GetByClientID(ctx, user.ID, clientID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.QuerySuccess {
		return nil, domain.ErrValidation("query %s is %s, results are only available after SUCCESS", clientID, rec.Status)
	}
	return results.Read(ctx, s.blobs, clientID)
}

// Stop flags the record and cancels the in-process worker if this instance
// owns it. Stopping an already terminal query is a no-op.
func (s *Service) Stop(ctx context.Context, user *domain.UserContext, clientID string) error {
	rec, err := s.records.GetByClientID(ctx, user.ID, clientID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if err := s.records.RequestStop(ctx, rec.ID); err != nil {
		return err
	}
	s.cancelLocal(rec.ID)
	return nil
}

// cancelLocal cancels the in-process worker for the query, if this instance
// owns it, and fires the captured server-side cancel. Dialects without cancel
// support rely on context cancellation alone.
func (s *Service) cancelLocal(queryID int64) {
	if cancelRaw, ok := s.cancels.Load(queryID); ok {
		cancelRaw.(context.CancelFunc)()
	}
	if killRaw, ok := s.serverCancels.Load(queryID); ok {
		go killRaw.(func())()
	}
}

// TimeoutStale moves non-terminal records not updated since the cutoff to
// TIMED_OUT. Called by the janitor to reap orphaned work after worker crashes.
func (s *Service) TimeoutStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.records.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for i := range stale {
		rec := &stale[i]
		_, err := s.records.Transition(ctx, rec.ID, rec.StateVersion, domain.QueryTimedOut, func(q *domain.QueryRecord) {
			now := time.Now().UTC()
			q.EndTime = &now
			q.ErrorMessage = "query timed out waiting for a worker"
		})
		if err != nil {
			// A live worker moved it first; leave it alone.
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// ExecuteJob runs one scheduler-delivered job synchronously and reports the
// terminal state the record reached. The record must already exist; a job for
// a record this process does not know is how the CLI runner picks up work
// submitted elsewhere.
func (s *Service) ExecuteJob(ctx context.Context, job *domain.AsyncJobRequest) (domain.QueryStatus, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	rec, err := s.records.GetByID(ctx, job.QueryID)
	if err != nil {
		return "", err
	}
	if rec.ClientID != job.ClientID {
		return "", domain.ErrValidation("job client_id %q does not match query %d", job.ClientID, job.QueryID)
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}

	s.run(rec.ID, job.Limit)

	rec, err = s.records.GetByID(ctx, job.QueryID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// run executes one query in the background, walking the record through
// RUNNING, FETCHING and a terminal state.
func (s *Service) run(queryID int64, limit int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels.Store(queryID, cancel)
	defer s.cancels.Delete(queryID)
	defer cancel()

	rec, err := s.records.GetByID(ctx, queryID)
	if err != nil {
		s.logger.Error("async query lookup failed", "query_id", queryID, "error", err)
		return
	}

	db, err := s.databases.GetByID(ctx, rec.DatabaseID)
	if err != nil {
		s.fail(rec, domain.QueryFailed, err)
		return
	}
	d, err := dialect.Get(db.Driver)
	if err != nil {
		s.fail(rec, domain.QueryFailed, err)
		return
	}

	// The template context is rebuilt from the record's identity snapshot so
	// jobs picked up on another instance expand under the submitting user.
	executedSQL, err := s.templates.Expand(rec.SQL, &sqltemplate.Context{
		User: &domain.UserContext{ID: rec.UserID, Username: rec.Username, Roles: rec.UserRoles},
	})
	if err != nil {
		s.fail(rec, domain.QueryFailed, err)
		return
	}
	if limit > 0 {
		executedSQL = d.LimitClause(executedSQL, limit, 0)
	}

	started := time.Now().UTC()
	rec, err = s.records.Transition(ctx, rec.ID, rec.StateVersion, domain.QueryRunning, func(q *domain.QueryRecord) {
		q.StartTime = &started
		q.ExecutedSQL = executedSQL
		q.Progress = 10
	})
	if err != nil {
		s.logger.Warn("async query already moved on", "query_id", queryID, "error", err)
		return
	}

	runCtx, timeoutCancel := context.WithTimeout(ctx, db.QueryTimeout(s.queryTimeout))
	defer timeoutCancel()

	pollDone := make(chan struct{})
	defer close(pollDone)
	go s.pollStop(rec.ID, pollDone)

	pool, err := s.pools.Pool(db)
	if err != nil {
		s.fail(rec, domain.QueryFailed, err)
		return
	}

	// Where the engine exposes server-side cancel, pin a connection, capture
	// its session id and register a kill hook for the stop path. Failure to
	// capture falls back to context cancellation.
	var execer queryExecer = pool
	if d.SupportsCancel() {
		if conn, connErr := pool.Conn(runCtx); connErr == nil {
			defer conn.Close()
			var sessionID string
			if scanErr := conn.QueryRowContext(runCtx, d.SessionIDQuery()).Scan(&sessionID); scanErr == nil {
				s.serverCancels.Store(rec.ID, func() {
					killCtx, killCancel := context.WithTimeout(context.Background(), serverCancelTimeout)
					defer killCancel()
					if killErr := d.CancelQuery(killCtx, pool, sessionID); killErr != nil {
						s.logger.Warn("server-side cancel failed", "query_id", rec.ID, "error", killErr)
					}
				})
				defer s.serverCancels.Delete(rec.ID)
			}
			execer = conn
		}
	}

	rows, err := execer.QueryContext(runCtx, executedSQL)
	if err != nil {
		s.finishError(ctx, rec, runCtx, err)
		return
	}
	defer rows.Close()

	rec, err = s.records.Transition(ctx, rec.ID, rec.StateVersion, domain.QueryFetching, func(q *domain.QueryRecord) {
		q.Progress = 60
	})
	if err != nil {
		s.logger.Warn("async query already moved on", "query_id", queryID, "error", err)
		return
	}

	maxRows := s.maxRows
	if limit > 0 && limit < maxRows {
		maxRows = limit
	}
	cols, typeNames, data, err := dbconn.Collect(runCtx, rows, maxRows)
	if err != nil {
		s.finishError(ctx, rec, runCtx, err)
		return
	}

	columns := make([]results.ColumnMeta, len(cols))
	for i, name := range cols {
		columns[i] = results.ColumnMeta{Name: name, Type: typeNames[i]}
	}
	rs := &results.ResultSet{
		Columns:         columns,
		Data:            data,
		SelectedColumns: columns,
		Query:           executedSQL,
		Status:          "success",
	}
	if err := results.Write(ctx, s.blobs, rec.ClientID, rs); err != nil {
		s.finishError(ctx, rec, runCtx, err)
		return
	}

	ended := time.Now().UTC()
	_, err = s.records.Transition(ctx, rec.ID, rec.StateVersion, domain.QuerySuccess, func(q *domain.QueryRecord) {
		q.EndTime = &ended
		q.Rows = len(data)
		q.Progress = 100
	})
	if err != nil {
		// The record went terminal elsewhere (stopped, timed out); the blob is
		// unreachable through it, so clean up.
		_ = results.Remove(context.Background(), s.blobs, rec.ClientID)
		s.logger.Warn("async query finished after terminal transition", "query_id", queryID, "error", err)
		return
	}
	s.logAudit(rec, "SUCCESS", started, len(data), nil)
}

// pollStop watches the persisted stop flag so a stop issued on another
// instance still cancels this worker.
func (s *Service) pollStop(queryID int64, done <-chan struct{}) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stopped, err := s.records.StopRequested(context.Background(), queryID)
			if err == nil && stopped {
				s.cancelLocal(queryID)
				return
			}
		}
	}
}

// finishError maps an execution failure onto the right terminal state:
// deadline hits become TIMED_OUT, honored stop requests become STOPPED, and
// everything else FAILED.
func (s *Service) finishError(ctx context.Context, rec *domain.QueryRecord, runCtx context.Context, cause error) {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		s.fail(rec, domain.QueryTimedOut, cause)
	case errors.Is(runCtx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		_ = results.Remove(context.Background(), s.blobs, rec.ClientID)
		s.fail(rec, domain.QueryStopped, nil)
	default:
		s.fail(rec, domain.QueryFailed, cause)
	}
}

func (s *Service) fail(rec *domain.QueryRecord, to domain.QueryStatus, cause error) {
	ctx := context.Background()
	ended := time.Now().UTC()
	_, err := s.records.Transition(ctx, rec.ID, rec.StateVersion, to, func(q *domain.QueryRecord) {
		q.EndTime = &ended
		if cause != nil {
			q.ErrorMessage = domain.ScrubErrorMessage(cause.Error())
		}
	})
	if err != nil {
		s.logger.Warn("async query terminal transition failed", "query_id", rec.ID, "to", to, "error", err)
		return
	}
	s.logAudit(rec, string(to), time.Now(), 0, cause)
}

func (s *Service) logAudit(rec *domain.QueryRecord, status string, started time.Time, rowCount int, cause error) {
	if s.audit == nil {
		return
	}
	entry := &domain.AuditEntry{
		UserID:     rec.UserID,
		Action:     "sqllab_query",
		SQL:        rec.SQL,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
		RowCount:   int64(rowCount),
	}
	if cause != nil {
		entry.Error = domain.ScrubErrorMessage(cause.Error())
	}
	if err := s.audit.Insert(context.Background(), entry); err != nil {
		s.logger.Warn("audit insert failed", "error", err)
	}
}
