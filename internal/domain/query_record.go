package domain

import "time"

// QueryStatus is the lifecycle state of a Query record.
type QueryStatus string

// Query record states. Success, Failed, TimedOut and Stopped are terminal.
const (
	QueryScheduled QueryStatus = "SCHEDULED"
	QueryRunning   QueryStatus = "RUNNING"
	QueryFetching  QueryStatus = "FETCHING"
	QuerySuccess   QueryStatus = "SUCCESS"
	QueryFailed    QueryStatus = "FAILED"
	QueryTimedOut  QueryStatus = "TIMED_OUT"
	QueryStopped   QueryStatus = "STOPPED"
)

// Terminal reports whether the state admits no further transitions.
func (s QueryStatus) Terminal() bool {
	switch s {
	case QuerySuccess, QueryFailed, QueryTimedOut, QueryStopped:
		return true
	}
	return false
}

// CanTransition reports whether the state machine admits from → to.
// Any non-terminal state may move to FAILED, TIMED_OUT or STOPPED.
func CanTransition(from, to QueryStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case QueryFailed, QueryTimedOut, QueryStopped:
		return true
	case QueryRunning:
		return from == QueryScheduled
	case QueryFetching:
		return from == QueryRunning
	case QuerySuccess:
		return from == QueryFetching
	}
	return false
}

// QueryRecord is the durable record of one SQL-Lab execution.
//
// Writes use optimistic concurrency keyed by (ID, StateVersion): a transition
// only applies when the stored version matches, and bumps it.
type QueryRecord struct {
	ID            int64
	ClientID      string // caller-provided idempotency key; results blob key
	UserID        int64
	Username      string   // identity snapshot taken at submission
	UserRoles     []string // ditto; feeds template expansion on workers
	DatabaseID    int64
	Catalog       string
	Schema        string
	SQL           string
	ExecutedSQL   string // after template expansion and limit wrapping
	Status        QueryStatus
	Progress      int // 0..100
	StartTime     *time.Time
	EndTime       *time.Time
	Rows          int
	ErrorMessage  string
	ResultsKey    string
	TrackingURL   string
	StopRequested bool
	StateVersion  int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AsyncJobRequest is the message a worker receives from the scheduler.
type AsyncJobRequest struct {
	QueryID      int64  `json:"query_id"`
	UserID       int64  `json:"user_id"`
	DatabaseID   int64  `json:"database_id"`
	Catalog      string `json:"catalog,omitempty"`
	Schema       string `json:"schema,omitempty"`
	SQL          string `json:"sql"`
	ClientID     string `json:"client_id"`
	Limit        int    `json:"limit,omitempty"`
	ExpandData   bool   `json:"expand_data,omitempty"`
	CTASMethod   string `json:"ctas_method,omitempty"`
	TmpTableName string `json:"tmp_table_name,omitempty"`
}

// Validate checks that the job message is well-formed.
func (r *AsyncJobRequest) Validate() error {
	if r.QueryID == 0 {
		return ErrValidation("query_id is required")
	}
	if r.ClientID == "" {
		return ErrValidation("client_id is required")
	}
	if r.SQL == "" {
		return ErrValidation("sql is required")
	}
	return nil
}
