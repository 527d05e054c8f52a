package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"querydeck/internal/domain"
	"querydeck/internal/service/sqllab"
)

type queryRecordResponse struct {
	ID           int64      `json:"id"`
	ClientID     string     `json:"client_id"`
	DatabaseID   int64      `json:"database_id"`
	SQL          string     `json:"sql"`
	ExecutedSQL  string     `json:"executed_sql,omitempty"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Rows         int        `json:"rows"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultsKey   string     `json:"results_key,omitempty"`
	TrackingURL  string     `json:"tracking_url,omitempty"`
}

func queryRecordToAPI(rec *domain.QueryRecord) queryRecordResponse {
	return queryRecordResponse{
		ID:           rec.ID,
		ClientID:     rec.ClientID,
		DatabaseID:   rec.DatabaseID,
		SQL:          rec.SQL,
		ExecutedSQL:  rec.ExecutedSQL,
		Status:       string(rec.Status),
		Progress:     rec.Progress,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		Rows:         rec.Rows,
		ErrorMessage: rec.ErrorMessage,
		ResultsKey:   rec.ResultsKey,
		TrackingURL:  rec.TrackingURL,
	}
}

// SubmitQuery accepts an ad-hoc SQL execution and returns the scheduled record.
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req sqllab.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := h.sqlLab.Submit(r.Context(), user(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queryRecordToAPI(rec))
}

// QueryStatus returns the current state of the caller's query.
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sqlLab.Status(r.Context(), user(r), chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryRecordToAPI(rec))
}

// QueryResults streams back the stored result set of a successful query.
func (h *Handler) QueryResults(w http.ResponseWriter, r *http.Request) {
	rs, err := h.sqlLab.Results(r.Context(), user(r), chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// StopQuery requests cancellation of a running query.
func (h *Handler) StopQuery(w http.ResponseWriter, r *http.Request) {
	if err := h.sqlLab.Stop(r.Context(), user(r), chi.URLParam(r, "clientID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}
