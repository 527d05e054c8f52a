package api

import (
	"io"
	"net/http"

	"querydeck/internal/domain"
)

// maxPayloadBytes caps the accepted chart-data payload size.
const maxPayloadBytes = 1 << 20

// ChartData runs a chart-data query context and returns the per-query results.
func (h *Handler) ChartData(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, r, domain.ErrValidation("read request body: %s", err))
		return
	}
	if len(payload) > maxPayloadBytes {
		writeError(w, r, domain.ErrValidation("request body exceeds %d bytes", maxPayloadBytes))
		return
	}

	resp, err := h.chartData.Process(r.Context(), payload, user(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type invalidateRequest struct {
	DatasourceUIDs []string `json:"datasource_uids"`
}

// InvalidateCacheKeys drops cached chart-data entries for the named
// datasources.
func (h *Handler) InvalidateCacheKeys(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.DatasourceUIDs) == 0 {
		writeError(w, r, domain.ErrValidation("datasource_uids is required"))
		return
	}

	purged := 0
	for _, uid := range req.DatasourceUIDs {
		n, err := h.chartData.InvalidateDatasource(r.Context(), uid)
		if err != nil {
			writeError(w, r, err)
			return
		}
		purged += n
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}
