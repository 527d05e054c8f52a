package api

import (
	"net/http"
	"strconv"
	"time"

	"querydeck/internal/domain"
)

type rlsFilterRequest struct {
	Name       string   `json:"name"`
	FilterType string   `json:"filter_type,omitempty"`
	GroupKey   string   `json:"group_key,omitempty"`
	Clause     string   `json:"clause"`
	RoleNames  []string `json:"roles,omitempty"`
	GroupNames []string `json:"groups,omitempty"`
	DatasetIDs []int64  `json:"dataset_ids"`
}

type rlsFilterResponse struct {
	ID int64 `json:"id"`
	rlsFilterRequest
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func rlsFilterToAPI(f *domain.RLSFilter) rlsFilterResponse {
	return rlsFilterResponse{
		ID: f.ID,
		rlsFilterRequest: rlsFilterRequest{
			Name:       f.Name,
			FilterType: string(f.FilterType),
			GroupKey:   f.GroupKey,
			Clause:     f.Clause,
			RoleNames:  f.RoleNames,
			GroupNames: f.GroupNames,
			DatasetIDs: f.DatasetIDs,
		},
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

// CreateRLSFilter registers a row-level-security predicate.
func (h *Handler) CreateRLSFilter(w http.ResponseWriter, r *http.Request) {
	var req rlsFilterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	filterType := domain.RLSFilterType(req.FilterType)
	if filterType == "" {
		filterType = domain.RLSRegular
	}
	f, err := h.rls.Create(r.Context(), &domain.RLSFilter{
		Name:       req.Name,
		FilterType: filterType,
		GroupKey:   req.GroupKey,
		Clause:     req.Clause,
		RoleNames:  req.RoleNames,
		GroupNames: req.GroupNames,
		DatasetIDs: req.DatasetIDs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rlsFilterToAPI(f))
}

// ListRLSFilters returns the filters bound to the dataset named in the query
// string.
func (h *Handler) ListRLSFilters(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("dataset_id")
	if raw == "" {
		writeError(w, r, domain.ErrValidation("dataset_id is required"))
		return
	}
	datasetID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, r, domain.ErrValidation("dataset_id %q is not numeric", raw))
		return
	}

	filters, err := h.rls.ListForDataset(r.Context(), datasetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]rlsFilterResponse, len(filters))
	for i := range filters {
		out[i] = rlsFilterToAPI(&filters[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// DeleteRLSFilter removes a filter. The policy version bump this causes makes
// every affected cache entry miss on its next lookup.
func (h *Handler) DeleteRLSFilter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.rls.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
