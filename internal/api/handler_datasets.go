package api

import (
	"net/http"
	"strconv"
	"time"

	"querydeck/internal/domain"
)

type columnPayload struct {
	Name             string `json:"name"`
	Expression       string `json:"expression,omitempty"`
	DataType         string `json:"data_type,omitempty"`
	IsTemporal       bool   `json:"is_temporal,omitempty"`
	Groupable        bool   `json:"groupable,omitempty"`
	Filterable       bool   `json:"filterable,omitempty"`
	IsPrimaryKey     bool   `json:"is_primary_key,omitempty"`
	IsForeignKey     bool   `json:"is_foreign_key,omitempty"`
	PythonDateFormat string `json:"python_date_format,omitempty"`
	AdvancedDataType string `json:"advanced_data_type,omitempty"`
}

type metricPayload struct {
	Name        string           `json:"name"`
	Expression  string           `json:"expression"`
	MetricType  string           `json:"metric_type,omitempty"`
	D3Format    string           `json:"d3_format,omitempty"`
	Currency    *domain.Currency `json:"currency,omitempty"`
	WarningText string           `json:"warning_text,omitempty"`
}

type joinKeyPayload struct {
	ForeignKey         string `json:"foreign_key"`
	DimensionDatasetID int64  `json:"dimension_dataset_id"`
	DimensionKey       string `json:"dimension_key"`
}

type datasetRequest struct {
	DatabaseID           int64             `json:"database_id"`
	Catalog              string            `json:"catalog,omitempty"`
	Schema               string            `json:"schema,omitempty"`
	Name                 string            `json:"name"`
	Kind                 string            `json:"kind,omitempty"`
	SQL                  string            `json:"sql,omitempty"`
	TableType            string            `json:"table_type,omitempty"`
	Columns              []columnPayload   `json:"columns,omitempty"`
	Metrics              []metricPayload   `json:"metrics,omitempty"`
	JoinKeys             []joinKeyPayload  `json:"join_keys,omitempty"`
	MainDatetimeColumn   string            `json:"main_dttm_col,omitempty"`
	FetchValuesPredicate string            `json:"fetch_values_predicate,omitempty"`
	TemplateParams       map[string]string `json:"template_params,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
	Timezone             string            `json:"timezone,omitempty"`
	CacheTimeoutSec      int               `json:"cache_timeout,omitempty"`
}

type datasetResponse struct {
	ID int64 `json:"id"`
	datasetRequest
	UID       string    `json:"uid"`
	ChangedOn time.Time `json:"changed_on"`
}

func (req *datasetRequest) toDomain() *domain.Dataset {
	ds := &domain.Dataset{
		DatabaseID:           req.DatabaseID,
		Catalog:              req.Catalog,
		Schema:               req.Schema,
		Name:                 req.Name,
		Kind:                 domain.DatasetKind(req.Kind),
		SQL:                  req.SQL,
		TableType:            domain.TableType(req.TableType),
		MainDatetimeColumn:   req.MainDatetimeColumn,
		FetchValuesPredicate: req.FetchValuesPredicate,
		TemplateParams:       req.TemplateParams,
		Extra:                req.Extra,
		Timezone:             req.Timezone,
		CacheTimeoutSec:      req.CacheTimeoutSec,
	}
	if ds.Kind == "" {
		ds.Kind = domain.DatasetPhysical
	}
	if ds.TableType == "" {
		ds.TableType = domain.TableTypePhysical
	}
	for _, c := range req.Columns {
		ds.Columns = append(ds.Columns, domain.Column{
			Name:             c.Name,
			Expression:       c.Expression,
			DataType:         c.DataType,
			IsTemporal:       c.IsTemporal,
			Groupable:        c.Groupable,
			Filterable:       c.Filterable,
			IsPrimaryKey:     c.IsPrimaryKey,
			IsForeignKey:     c.IsForeignKey,
			PythonDateFormat: c.PythonDateFormat,
			AdvancedDataType: c.AdvancedDataType,
		})
	}
	for _, m := range req.Metrics {
		ds.Metrics = append(ds.Metrics, domain.Metric{
			Name:        m.Name,
			Expression:  m.Expression,
			MetricType:  m.MetricType,
			D3Format:    m.D3Format,
			Currency:    m.Currency,
			WarningText: m.WarningText,
		})
	}
	for _, jk := range req.JoinKeys {
		ds.JoinKeys = append(ds.JoinKeys, domain.JoinKey{
			ForeignKey:         jk.ForeignKey,
			DimensionDatasetID: jk.DimensionDatasetID,
			DimensionKey:       jk.DimensionKey,
		})
	}
	return ds
}

func datasetToAPI(ds *domain.Dataset) datasetResponse {
	resp := datasetResponse{
		ID: ds.ID,
		datasetRequest: datasetRequest{
			DatabaseID:           ds.DatabaseID,
			Catalog:              ds.Catalog,
			Schema:               ds.Schema,
			Name:                 ds.Name,
			Kind:                 string(ds.Kind),
			SQL:                  ds.SQL,
			TableType:            string(ds.TableType),
			MainDatetimeColumn:   ds.MainDatetimeColumn,
			FetchValuesPredicate: ds.FetchValuesPredicate,
			TemplateParams:       ds.TemplateParams,
			Extra:                ds.Extra,
			Timezone:             ds.Timezone,
			CacheTimeoutSec:      ds.CacheTimeoutSec,
		},
		UID:       ds.UID(),
		ChangedOn: ds.ChangedOn,
	}
	for _, c := range ds.Columns {
		resp.Columns = append(resp.Columns, columnPayload{
			Name:             c.Name,
			Expression:       c.Expression,
			DataType:         c.DataType,
			IsTemporal:       c.IsTemporal,
			Groupable:        c.Groupable,
			Filterable:       c.Filterable,
			IsPrimaryKey:     c.IsPrimaryKey,
			IsForeignKey:     c.IsForeignKey,
			PythonDateFormat: c.PythonDateFormat,
			AdvancedDataType: c.AdvancedDataType,
		})
	}
	for _, m := range ds.Metrics {
		resp.Metrics = append(resp.Metrics, metricPayload{
			Name:        m.Name,
			Expression:  m.Expression,
			MetricType:  m.MetricType,
			D3Format:    m.D3Format,
			Currency:    m.Currency,
			WarningText: m.WarningText,
		})
	}
	for _, jk := range ds.JoinKeys {
		resp.JoinKeys = append(resp.JoinKeys, joinKeyPayload{
			ForeignKey:         jk.ForeignKey,
			DimensionDatasetID: jk.DimensionDatasetID,
			DimensionKey:       jk.DimensionKey,
		})
	}
	return resp
}

// CreateDataset registers a dataset with its owned columns and metrics.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req datasetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := h.datasets.Create(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetToAPI(ds))
}

// ListDatasets returns datasets, optionally scoped to one database.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	var databaseID int64
	if raw := r.URL.Query().Get("database_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, domain.ErrValidation("database_id %q is not numeric", raw))
			return
		}
		databaseID = id
	}
	dss, err := h.datasets.List(r.Context(), databaseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]datasetResponse, len(dss))
	for i := range dss {
		out[i] = datasetToAPI(&dss[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// GetDataset returns one dataset by id.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := h.datasets.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetToAPI(ds))
}

// UpdateDataset replaces a dataset's definition and invalidates every cache
// entry issued against it.
func (h *Handler) UpdateDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	existing, err := h.datasets.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req datasetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ds := req.toDomain()
	ds.ID = id

	updated, err := h.datasets.Update(r.Context(), ds)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.chartData.InvalidateDatasource(r.Context(), existing.UID()); err != nil {
		h.logger.Warn("cache invalidation failed", "dataset_uid", existing.UID(), "error", err)
	}
	writeJSON(w, http.StatusOK, datasetToAPI(updated))
}

// DeleteDataset removes a dataset and invalidates its cache entries.
func (h *Handler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	existing, err := h.datasets.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.datasets.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.chartData.InvalidateDatasource(r.Context(), existing.UID()); err != nil {
		h.logger.Warn("cache invalidation failed", "dataset_uid", existing.UID(), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
