package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"querydeck/internal/domain"
)

type databaseRequest struct {
	Name    string                `json:"name"`
	URI     string                `json:"uri"`
	Driver  string                `json:"driver"`
	Catalog string                `json:"catalog,omitempty"`
	Schema  string                `json:"schema,omitempty"`
	Extras  domain.DatabaseExtras `json:"extras,omitempty"`
}

// databaseResponse never carries the raw connection URI.
type databaseResponse struct {
	ID        int64                 `json:"id"`
	Name      string                `json:"name"`
	URI       string                `json:"uri"` // masked
	Driver    string                `json:"driver"`
	Catalog   string                `json:"catalog,omitempty"`
	Schema    string                `json:"schema,omitempty"`
	Extras    domain.DatabaseExtras `json:"extras,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func databaseToAPI(db *domain.Database) databaseResponse {
	return databaseResponse{
		ID:        db.ID,
		Name:      db.Name,
		URI:       db.MaskedURI(),
		Driver:    db.Driver,
		Catalog:   db.Catalog,
		Schema:    db.Schema,
		Extras:    db.Extras,
		CreatedAt: db.CreatedAt,
		UpdatedAt: db.UpdatedAt,
	}
}

// CreateDatabase registers an analytical database.
func (h *Handler) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	create := domain.CreateDatabaseRequest{
		Name:    req.Name,
		URI:     req.URI,
		Driver:  req.Driver,
		Catalog: req.Catalog,
		Schema:  req.Schema,
		Extras:  req.Extras,
	}
	if err := create.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	db, err := h.databases.Create(r.Context(), &domain.Database{
		Name:    create.Name,
		URI:     create.URI,
		Driver:  create.Driver,
		Catalog: create.Catalog,
		Schema:  create.Schema,
		Extras:  create.Extras,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, databaseToAPI(db))
}

// ListDatabases returns all registered databases with masked URIs.
func (h *Handler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.databases.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]databaseResponse, len(dbs))
	for i := range dbs {
		out[i] = databaseToAPI(&dbs[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// GetDatabase returns one database by id.
func (h *Handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	db, err := h.databases.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, databaseToAPI(db))
}

// DeleteDatabase removes a database and evicts its connection pool.
func (h *Handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.databases.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.pools.Evict(id)
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.ErrValidation("id %q is not numeric", raw)
	}
	return id, nil
}
