// Package api provides the HTTP handlers and router for the query core REST API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"querydeck/internal/dbconn"
	"querydeck/internal/domain"
	"querydeck/internal/middleware"
	"querydeck/internal/service/chartdata"
	"querydeck/internal/service/sqllab"
)

// Handler bundles the services and repositories the HTTP layer exposes.
type Handler struct {
	chartData *chartdata.Service
	sqlLab    *sqllab.Service
	databases domain.DatabaseRepository
	datasets  domain.DatasetRepository
	rls       domain.RLSRepository
	pools     *dbconn.Registry
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	chartData *chartdata.Service,
	sqlLab *sqllab.Service,
	databases domain.DatabaseRepository,
	datasets domain.DatasetRepository,
	rls domain.RLSRepository,
	pools *dbconn.Registry,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		chartData: chartData,
		sqlLab:    sqlLab,
		databases: databases,
		datasets:  datasets,
		rls:       rls,
		pools:     pools,
		logger:    logger,
	}
}

// RouterConfig holds the cross-cutting HTTP settings the router needs.
type RouterConfig struct {
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// Router builds the chi router: public health endpoint, then the
// authenticated /v1 API surface.
func (h *Handler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Post("/chart/data", h.ChartData)
		r.Post("/cachekeys/invalidate", h.InvalidateCacheKeys)

		r.Route("/sqllab", func(r chi.Router) {
			r.Post("/execute", h.SubmitQuery)
			r.Get("/queries/{clientID}", h.QueryStatus)
			r.Get("/queries/{clientID}/results", h.QueryResults)
			r.Post("/queries/{clientID}/stop", h.StopQuery)
		})

		r.Route("/databases", func(r chi.Router) {
			r.Post("/", h.CreateDatabase)
			r.Get("/", h.ListDatabases)
			r.Get("/{id}", h.GetDatabase)
			r.Delete("/{id}", h.DeleteDatabase)
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", h.CreateDataset)
			r.Get("/", h.ListDatasets)
			r.Get("/{id}", h.GetDataset)
			r.Put("/{id}", h.UpdateDataset)
			r.Delete("/{id}", h.DeleteDataset)
		})

		r.Route("/rls", func(r chi.Router) {
			r.Post("/", h.CreateRLSFilter)
			r.Get("/", h.ListRLSFilters)
			r.Delete("/{id}", h.DeleteRLSFilter)
		})
	})

	return r
}

// user pulls the authenticated identity the Auth middleware stored.
func user(r *http.Request) *domain.UserContext {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		return middleware.AnonymousAdmin
	}
	return u
}
