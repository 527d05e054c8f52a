package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"querydeck/internal/domain"
	"querydeck/internal/middleware"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var semRef *domain.SemanticRefError
	var tmpl *domain.TemplateError
	var unsupported *domain.UnsupportedFeatureError
	var conflict *domain.ConflictError
	var driver *domain.DriverError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &semRef), errors.As(err, &tmpl):
		return http.StatusBadRequest
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &driver):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the error envelope, carrying the request's correlation
// id so a caller report can be matched to server logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusFromDomainError(err)
	writeJSON(w, code, map[string]interface{}{
		"code":       code,
		"message":    err.Error(),
		"request_id": middleware.RequestIDFromContext(r.Context()),
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return domain.ErrValidation("invalid request body: %s", err)
	}
	return nil
}
