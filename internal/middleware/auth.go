// Package middleware provides HTTP middleware for authentication, request
// identity and rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"querydeck/internal/domain"
)

type userKey struct{}

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, user *domain.UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext extracts the authenticated user from the context.
func UserFromContext(ctx context.Context) (*domain.UserContext, bool) {
	user, ok := ctx.Value(userKey{}).(*domain.UserContext)
	return user, ok
}

// AnonymousAdmin is the identity requests run under when auth is disabled.
var AnonymousAdmin = &domain.UserContext{
	ID:       1,
	Username: "admin",
	Roles:    []string{"Admin"},
}

// Auth validates the Bearer token with the shared HS256 secret and stores the
// resulting user in the request context. An empty secret disables auth and
// every request runs as AnonymousAdmin. Returns 401 on missing or bad tokens.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	secret := []byte(jwtSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), AnonymousAdmin)))
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing Bearer token")
				return
			}
			tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				writeUnauthorized(w, "invalid token")
				return
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				writeUnauthorized(w, "invalid token claims")
				return
			}
			user, err := userFromClaims(claims)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// userFromClaims maps token claims onto the trusted user identity. The subject
// carries the numeric user id; roles and groups are optional string lists.
func userFromClaims(claims jwt.MapClaims) (*domain.UserContext, error) {
	user := &domain.UserContext{}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, domain.ErrValidation("token is missing the sub claim")
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, domain.ErrValidation("token sub claim %q is not a user id", sub)
	}
	user.ID = id

	if v, ok := claims["username"].(string); ok {
		user.Username = v
	}
	if v, ok := claims["email"].(string); ok {
		user.Email = v
	}
	user.Roles = stringList(claims["roles"])
	user.Groups = stringList(claims["groups"])
	return user, nil
}

func stringList(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    401,
		"message": "unauthorized: " + message,
	})
}
