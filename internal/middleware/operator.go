package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"ppegate/internal/logger"
)

type contextKey struct{}

var operatorKey = contextKey{}

// OperatorHeader carries the numeric id of the operator issuing a command.
const OperatorHeader = "X-Operator-ID"

// OperatorMiddleware protects /api/ with the configured bearer token and stores the
// operator id of the request in its context. An empty token disables the check.
// Browsers cannot set headers on websocket upgrades, so the token is also accepted as ?token=.
func OperatorMiddleware(token string, logger *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && strings.HasPrefix(r.URL.Path, "/api/") && !authorized(r, token) {
				logger.Warning("Unauthorized request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if value := r.Header.Get(OperatorHeader); value != "" {
				id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
				if err != nil || id <= 0 {
					http.Error(w, "Invalid "+OperatorHeader, http.StatusBadRequest)
					return
				}
				r = r.WithContext(WithOperatorID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(r *http.Request, token string) bool {
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// WithOperatorID returns a copy of ctx carrying the operator id.
func WithOperatorID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, operatorKey, id)
}

// OperatorID returns the operator of the request, nil when the caller did not identify itself.
func OperatorID(ctx context.Context) *int64 {
	id, ok := ctx.Value(operatorKey).(int64)
	if !ok {
		return nil
	}
	return &id
}
