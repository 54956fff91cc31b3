// Package middleware provides the HTTP middleware chain: bearer auth,
// tier and feature gating, usage limits, and request rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Noodynamo/conceptus-veritas/pkg/httputil"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// TokenVerifier resolves a bearer token to a user ID. Auth flows live in
// the identity service; this backend only needs the mapping.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// OpaqueVerifier treats the token itself as the user ID. Used in
// development and tests.
type OpaqueVerifier struct{}

func (OpaqueVerifier) Verify(_ context.Context, token string) (string, error) {
	return token, nil
}

// Auth authenticates requests and places the user ID and a request-scoped
// logger on the context
type Auth struct {
	verifier TokenVerifier
	logger   *observability.Logger
}

// NewAuth creates the auth middleware
func NewAuth(verifier TokenVerifier, logger *observability.Logger) *Auth {
	return &Auth{verifier: verifier, logger: logger}
}

// Handler rejects requests without a valid bearer token
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			httputil.WriteUnauthorized(w, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		userID, err := a.verifier.Verify(r.Context(), token)
		if err != nil || userID == "" {
			httputil.WriteUnauthorized(w, "invalid token")
			return
		}

		ctx := observability.WithUserID(r.Context(), userID)
		ctx = observability.WithRequestID(ctx, uuid.New().String())
		ctx = observability.WithLogger(ctx, a.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user ID from the request context
func UserID(r *http.Request) string {
	return observability.GetUserID(r.Context())
}
