package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Verifier resolves a bearer token to the authenticated user. Authentication
// itself is an external concern; the API only needs the resulting user id.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (uuid.UUID, error)
}

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user set by RequireAuth.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireAuth validates the Authorization: Bearer <token> header and stores
// the resolved user id on the request context.
func RequireAuth(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respondError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			userID, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
