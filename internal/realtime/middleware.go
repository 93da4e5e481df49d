package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned by validators for tokens they do not recognize.
var ErrInvalidToken = errors.New("invalid auth token")

type contextKey string

const userIDContextKey contextKey = "authenticatedUserID"

func contextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext returns the identity the auth middleware resolved for
// this request.
func UserIDFromContext(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(userIDContextKey).(string)
	return userID, ok && userID != ""
}

// TokenValidator resolves a bearer token to a user ID. Identity issuance is
// external; the connection manager only consumes the resolved ID.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// AuthMiddleware authenticates the upgrade request before any socket exists.
// The token comes from the Authorization header or, because browser WebSocket
// clients cannot set headers, the "token" query parameter.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			userID, err := validator.Validate(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(contextWithUserID(r.Context(), userID))
			next.ServeHTTP(w, r)
		})
	}
}

// NoopAuthMiddleware trusts the "userId" query parameter outright. Local runs
// and tests only.
func NoopAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.URL.Query().Get("userId")
			if userID == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(contextWithUserID(r.Context(), userID))
			next.ServeHTTP(w, r)
		})
	}
}

// StaticTokenValidator maps pre-shared tokens to user IDs.
type StaticTokenValidator struct {
	tokens map[string]string
}

// NewStaticTokenValidator builds a validator over a token -> userID table.
func NewStaticTokenValidator(tokens map[string]string) *StaticTokenValidator {
	return &StaticTokenValidator{tokens: tokens}
}

// Validate implements TokenValidator.
func (v *StaticTokenValidator) Validate(token string) (string, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
