package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"embedbase/internal/apperrors"
)

const ownerIDKey contextKey = "owner_id"

// Authenticator resolves a bearer token to the owner it belongs to. The
// session provider that issues tokens lives outside this service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (ownerID string, err error)
}

// StaticKeyAuthenticator checks tokens against a fixed key -> owner table,
// loaded from configuration.
type StaticKeyAuthenticator struct {
	keys map[string]string
}

func NewStaticKeyAuthenticator(keys map[string]string) *StaticKeyAuthenticator {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &StaticKeyAuthenticator{keys: copied}
}

func (a *StaticKeyAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", apperrors.Unauthorized("missing API key")
	}
	for key, owner := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return owner, nil
		}
	}
	return "", apperrors.Unauthorized("invalid API key")
}

// RequireAuth rejects requests without a valid bearer token and stores the
// owner id in the request context.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := auth.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				AddSpanError(r.Context(), err)
				apperrors.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), owner)))
		})
	}
}

// OptionalAuth lets anonymous requests through but still rejects a token
// that is present and wrong.
func OptionalAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			owner, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				apperrors.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), owner)))
		})
	}
}

// bearerToken reads "Authorization: Bearer <key>", falling back to the
// api_key query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("api_key")
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// OwnerID returns the authenticated owner, or "" for anonymous requests.
func OwnerID(ctx context.Context) string {
	owner, _ := ctx.Value(ownerIDKey).(string)
	return owner
}
