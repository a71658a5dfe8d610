package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/model"
)

// ContextKey is the type of request context keys set by this package
type ContextKey string

// IdentityKey holds the authenticated *model.Identity
const IdentityKey ContextKey = "identity"

// TokenCookie is the cookie consulted when no Authorization header is sent
const TokenCookie = "token"

// Verifier validates a token and returns its identity
type Verifier interface {
	Verify(token string) (*model.Identity, error)
}

// Middleware rejects unauthenticated requests before they reach a handler
type Middleware struct {
	verifier Verifier
	errors   *apierrors.Handler
	logger   *zap.Logger
}

// NewMiddleware creates the auth middleware
func NewMiddleware(verifier Verifier, errors *apierrors.Handler, logger *zap.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		errors:   errors,
		logger:   logger,
	}
}

// RequireAuth verifies the request token and stores the identity in the
// request context. Failures get 401 NOT_AUTHENTICATED.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			m.errors.WriteUnauthenticated(w, "Not authenticated", r.Header.Get("X-Request-ID"))
			return
		}

		identity, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Debug("Token rejected", zap.Error(err))
			m.errors.WriteUnauthenticated(w, "Not authenticated", r.Header.Get("X-Request-ID"))
			return
		}

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractToken returns the bearer token from the Authorization header, or
// the token cookie when the header is absent
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}

	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// IdentityFromContext returns the identity set by RequireAuth
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, _ := ctx.Value(IdentityKey).(*model.Identity)
	return identity
}
