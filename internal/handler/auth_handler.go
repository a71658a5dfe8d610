package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/auth"
	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/service"
)

// AuthHandler serves the /v1/auth routes
type AuthHandler struct {
	auth         *service.AuthService
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
	tokenTTL     time.Duration
}

// NewAuthHandler creates a new AuthHandler. tokenTTL sets the lifetime of
// the session cookie issued on login.
func NewAuthHandler(authService *service.AuthService, errorHandler *apierrors.Handler, timeout, tokenTTL time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:         authService,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
		tokenTTL:     tokenTTL,
	}
}

// TokenResponse is returned by a successful login
type TokenResponse struct {
	Token string `json:"token"`
}

// Register handles POST /v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, err := h.auth.Register(ctx, in)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusCreated, user)
}

// Login handles POST /v1/auth/login. The token is returned in the body and
// also set as the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	token, err := h.auth.Login(ctx, in)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSONResponse(w, h.logger, http.StatusOK, TokenResponse{Token: token})
}

// Me handles GET /v1/auth/me. It must be mounted behind RequireAuth.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, err := h.auth.Me(ctx, auth.IdentityFromContext(r.Context()))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, identity)
}
