package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/service"
)

// ConnectionHandler receives subscribe and unsubscribe lifecycle calls from
// a remote gateway and records them in the connection registry
type ConnectionHandler struct {
	registry     *service.ConnectionRegistry
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(registry *service.ConnectionRegistry, errorHandler *apierrors.Handler, timeout time.Duration, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		registry:     registry,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// Connect handles POST /internal/connections/{id}.
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.registry.Register(ctx, mux.Vars(r)["id"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}

// Disconnect handles DELETE /internal/connections/{id}.
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.registry.Unregister(ctx, mux.Vars(r)["id"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}
