package push

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
)

// maxPushPayload bounds one pushed message. It leaves room for a flag
// created from a full 1 MiB request body after JSON escaping.
const maxPushPayload = 8 << 20

// ManagementHandler exposes a hub's connections over HTTP so a remote API
// process can push to them:
//
//	POST   /@connections/{id}  body is the message; 200, 410 when gone, 413 when too large
//	GET    /@connections/{id}  200 or 410
//	DELETE /@connections/{id}  204 or 410
type ManagementHandler struct {
	hub        *Hub
	key        string
	maxPayload int64
	errors     *apierrors.Handler
	logger     *zap.Logger
}

// NewManagementHandler creates the handler. An empty key disables the
// shared key check.
func NewManagementHandler(hub *Hub, key string, logger *zap.Logger) *ManagementHandler {
	return &ManagementHandler{
		hub:        hub,
		key:        key,
		maxPayload: maxPushPayload,
		errors:     apierrors.NewHandler(logger),
		logger:     logger,
	}
}

// Register mounts the routes on router
func (h *ManagementHandler) Register(router *mux.Router) {
	sub := router.PathPrefix("/@connections").Subrouter()
	sub.Use(h.requireKey)
	sub.HandleFunc("/{id}", h.postToConnection).Methods(http.MethodPost)
	sub.HandleFunc("/{id}", h.getConnection).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", h.deleteConnection).Methods(http.MethodDelete)
}

func (h *ManagementHandler) requireKey(next http.Handler) http.Handler {
	return RequireGatewayKey(h.key, h.errors)(next)
}

// RequireGatewayKey rejects requests whose X-Gateway-Key header does not
// match key. An empty key lets every request through.
func RequireGatewayKey(key string, errs *apierrors.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(GatewayKeyHeader)), []byte(key)) != 1 {
				errs.WriteUnauthenticated(w, "invalid gateway key", r.Header.Get("X-Request-ID"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeGone(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGone)
	json.NewEncoder(w).Encode(map[string]string{"message": "connection gone"})
}

func (h *ManagementHandler) postToConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("Push payload too large",
				zap.String("connection_id", id),
				zap.Int64("limit", tooLarge.Limit),
			)
			h.errors.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, apierrors.ErrorCodeInvalidArgument, "push payload too large", r.Header.Get("X-Request-ID"))
			return
		}
		h.errors.WriteValidationError(w, "failed to read body", r.Header.Get("X-Request-ID"))
		return
	}

	if err := h.hub.Push(r.Context(), id, data); err != nil {
		if errors.Is(err, ErrGone) {
			writeGone(w)
			return
		}
		h.logger.Warn("Push through management API failed", zap.String("connection_id", id), zap.Error(err))
		h.errors.WriteInternalError(w, "push failed", r.Header.Get("X-Request-ID"))
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *ManagementHandler) getConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.hub.Has(id) {
		writeGone(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"connection_id": id})
}

func (h *ManagementHandler) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.hub.Disconnect(id) {
		writeGone(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
