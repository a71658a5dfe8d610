package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/service"
)

// FlagHandler serves the /v1/flags routes
type FlagHandler struct {
	flags        *service.FlagService
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewFlagHandler creates a new FlagHandler.
func NewFlagHandler(flags *service.FlagService, errorHandler *apierrors.Handler, timeout time.Duration, logger *zap.Logger) *FlagHandler {
	return &FlagHandler{
		flags:        flags,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type bulkSetEnabledRequest struct {
	IDs     []int64 `json:"ids"`
	Enabled *bool   `json:"enabled"`
}

type bulkDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *FlagHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

// ListFlags handles GET /v1/flags.
func (h *FlagHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	flags, err := h.flags.ListFlags(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if flags == nil {
		flags = []*model.Flag{}
	}

	writeJSONResponse(w, h.logger, http.StatusOK, flags)
}

// CreateFlag handles POST /v1/flags.
func (h *FlagHandler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	var in service.CreateFlagInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	flag, err := h.flags.CreateFlag(ctx, in)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusCreated, flag)
}

// SetEnabled handles PUT /v1/flags/{id}/enabled.
func (h *FlagHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	id, err := pathID(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	var req setEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if req.Enabled == nil {
		h.errorHandler.WriteValidationError(w, "enabled must be a boolean", requestID)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.flags.SetEnabled(ctx, id, *req.Enabled); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}

// EditFlag handles PATCH /v1/flags/{id}.
func (h *FlagHandler) EditFlag(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	id, err := pathID(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	var in service.EditFlagInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.flags.EditFlag(ctx, id, in); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}

// DeleteFlag handles DELETE /v1/flags/{id}.
func (h *FlagHandler) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.flags.DeleteFlag(ctx, id); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}

// BulkSetEnabled handles PUT /v1/flags/bulk/enabled.
func (h *FlagHandler) BulkSetEnabled(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req bulkSetEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if req.IDs == nil || req.Enabled == nil {
		h.errorHandler.WriteValidationError(w, "ids must be an array and enabled a boolean", requestID)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.flags.BulkSetEnabled(ctx, req.IDs, *req.Enabled); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}

// BulkDelete handles POST /v1/flags/bulk/delete.
func (h *FlagHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req bulkDeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if req.IDs == nil {
		h.errorHandler.WriteValidationError(w, "ids must be an array", requestID)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.flags.BulkDelete(ctx, req.IDs); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, success)
}
