package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/utils"
)

// AuditReader lists persisted audit events
type AuditReader interface {
	List(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditEvent, error)
}

// AuditHandler handles audit log requests
type AuditHandler struct {
	reader AuditReader
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{reader: reader, logger: logger}
}

// HandleList handles GET /api/v1/tenants/{tenantID}/audit
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "limit must be an integer", nil)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "offset must be an integer", nil)
		return
	}

	events, err := h.reader.List(ctx, middleware.GetTenantIDFromContext(ctx), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	if err := utils.WriteOK(w, events); err != nil {
		h.logger.Error("failed to write audit response", zap.Error(err))
	}
}
