package handlers

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/utils"
)

// SetBudgetRequest is the body of PUT /api/v1/tenants/{tenantID}/budget
type SetBudgetRequest struct {
	Ceiling  decimal.Decimal `json:"ceiling_amount"`
	Period   string          `json:"period,omitempty" validate:"omitempty,budget_period"`
	Currency string          `json:"currency,omitempty" validate:"omitempty,len=3"`
}

// BudgetGuard defines the budget operations exposed over HTTP
type BudgetGuard interface {
	Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error)
	SetCeiling(ctx context.Context, cfg *models.BudgetConfig) (*models.BudgetConfig, error)
}

// AuditSink receives audit events for changes made through the API
type AuditSink interface {
	Emit(event *models.AuditEvent)
}

// BudgetHandler handles budget requests
type BudgetHandler struct {
	guard         BudgetGuard
	audit         AuditSink
	defaultPeriod models.BudgetPeriod
	logger        *zap.Logger
}

// NewBudgetHandler creates a new BudgetHandler
func NewBudgetHandler(guard BudgetGuard, audit AuditSink, defaultPeriod models.BudgetPeriod, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{
		guard:         guard,
		audit:         audit,
		defaultPeriod: defaultPeriod,
		logger:        logger,
	}
}

// HandleGet handles GET /api/v1/tenants/{tenantID}/budget
func (h *BudgetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	budget, err := h.guard.Get(ctx, middleware.GetTenantIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, budget); err != nil {
		h.logger.Error("failed to write budget response", zap.Error(err))
	}
}

// HandleSet handles PUT /api/v1/tenants/{tenantID}/budget
func (h *BudgetHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)

	var body SetBudgetRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	period := models.BudgetPeriod(body.Period)
	if period == "" {
		period = h.defaultPeriod
	}

	budget, err := h.guard.SetCeiling(ctx, &models.BudgetConfig{
		TenantID: tenantID,
		Period:   period,
		Ceiling:  body.Ceiling,
		Currency: body.Currency,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("budget updated",
		zap.String("tenant_id", tenantID),
		zap.String("ceiling", budget.Ceiling.String()),
		zap.String("period", string(budget.Period)))
	if h.audit != nil {
		h.audit.Emit(models.NewAuditEvent(tenantID, models.AuditActionBudgetUpdated).
			WithActor(actor(ctx)).
			WithRequest(middleware.GetRequestIDFromContext(ctx)).
			WithDetails(map[string]string{
				"ceiling_amount": budget.Ceiling.String(),
				"period":         string(budget.Period),
				"currency":       budget.Currency,
			}))
	}

	if err := utils.WriteOK(w, budget); err != nil {
		h.logger.Error("failed to write budget response", zap.Error(err))
	}
}
