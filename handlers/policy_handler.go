package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/utils"
)

// SetPolicyRequest is the body of PUT .../policies/{tier}/{task}
type SetPolicyRequest struct {
	Providers             []string `json:"providers" validate:"required,min=1,dive,required"`
	AllowPlatformFallback bool     `json:"allow_platform_fallback"`
}

// PolicyService defines the policy operations exposed over HTTP
type PolicyService interface {
	Get(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType) (*models.RoutingPolicy, error)
	Set(ctx context.Context, policy *models.RoutingPolicy, actor string) error
	Delete(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType, actor string) error
	List(ctx context.Context, tenantID string) ([]*models.RoutingPolicy, error)
}

// PolicyHandler handles routing policy requests
type PolicyHandler struct {
	service PolicyService
	logger  *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(service PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		service: service,
		logger:  logger,
	}
}

// policyKey reads the tier and task path parameters
func policyKey(r *http.Request) (models.BudgetTier, models.TaskType, error) {
	task, err := models.ParseTaskType(chi.URLParam(r, "task"))
	if err != nil {
		return "", "", services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidTaskType.Message, err).
			WithDetail("task_type", chi.URLParam(r, "task"))
	}
	return models.BudgetTier(chi.URLParam(r, "tier")), task, nil
}

// HandleList handles GET /api/v1/tenants/{tenantID}/policies
func (h *PolicyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policies, err := h.service.List(ctx, middleware.GetTenantIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if policies == nil {
		policies = []*models.RoutingPolicy{}
	}
	if err := utils.WriteOK(w, policies); err != nil {
		h.logger.Error("failed to write policies response", zap.Error(err))
	}
}

// HandleGet handles GET /api/v1/tenants/{tenantID}/policies/{tier}/{task}
func (h *PolicyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, task, err := policyKey(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	policy, err := h.service.Get(ctx, middleware.GetTenantIDFromContext(ctx), tier, task)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, policy); err != nil {
		h.logger.Error("failed to write policy response", zap.Error(err))
	}
}

// HandleSet handles PUT /api/v1/tenants/{tenantID}/policies/{tier}/{task}
func (h *PolicyHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, task, err := policyKey(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var body SetPolicyRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	policy := &models.RoutingPolicy{
		TenantID:              middleware.GetTenantIDFromContext(ctx),
		BudgetTier:            tier,
		TaskType:              task,
		Providers:             body.Providers,
		AllowPlatformFallback: body.AllowPlatformFallback,
	}
	if err := h.service.Set(ctx, policy, actor(ctx)); err != nil {
		h.logger.Warn("failed to set routing policy",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("policy", policy.Key().String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, policy); err != nil {
		h.logger.Error("failed to write policy response", zap.Error(err))
	}
}

// HandleDelete handles DELETE /api/v1/tenants/{tenantID}/policies/{tier}/{task}
func (h *PolicyHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, task, err := policyKey(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := h.service.Delete(ctx, middleware.GetTenantIDFromContext(ctx), tier, task, actor(ctx)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}
