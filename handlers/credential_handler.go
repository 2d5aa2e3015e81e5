package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/vault"
	"github.com/upb/provider-router/utils"
)

// StoreCredentialRequest is the body of credential add and rotate calls.
// Key is write-only: it is never echoed back.
type StoreCredentialRequest struct {
	ProviderID   string     `json:"provider_id" validate:"required,max=64"`
	Key          string     `json:"key" validate:"required"`
	Label        string     `json:"label,omitempty" validate:"max=128"`
	RateLimitRPM *int       `json:"rate_limit_rpm,omitempty" validate:"omitempty,gte=1"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// CredentialVault defines the vault operations exposed over HTTP
type CredentialVault interface {
	Store(ctx context.Context, tenantID, providerID string, plaintext []byte, opts vault.StoreOptions) (*models.Credential, error)
	Rotate(ctx context.Context, tenantID, providerID string, plaintext []byte, opts vault.StoreOptions) (*models.Credential, error)
	Revoke(ctx context.Context, credentialID uuid.UUID, actor string) (*models.Credential, error)
	Get(ctx context.Context, credentialID uuid.UUID) (*models.Credential, error)
	List(ctx context.Context, tenantID string) ([]*models.Credential, error)
}

// CredentialHandler handles credential lifecycle requests
type CredentialHandler struct {
	vault  CredentialVault
	logger *zap.Logger
}

// NewCredentialHandler creates a new CredentialHandler
func NewCredentialHandler(vault CredentialVault, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{
		vault:  vault,
		logger: logger,
	}
}

// HandleStore handles POST /api/v1/tenants/{tenantID}/credentials
func (h *CredentialHandler) HandleStore(w http.ResponseWriter, r *http.Request) {
	h.store(w, r, h.vault.Store, utils.WriteCreated)
}

// HandleRotate handles POST /api/v1/tenants/{tenantID}/credentials/rotate
func (h *CredentialHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	h.store(w, r, h.vault.Rotate, utils.WriteOK)
}

type storeFunc func(ctx context.Context, tenantID, providerID string, plaintext []byte, opts vault.StoreOptions) (*models.Credential, error)

func (h *CredentialHandler) store(w http.ResponseWriter, r *http.Request, fn storeFunc, write func(http.ResponseWriter, interface{}) error) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)

	var body StoreCredentialRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	key := []byte(body.Key)
	body.Key = ""
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	cred, err := fn(ctx, tenantID, body.ProviderID, key, vault.StoreOptions{
		Label:        body.Label,
		RateLimitRPM: body.RateLimitRPM,
		ExpiresAt:    body.ExpiresAt,
		Actor:        actor(ctx),
	})
	if err != nil {
		h.logger.Warn("credential write failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("tenant_id", tenantID),
			zap.String("provider_id", body.ProviderID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := write(w, cred); err != nil {
		h.logger.Error("failed to write credential response", zap.Error(err))
	}
}

// HandleList handles GET /api/v1/tenants/{tenantID}/credentials
func (h *CredentialHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	creds, err := h.vault.List(ctx, middleware.GetTenantIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if creds == nil {
		creds = []*models.Credential{}
	}
	if err := utils.WriteOK(w, creds); err != nil {
		h.logger.Error("failed to write credentials response", zap.Error(err))
	}
}

// HandleRevoke handles DELETE /api/v1/credentials/{credentialID}.
// A credential of another tenant looks the same as a missing one.
func (h *CredentialHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := utils.ParseUUID(chi.URLParam(r, "credentialID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid credential ID", nil)
		return
	}

	cred, err := h.vault.Get(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !canAccess(ctx, cred.TenantID) {
		HandleServiceError(w, services.ErrCredentialNotFound, h.logger)
		return
	}

	revoked, err := h.vault.Revoke(ctx, id, actor(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, revoked); err != nil {
		h.logger.Error("failed to write revoke response", zap.Error(err))
	}
}

// canAccess reports whether the caller may act on a tenant's resources
func canAccess(ctx context.Context, tenantID string) bool {
	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		return false
	}
	return claims.IsAdmin() || claims.TenantID == tenantID
}

// actor identifies the caller in audit events
func actor(ctx context.Context) string {
	if claims := middleware.GetClaimsFromContext(ctx); claims != nil {
		if claims.Subject != "" {
			return claims.Subject
		}
		return claims.Role + ":" + claims.TenantID
	}
	return ""
}
