// Package vault stores provider credentials encrypted per tenant and hands
// out plaintext only for the duration of a single dispatch attempt.
package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/services"
)

// KeyValidator checks key material format for a provider
type KeyValidator interface {
	CheckKey(providerID, key string) error
}

// AuditSink receives fire-and-forget audit events
type AuditSink interface {
	Emit(event *models.AuditEvent)
}

// StoreOptions carries optional credential attributes
type StoreOptions struct {
	Label        string
	RateLimitRPM *int
	ExpiresAt    *time.Time
	Actor        string
}

// Service is the credential vault adapter
type Service struct {
	creds   repositories.CredentialRepository
	secrets repositories.SecretRepository
	cipher  *Cipher
	keys    KeyValidator
	audit   AuditSink
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithKeyValidator checks key format on Store and Rotate
func WithKeyValidator(v KeyValidator) Option { return func(s *Service) { s.keys = v } }

// WithAuditSink sends credential lifecycle events to a
func WithAuditSink(a AuditSink) Option { return func(s *Service) { s.audit = a } }

// WithMetrics records vault operations
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a vault over credential metadata and a secret store.
// secrets is usually a *BreakerStore.
func NewService(creds repositories.CredentialRepository, secrets repositories.SecretRepository, cipher *Cipher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		creds:   creds,
		secrets: secrets,
		cipher:  cipher,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store encrypts and saves a new active credential for (tenant, provider).
// A second active credential for the same pair is refused; use Rotate.
func (s *Service) Store(ctx context.Context, tenantID, providerID string, plaintext []byte, opts StoreOptions) (*models.Credential, error) {
	if err := s.validate(tenantID, providerID, plaintext); err != nil {
		return nil, err
	}

	existing, err := s.creds.GetActive(ctx, tenantID, providerID)
	switch {
	case err == nil:
		return nil, services.NewDomainError(services.ErrorTypeConflict, services.ErrActiveCredentialExists.Message, nil).
			WithDetail("credential_id", existing.ID.String())
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, s.backendErr("store", err)
	}

	cred := s.newCredential(tenantID, providerID, plaintext, opts)
	if err := s.seal(ctx, cred, plaintext); err != nil {
		return nil, err
	}

	if err := s.creds.Create(ctx, cred); err != nil {
		s.discard(ctx, cred.SecretPath)
		if errors.Is(err, repositories.ErrConflict) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, services.ErrActiveCredentialExists.Message, err)
		}
		return nil, s.backendErr("store", err)
	}

	s.metrics.ObserveVault("store", "ok")
	s.emit(models.NewAuditEvent(tenantID, models.AuditActionCredentialStored).
		WithProvider(providerID).
		WithCredential(cred.ID).
		WithActor(opts.Actor).
		WithDetails(map[string]string{"key_fingerprint": cred.KeyFingerprint}))

	s.logger.Info("credential stored",
		zap.String("tenant_id", tenantID),
		zap.String("provider_id", providerID),
		zap.String("credential_id", cred.ID.String()),
		zap.String("key_fingerprint", cred.KeyFingerprint))
	return cred, nil
}

// Rotate replaces the active credential with new key material. The old
// credential is revoked and the new one inserted atomically. With no active
// credential Rotate behaves like Store.
func (s *Service) Rotate(ctx context.Context, tenantID, providerID string, plaintext []byte, opts StoreOptions) (*models.Credential, error) {
	if err := s.validate(tenantID, providerID, plaintext); err != nil {
		return nil, err
	}

	if opts.Label == "" {
		current, err := s.creds.GetActive(ctx, tenantID, providerID)
		switch {
		case err == nil:
			opts.Label = current.Label
			if opts.RateLimitRPM == nil {
				opts.RateLimitRPM = current.RateLimitRPM
			}
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, s.backendErr("rotate", err)
		}
	}

	next := s.newCredential(tenantID, providerID, plaintext, opts)
	if err := s.seal(ctx, next, plaintext); err != nil {
		return nil, err
	}

	previous, err := s.creds.Rotate(ctx, next, s.now())
	if err != nil {
		s.discard(ctx, next.SecretPath)
		if errors.Is(err, repositories.ErrConflict) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, services.ErrConcurrentUpdate.Message, err)
		}
		return nil, s.backendErr("rotate", err)
	}

	details := map[string]string{"key_fingerprint": next.KeyFingerprint}
	if previous != nil {
		s.discard(ctx, previous.SecretPath)
		details["previous_credential_id"] = previous.ID.String()
	}

	s.metrics.ObserveVault("rotate", "ok")
	s.emit(models.NewAuditEvent(tenantID, models.AuditActionCredentialRotated).
		WithProvider(providerID).
		WithCredential(next.ID).
		WithActor(opts.Actor).
		WithDetails(details))

	s.logger.Info("credential rotated",
		zap.String("tenant_id", tenantID),
		zap.String("provider_id", providerID),
		zap.String("credential_id", next.ID.String()))
	return next, nil
}

// Revoke marks a credential revoked and deletes its ciphertext.
// Revoking an already revoked credential succeeds without side effects.
func (s *Service) Revoke(ctx context.Context, credentialID uuid.UUID, actor string) (*models.Credential, error) {
	cred, changed, err := s.creds.Revoke(ctx, credentialID, s.now())
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, services.ErrCredentialNotFound.Message, err)
		}
		return nil, s.backendErr("revoke", err)
	}
	if !changed {
		return cred, nil
	}

	s.discard(ctx, cred.SecretPath)
	s.metrics.ObserveVault("revoke", "ok")
	s.emit(models.NewAuditEvent(cred.TenantID, models.AuditActionCredentialRevoked).
		WithProvider(cred.ProviderID).
		WithCredential(cred.ID).
		WithActor(actor))

	s.logger.Info("credential revoked",
		zap.String("tenant_id", cred.TenantID),
		zap.String("credential_id", cred.ID.String()))
	return cred, nil
}

// Get returns credential metadata by id
func (s *Service) Get(ctx context.Context, credentialID uuid.UUID) (*models.Credential, error) {
	cred, err := s.creds.GetByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, services.ErrCredentialNotFound.Message, err)
		}
		return nil, s.backendErr("get", err)
	}
	return cred, nil
}

// List returns credential metadata for a tenant. Key material is never included.
func (s *Service) List(ctx context.Context, tenantID string) ([]*models.Credential, error) {
	creds, err := s.creds.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, s.backendErr("list", err)
	}
	return creds, nil
}

// ResolveActive returns the usable active credential for (tenant, provider)
// without touching key material.
func (s *Service) ResolveActive(ctx context.Context, tenantID, providerID string) (*models.Credential, error) {
	cred, err := s.creds.GetActive(ctx, tenantID, providerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, services.ErrCredentialNotFound.Message, err)
		}
		return nil, s.backendErr("resolve", err)
	}
	if !cred.IsUsable(s.now()) {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "credential expired", nil).
			WithDetail("credential_id", cred.ID.String())
	}
	return cred, nil
}

// Open decrypts a credential's key material. Callers hold the result only
// for one dispatch attempt.
func (s *Service) Open(ctx context.Context, cred *models.Credential) (string, error) {
	envelope, err := s.secrets.Get(ctx, cred.SecretPath)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", services.NewDomainError(services.ErrorTypeNotFound, services.ErrCredentialNotFound.Message, err)
		}
		return "", s.backendErr("open", err)
	}

	plaintext, err := s.cipher.Open(models.KeyNamespace(cred.TenantID, cred.ProviderID), cred.SecretPath, envelope)
	if err != nil {
		s.metrics.ObserveVault("open", "corrupt")
		return "", services.NewDomainError(services.ErrorTypeInternal, services.ErrCorruptCiphertext.Message, err)
	}

	s.metrics.ObserveVault("open", "ok")
	return string(plaintext), nil
}

// FetchActive resolves and decrypts the active credential for (tenant, provider)
func (s *Service) FetchActive(ctx context.Context, tenantID, providerID string) (string, error) {
	cred, err := s.ResolveActive(ctx, tenantID, providerID)
	if err != nil {
		return "", err
	}
	return s.Open(ctx, cred)
}

// FlagSuspectInvalid records that a provider rejected the credential.
// The credential stays active; an operator decides whether to revoke it.
func (s *Service) FlagSuspectInvalid(ctx context.Context, cred *models.Credential, requestID, reason string) {
	s.metrics.ObserveVault("suspect_invalid", "ok")
	s.emit(models.NewAuditEvent(cred.TenantID, models.AuditActionCredentialSuspectInvalid).
		WithProvider(cred.ProviderID).
		WithCredential(cred.ID).
		WithRequest(requestID).
		WithDetails(map[string]string{"reason": reason}))

	s.logger.Warn("credential rejected by provider",
		zap.String("tenant_id", cred.TenantID),
		zap.String("provider_id", cred.ProviderID),
		zap.String("credential_id", cred.ID.String()),
		zap.String("request_id", requestID))
}

func (s *Service) validate(tenantID, providerID string, plaintext []byte) error {
	if tenantID == "" || providerID == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "tenant_id and provider_id are required", nil)
	}
	key := strings.TrimSpace(string(plaintext))
	if key == "" {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidKeyMaterial.Message, nil)
	}
	if s.keys != nil {
		if err := s.keys.CheckKey(providerID, key); err != nil {
			if services.IsNotFoundError(err) {
				return err
			}
			return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidKeyMaterial.Message, err).
				WithDetail("provider_id", providerID)
		}
	}
	return nil
}

func (s *Service) newCredential(tenantID, providerID string, plaintext []byte, opts StoreOptions) *models.Credential {
	cred := models.NewCredential(tenantID, providerID, opts.Label)
	cred.CreatedAt = s.now()
	cred.KeyFingerprint = Fingerprint(plaintext)
	cred.RateLimitRPM = opts.RateLimitRPM
	cred.ExpiresAt = opts.ExpiresAt
	return cred
}

func (s *Service) seal(ctx context.Context, cred *models.Credential, plaintext []byte) error {
	envelope, err := s.cipher.Seal(models.KeyNamespace(cred.TenantID, cred.ProviderID), cred.SecretPath, plaintext)
	if err != nil {
		return services.WrapInternal("failed to encrypt credential", err)
	}
	if err := s.secrets.Put(ctx, cred.SecretPath, envelope); err != nil {
		return s.backendErr("put", err)
	}
	return nil
}

// discard deletes ciphertext best-effort
func (s *Service) discard(ctx context.Context, path string) {
	if err := s.secrets.Delete(ctx, path); err != nil {
		s.logger.Warn("failed to delete credential ciphertext", zap.Error(err))
	}
}

func (s *Service) backendErr(action string, err error) error {
	s.metrics.ObserveVault(action, "error")
	switch {
	case errors.Is(err, context.Canceled):
		return services.NewDomainError(services.ErrorTypeCancelled, services.ErrRequestCancelled.Message, err)
	case services.IsUnavailableError(err):
		return err
	default:
		return services.NewDomainError(services.ErrorTypeUnavailable, services.ErrVaultUnavailable.Message, err)
	}
}

func (s *Service) emit(event *models.AuditEvent) {
	if s.audit != nil {
		s.audit.Emit(event)
	}
}
