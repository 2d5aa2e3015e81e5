package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CredentialStatus represents the lifecycle state of a credential
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialExpired CredentialStatus = "expired"
)

// Credential is the metadata of a tenant-owned provider key.
// The key material itself only exists encrypted at SecretPath.
type Credential struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	TenantID       string           `json:"tenant_id" db:"tenant_id"`
	ProviderID     string           `json:"provider_id" db:"provider_id"`
	Label          string           `json:"label" db:"label"`
	Status         CredentialStatus `json:"status" db:"status"`
	SecretPath     string           `json:"-" db:"secret_path"`
	KeyFingerprint string           `json:"key_fingerprint" db:"key_fingerprint"`
	RateLimitRPM   *int             `json:"rate_limit_rpm,omitempty" db:"rate_limit_rpm"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	RevokedAt      *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
}

// TableName returns the table name for the Credential model
func (Credential) TableName() string {
	return "credentials"
}

// NewCredential creates an active credential with a fresh ID and secret path
func NewCredential(tenantID, providerID, label string) *Credential {
	id := uuid.New()
	return &Credential{
		ID:         id,
		TenantID:   tenantID,
		ProviderID: providerID,
		Label:      label,
		Status:     CredentialActive,
		SecretPath: SecretPath(tenantID, providerID, id),
		CreatedAt:  time.Now().UTC(),
	}
}

// KeyNamespace is the tenant-scoped namespace used for key derivation
func KeyNamespace(tenantID, providerID string) string {
	return fmt.Sprintf("tenants/%s/providers/%s", tenantID, providerID)
}

// SecretPath is where a credential's ciphertext lives in the backing store
func SecretPath(tenantID, providerID string, credentialID uuid.UUID) string {
	return KeyNamespace(tenantID, providerID) + "/credentials/" + credentialID.String()
}

// IsUsable reports whether the credential may be used for a dispatch at now
func (c *Credential) IsUsable(now time.Time) bool {
	if c.Status != CredentialActive {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// IsPlatformManaged reports whether the credential belongs to the platform pool
func (c *Credential) IsPlatformManaged() bool {
	return c.TenantID == PlatformTenantID
}
