package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionCredentialStored         AuditAction = "credential.stored"
	AuditActionCredentialRotated        AuditAction = "credential.rotated"
	AuditActionCredentialRevoked        AuditAction = "credential.revoked"
	AuditActionCredentialSuspectInvalid AuditAction = "credential.suspect_invalid"
	AuditActionPolicyUpdated            AuditAction = "policy.updated"
	AuditActionPolicyDeleted            AuditAction = "policy.deleted"
	AuditActionBudgetUpdated            AuditAction = "budget.updated"
)

// AuditEvent is a write-only record handed to the audit sink
type AuditEvent struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	ProviderID   string          `json:"provider_id,omitempty" db:"provider_id"`
	CredentialID *uuid.UUID      `json:"credential_id,omitempty" db:"credential_id"`
	Action       AuditAction     `json:"action" db:"action"`
	Actor        string          `json:"actor,omitempty" db:"actor"`
	RequestID    string          `json:"request_id,omitempty" db:"request_id"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates a new AuditEvent instance
func NewAuditEvent(tenantID string, action AuditAction) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// WithProvider sets the provider ID
func (a *AuditEvent) WithProvider(providerID string) *AuditEvent {
	a.ProviderID = providerID
	return a
}

// WithCredential sets the credential ID
func (a *AuditEvent) WithCredential(credentialID uuid.UUID) *AuditEvent {
	a.CredentialID = &credentialID
	return a
}

// WithActor sets who performed the action
func (a *AuditEvent) WithActor(actor string) *AuditEvent {
	a.Actor = actor
	return a
}

// WithRequest sets the request ID the event relates to
func (a *AuditEvent) WithRequest(requestID string) *AuditEvent {
	a.RequestID = requestID
	return a
}

// WithDetails sets the details
func (a *AuditEvent) WithDetails(details interface{}) *AuditEvent {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}
