package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskType(t *testing.T) {
	for _, task := range AllTaskTypes {
		got, err := ParseTaskType(string(task))
		require.NoError(t, err)
		assert.Equal(t, task, got)
	}

	_, err := ParseTaskType("translate")
	assert.Error(t, err)
}

func TestNewCredential(t *testing.T) {
	cred := NewCredential("tenant-a", "openai", "prod key")

	assert.NotEqual(t, uuid.Nil, cred.ID)
	assert.Equal(t, CredentialActive, cred.Status)
	assert.Equal(t, "tenants/tenant-a/providers/openai/credentials/"+cred.ID.String(), cred.SecretPath)
	assert.False(t, cred.CreatedAt.IsZero())
	assert.False(t, cred.IsPlatformManaged())
	assert.Equal(t, "credentials", cred.TableName())
}

func TestCredential_IsUsable(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"active without expiry", Credential{Status: CredentialActive}, true},
		{"active not yet expired", Credential{Status: CredentialActive, ExpiresAt: &future}, true},
		{"active but expired", Credential{Status: CredentialActive, ExpiresAt: &past}, false},
		{"revoked", Credential{Status: CredentialRevoked}, false},
		{"expired status", Credential{Status: CredentialExpired}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.IsUsable(now))
		})
	}
}

func TestProviderProfile_Cost(t *testing.T) {
	profile := ProviderProfile{
		ProviderID:   "openai",
		Capabilities: []TaskType{TaskChat, TaskEmbed},
		CostTable: map[TaskType]UnitCost{
			TaskChat: {Input: decimal.RequireFromString("0.005"), Output: decimal.RequireFromString("0.015")},
		},
	}

	cost := profile.Cost(TaskChat, 2000, 1000)
	assert.True(t, decimal.RequireFromString("0.025").Equal(cost), "got %s", cost)

	assert.True(t, profile.Cost(TaskRerank, 100, 100).IsZero())
	assert.True(t, profile.Supports(TaskEmbed))
	assert.False(t, profile.Supports(TaskVision))
}

func TestRoutingPolicy_Validate(t *testing.T) {
	valid := RoutingPolicy{TenantID: "t1", BudgetTier: TierLow, TaskType: TaskChat, Providers: []string{"openai", "anthropic"}}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "t1:low:chat", valid.Key().String())

	tests := []struct {
		name   string
		mutate func(p *RoutingPolicy)
	}{
		{"missing tenant", func(p *RoutingPolicy) { p.TenantID = "" }},
		{"missing tier", func(p *RoutingPolicy) { p.BudgetTier = "" }},
		{"bad task", func(p *RoutingPolicy) { p.TaskType = "translate" }},
		{"empty chain", func(p *RoutingPolicy) { p.Providers = nil }},
		{"duplicate provider", func(p *RoutingPolicy) { p.Providers = []string{"openai", "openai"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Providers = append([]string(nil), valid.Providers...)
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestBudgetPeriod(t *testing.T) {
	now := time.Date(2024, 1, 31, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-01-31", PeriodDaily.Key(now))
	assert.Equal(t, "2024-01", PeriodMonthly.Key(now))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), PeriodDaily.End(now))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), PeriodMonthly.End(now))
	assert.False(t, BudgetPeriod("weekly").Valid())
}

func TestBudgetConfig_Remaining(t *testing.T) {
	b := BudgetConfig{
		TenantID: "t1",
		Period:   PeriodMonthly,
		Ceiling:  decimal.RequireFromString("1.00"),
		Spent:    decimal.RequireFromString("0.95"),
		Reserved: decimal.RequireFromString("0.02"),
	}
	assert.True(t, decimal.RequireFromString("0.03").Equal(b.Remaining()))
	require.NoError(t, b.Validate())

	b.Spent = decimal.RequireFromString("2")
	assert.True(t, b.Remaining().IsZero())
}

func TestOutcome_IsProviderFailure(t *testing.T) {
	assert.True(t, OutcomeTimeout.IsProviderFailure())
	assert.True(t, OutcomeAuthError.IsProviderFailure())
	assert.False(t, OutcomeSuccess.IsProviderFailure())
	assert.False(t, OutcomeBudgetDenied.IsProviderFailure())
	assert.False(t, OutcomeCancelled.IsProviderFailure())
}

func TestNewAuditEvent(t *testing.T) {
	credID := uuid.New()
	event := NewAuditEvent("tenant-a", AuditActionCredentialRotated).
		WithProvider("openai").
		WithCredential(credID).
		WithDetails(map[string]string{"previous": "abc"})

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, "openai", event.ProviderID)
	assert.Equal(t, credID, *event.CredentialID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(event.Details, &details))
	assert.Equal(t, "abc", details["previous"])
}
