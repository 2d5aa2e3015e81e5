package models

import "fmt"

// TaskType is the capability a request needs from a provider
type TaskType string

const (
	TaskChat   TaskType = "chat"
	TaskEmbed  TaskType = "embed"
	TaskVision TaskType = "vision"
	TaskRerank TaskType = "rerank"
)

// AllTaskTypes lists every supported capability in a fixed order
var AllTaskTypes = []TaskType{TaskChat, TaskEmbed, TaskVision, TaskRerank}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	switch t {
	case TaskChat, TaskEmbed, TaskVision, TaskRerank:
		return true
	}
	return false
}

// ParseTaskType converts a string into a TaskType
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// BudgetTier is a tenant-selected spend category used to pick a routing policy
type BudgetTier string

const (
	TierLow     BudgetTier = "low"
	TierMedium  BudgetTier = "medium"
	TierHigh    BudgetTier = "high"
	TierDefault BudgetTier = "default"
)

// PlatformTenantID owns platform-managed fallback credentials
const PlatformTenantID = "platform"
