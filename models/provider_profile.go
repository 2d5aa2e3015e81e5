package models

import (
	"time"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// UnitCost is the price per 1K input and output tokens for one task type
type UnitCost struct {
	Input  decimal.Decimal `json:"input" koanf:"input"`
	Output decimal.Decimal `json:"output" koanf:"output"`
}

// ProviderProfile is the static metadata of a provider.
// It is read-only at request time.
type ProviderProfile struct {
	ProviderID     string                `json:"provider_id" koanf:"provider_id"`
	DisplayName    string                `json:"display_name" koanf:"display_name"`
	Capabilities   []TaskType            `json:"capabilities" koanf:"capabilities"`
	CostTable      map[TaskType]UnitCost `json:"cost_table" koanf:"cost_table"`
	DefaultTimeout time.Duration         `json:"default_timeout" koanf:"default_timeout"`
	DefaultModels  map[TaskType]string   `json:"default_models" koanf:"default_models"`
	// DefaultOutputTokens is assumed when a payload does not set MaxTokens
	DefaultOutputTokens int      `json:"default_output_tokens" koanf:"default_output_tokens"`
	ComplianceTags      []string `json:"compliance_tags,omitempty" koanf:"compliance_tags"`
}

// Supports reports whether the provider offers the task type
func (p *ProviderProfile) Supports(task TaskType) bool {
	for _, c := range p.Capabilities {
		if c == task {
			return true
		}
	}
	return false
}

// HasTag reports whether the provider carries a compliance tag
func (p *ProviderProfile) HasTag(tag string) bool {
	for _, t := range p.ComplianceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Cost prices a call with the given token counts
func (p *ProviderProfile) Cost(task TaskType, tokensIn, tokensOut int) decimal.Decimal {
	unit, ok := p.CostTable[task]
	if !ok {
		return decimal.Zero
	}
	in := unit.Input.Mul(decimal.NewFromInt(int64(tokensIn))).Div(thousand)
	out := unit.Output.Mul(decimal.NewFromInt(int64(tokensOut))).Div(thousand)
	return in.Add(out)
}

// ModelFor returns the default model for a task, or empty
func (p *ProviderProfile) ModelFor(task TaskType) string {
	if p.DefaultModels == nil {
		return ""
	}
	return p.DefaultModels[task]
}
