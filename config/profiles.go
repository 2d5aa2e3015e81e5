package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/upb/provider-router/models"
)

// ProfileEnvPrefix prefixes environment overrides of the profile catalog.
// PROVIDER_PROFILE_OPENAI__DEFAULT_TIMEOUT=10s sets providers.openai.default_timeout.
const ProfileEnvPrefix = "PROVIDER_PROFILE_"

// ProfileOverride is one provider entry of the catalog file. Zero fields
// keep the adapter's built-in value.
type ProfileOverride struct {
	DisplayName         string                  `koanf:"display_name"`
	Capabilities        []string                `koanf:"capabilities"`
	CostTable           map[string]CostOverride `koanf:"cost_table"`
	DefaultTimeout      time.Duration           `koanf:"default_timeout"`
	DefaultModels       map[string]string       `koanf:"default_models"`
	DefaultOutputTokens int                     `koanf:"default_output_tokens"`
	ComplianceTags      []string                `koanf:"compliance_tags"`
}

// CostOverride holds per-1K token prices as decimal strings
type CostOverride struct {
	Input  string `koanf:"input"`
	Output string `koanf:"output"`
}

type catalogFile struct {
	Providers map[string]ProfileOverride `koanf:"providers"`
}

// ProfileCatalog is the parsed catalog, keyed by provider id
type ProfileCatalog map[string]ProfileOverride

// LoadProfiles reads the YAML catalog at path and applies environment
// overrides. An empty path loads overrides from the environment only; a
// missing file is an error.
func LoadProfiles(path string) (ProfileCatalog, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("provider profiles file %s not found", path)
			}
			return nil, fmt.Errorf("failed to load provider profiles: %w", err)
		}
	}

	if err := k.Load(env.Provider(ProfileEnvPrefix, ".", func(s string) string {
		return "providers." + strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, ProfileEnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load provider profile overrides: %w", err)
	}

	var cf catalogFile
	if err := k.Unmarshal("", &cf); err != nil {
		return nil, fmt.Errorf("failed to decode provider profiles: %w", err)
	}

	catalog := ProfileCatalog(cf.Providers)
	if catalog == nil {
		catalog = ProfileCatalog{}
	}
	for id, o := range catalog {
		if _, err := o.Apply(models.ProviderProfile{ProviderID: id}); err != nil {
			return nil, fmt.Errorf("provider profile %s: %w", id, err)
		}
	}
	return catalog, nil
}

// IDs returns the provider ids in the catalog, sorted
func (c ProfileCatalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge overlays the catalog on built-in profiles. Providers absent from
// base are ignored.
func (c ProfileCatalog) Merge(base []models.ProviderProfile) ([]models.ProviderProfile, error) {
	var out []models.ProviderProfile
	for _, p := range base {
		o, ok := c[p.ProviderID]
		if !ok {
			continue
		}
		merged, err := o.Apply(p)
		if err != nil {
			return nil, fmt.Errorf("provider profile %s: %w", p.ProviderID, err)
		}
		out = append(out, merged)
	}
	return out, nil
}

// Apply returns base with the non-zero fields of o
func (o ProfileOverride) Apply(base models.ProviderProfile) (models.ProviderProfile, error) {
	p := base
	if o.DisplayName != "" {
		p.DisplayName = o.DisplayName
	}
	if len(o.Capabilities) > 0 {
		p.Capabilities = make([]models.TaskType, 0, len(o.Capabilities))
		for _, c := range o.Capabilities {
			task, err := models.ParseTaskType(c)
			if err != nil {
				return base, err
			}
			p.Capabilities = append(p.Capabilities, task)
		}
	}
	if len(o.CostTable) > 0 {
		table := make(map[models.TaskType]models.UnitCost, len(base.CostTable)+len(o.CostTable))
		for task, cost := range base.CostTable {
			table[task] = cost
		}
		for name, cost := range o.CostTable {
			task, err := models.ParseTaskType(name)
			if err != nil {
				return base, err
			}
			unit, err := cost.unit()
			if err != nil {
				return base, fmt.Errorf("cost for %s: %w", task, err)
			}
			table[task] = unit
		}
		p.CostTable = table
	}
	if o.DefaultTimeout > 0 {
		p.DefaultTimeout = o.DefaultTimeout
	}
	if len(o.DefaultModels) > 0 {
		m := make(map[models.TaskType]string, len(base.DefaultModels)+len(o.DefaultModels))
		for task, model := range base.DefaultModels {
			m[task] = model
		}
		for name, model := range o.DefaultModels {
			task, err := models.ParseTaskType(name)
			if err != nil {
				return base, err
			}
			m[task] = model
		}
		p.DefaultModels = m
	}
	if o.DefaultOutputTokens > 0 {
		p.DefaultOutputTokens = o.DefaultOutputTokens
	}
	if len(o.ComplianceTags) > 0 {
		p.ComplianceTags = append([]string(nil), o.ComplianceTags...)
	}
	return p, nil
}

func (c CostOverride) unit() (models.UnitCost, error) {
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, err
		}
		if d.IsNegative() {
			return decimal.Zero, fmt.Errorf("price %s is negative", s)
		}
		return d, nil
	}
	in, err := parse(c.Input)
	if err != nil {
		return models.UnitCost{}, err
	}
	out, err := parse(c.Output)
	if err != nil {
		return models.UnitCost{}, err
	}
	return models.UnitCost{Input: in, Output: out}, nil
}
