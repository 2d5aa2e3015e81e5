package providers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Estimate is the pre-dispatch cost of one attempt
type Estimate struct {
	TokensIn  int
	TokensOut int
	Cost      decimal.Decimal
}

// Registry maps provider ids to adapters and indexes them by capability.
// It is populated at startup and read concurrently at request time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	profiles map[string]models.ProviderProfile
	byTask   map[models.TaskType][]string
	order    []string
	tokens   *TokenCounter
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		profiles: make(map[string]models.ProviderProfile),
		byTask:   make(map[models.TaskType][]string),
		tokens:   NewTokenCounter(),
	}
}

// Register adds an adapter under its ID
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}
	id := adapter.ID()
	if id == "" {
		return errors.New("adapter id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, id)
	}

	r.adapters[id] = adapter
	r.order = append(r.order, id)
	r.setProfileLocked(id, adapter.Profile())
	return nil
}

// OverrideProfile replaces the static profile of a registered provider,
// e.g. with prices loaded from the catalog file
func (r *Registry) OverrideProfile(profile models.ProviderProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[profile.ProviderID]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, profile.ProviderID)
	}
	r.setProfileLocked(profile.ProviderID, profile)
	return nil
}

func (r *Registry) setProfileLocked(id string, profile models.ProviderProfile) {
	profile.ProviderID = id
	r.profiles[id] = profile

	for task, ids := range r.byTask {
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		r.byTask[task] = kept
	}
	for _, task := range profile.Capabilities {
		r.byTask[task] = append(r.byTask[task], id)
	}
}

// Get retrieves an adapter by id
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return adapter, nil
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[id]
	return ok
}

// Supports reports whether a registered provider offers the task type
func (r *Registry) Supports(id string, task models.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[id]
	if !ok {
		return false
	}
	return profile.Supports(task)
}

// ForTask lists providers offering a task type in registration order
func (r *Registry) ForTask(task models.TaskType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.byTask[task]...)
}

// Profile returns the effective profile of a provider
func (r *Registry) Profile(id string) (models.ProviderProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[id]
	if !ok {
		return models.ProviderProfile{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return profile, nil
}

// Profiles returns every profile sorted by provider id
func (r *Registry) Profiles() []models.ProviderProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ProviderProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// IDs returns all provider ids in registration order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// EstimateCost prices an attempt before dispatch. Output tokens are the
// payload's MaxTokens or the profile default, and zero for embed and rerank.
func (r *Registry) EstimateCost(id string, task models.TaskType, p *Payload) (Estimate, error) {
	profile, err := r.Profile(id)
	if err != nil {
		return Estimate{}, err
	}
	if !profile.Supports(task) {
		return Estimate{}, Unsupported(id, task)
	}

	if p == nil {
		p = &Payload{}
	}
	model := profile.ModelFor(task)
	if p.Model != "" {
		model = p.Model
	}
	counted := *p
	counted.Model = model
	in := r.tokens.CountPayload(&counted)

	out := 0
	if task == models.TaskChat || task == models.TaskVision {
		out = profile.DefaultOutputTokens
		if p.MaxTokens > 0 {
			out = p.MaxTokens
		}
	}

	return Estimate{
		TokensIn:  in,
		TokensOut: out,
		Cost:      profile.Cost(task, in, out),
	}, nil
}

// ActualCost prices a completed attempt from reported usage
func (r *Registry) ActualCost(id string, task models.TaskType, tokensIn, tokensOut int) (decimal.Decimal, error) {
	profile, err := r.Profile(id)
	if err != nil {
		return decimal.Zero, err
	}
	return profile.Cost(task, tokensIn, tokensOut), nil
}

// CheckKey validates key format with the provider's adapter
func (r *Registry) CheckKey(id, key string) error {
	adapter, err := r.Get(id)
	if err != nil {
		return err
	}
	return adapter.ValidateKey(key)
}

// AdapterConfig is what a builder needs to construct an adapter
type AdapterConfig struct {
	BaseURL    string
	Region     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// AdapterBuilder is a function that creates an adapter
type AdapterBuilder func(cfg AdapterConfig) (Adapter, error)

// RegistryBuilder helps build a registry with multiple adapters
type RegistryBuilder struct {
	registry *Registry
	builders map[string]AdapterBuilder
	profiles []models.ProviderProfile
	errs     []error
}

// NewRegistryBuilder creates a new registry builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		registry: NewRegistry(),
		builders: make(map[string]AdapterBuilder),
	}
}

// WithBuilder registers an adapter builder under a provider id
func (rb *RegistryBuilder) WithBuilder(id string, builder AdapterBuilder) *RegistryBuilder {
	rb.builders[id] = builder
	return rb
}

// WithAdapter directly adds an adapter instance
func (rb *RegistryBuilder) WithAdapter(adapter Adapter) *RegistryBuilder {
	if err := rb.registry.Register(adapter); err != nil {
		rb.errs = append(rb.errs, err)
	}
	return rb
}

// WithProfiles overrides static profiles after the adapters are built
func (rb *RegistryBuilder) WithProfiles(profiles []models.ProviderProfile) *RegistryBuilder {
	rb.profiles = append(rb.profiles, profiles...)
	return rb
}

// Build constructs the configured adapters and returns the registry.
// Builders without a config entry are skipped.
func (rb *RegistryBuilder) Build(configs map[string]AdapterConfig) (*Registry, error) {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		builder, ok := rb.builders[id]
		if !ok {
			continue
		}
		adapter, err := builder(configs[id])
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", id, err)
		}
		if err := rb.registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", id, err)
		}
	}

	for _, p := range rb.profiles {
		if err := rb.registry.OverrideProfile(p); err != nil {
			return nil, fmt.Errorf("failed to apply profile %s: %w", p.ProviderID, err)
		}
	}

	if len(rb.errs) > 0 {
		return nil, errors.Join(rb.errs...)
	}
	return rb.registry, nil
}
