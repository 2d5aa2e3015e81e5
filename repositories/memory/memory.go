// Package memory provides map-backed repositories for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
)

// NewRepositories returns a full in-memory repository set
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Credentials: NewCredentialRepository(),
		Secrets:     NewSecretRepository(),
		Policies:    NewPolicyRepository(),
		Budgets:     NewBudgetRepository(),
		Usage:       NewUsageRepository(),
		Audit:       NewAuditRepository(),
	}
}

// CredentialRepository keeps credentials in a map guarded by one mutex,
// which makes Rotate atomic with respect to GetActive.
type CredentialRepository struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*models.Credential
	order []uuid.UUID
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{byID: make(map[uuid.UUID]*models.Credential)}
}

func copyCredential(c *models.Credential) *models.Credential {
	cp := *c
	return &cp
}

func (r *CredentialRepository) Create(_ context.Context, cred *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(cred)
}

func (r *CredentialRepository) createLocked(cred *models.Credential) error {
	if _, ok := r.byID[cred.ID]; ok {
		return fmt.Errorf("credential %s: %w", cred.ID, repositories.ErrConflict)
	}
	if cred.Status == models.CredentialActive && r.activeLocked(cred.TenantID, cred.ProviderID) != nil {
		return fmt.Errorf("active credential exists for %s/%s: %w", cred.TenantID, cred.ProviderID, repositories.ErrConflict)
	}
	r.byID[cred.ID] = copyCredential(cred)
	r.order = append(r.order, cred.ID)
	return nil
}

func (r *CredentialRepository) activeLocked(tenantID, providerID string) *models.Credential {
	for _, c := range r.byID {
		if c.TenantID == tenantID && c.ProviderID == providerID && c.Status == models.CredentialActive {
			return c
		}
	}
	return nil
}

func (r *CredentialRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s: %w", id, repositories.ErrNotFound)
	}
	return copyCredential(c), nil
}

func (r *CredentialRepository) GetActive(_ context.Context, tenantID, providerID string) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.activeLocked(tenantID, providerID)
	if c == nil {
		return nil, fmt.Errorf("no active credential for %s/%s: %w", tenantID, providerID, repositories.ErrNotFound)
	}
	return copyCredential(c), nil
}

func (r *CredentialRepository) ListByTenant(_ context.Context, tenantID string) ([]*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Credential
	for i := len(r.order) - 1; i >= 0; i-- {
		if c := r.byID[r.order[i]]; c.TenantID == tenantID {
			out = append(out, copyCredential(c))
		}
	}
	return out, nil
}

func (r *CredentialRepository) Revoke(_ context.Context, id uuid.UUID, at time.Time) (*models.Credential, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("credential not found: %s: %w", id, repositories.ErrNotFound)
	}
	if c.Status == models.CredentialRevoked {
		return copyCredential(c), false, nil
	}
	c.Status = models.CredentialRevoked
	c.RevokedAt = &at
	return copyCredential(c), true, nil
}

func (r *CredentialRepository) Rotate(_ context.Context, next *models.Credential, at time.Time) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *models.Credential
	if cur := r.activeLocked(next.TenantID, next.ProviderID); cur != nil {
		cur.Status = models.CredentialRevoked
		cur.RevokedAt = &at
		previous = copyCredential(cur)
	}
	if err := r.createLocked(next); err != nil {
		if previous != nil {
			cur := r.byID[previous.ID]
			cur.Status = models.CredentialActive
			cur.RevokedAt = nil
		}
		return nil, err
	}
	return previous, nil
}

// SecretRepository is a path-addressed byte store
type SecretRepository struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewSecretRepository() *SecretRepository {
	return &SecretRepository{data: make(map[string][]byte)}
}

func (r *SecretRepository) Put(_ context.Context, path string, ciphertext []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[path] = append([]byte(nil), ciphertext...)
	return nil
}

func (r *SecretRepository) Get(_ context.Context, path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.data[path]
	if !ok {
		return nil, fmt.Errorf("secret not found: %s: %w", path, repositories.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (r *SecretRepository) Delete(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, path)
	return nil
}

// Len reports how many secrets are stored
func (r *SecretRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Raw returns every stored ciphertext. Tests use it to assert nothing is plaintext.
func (r *SecretRepository) Raw() map[string][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]byte, len(r.data))
	for k, v := range r.data {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// PolicyRepository keeps routing policies keyed by PolicyKey
type PolicyRepository struct {
	mu       sync.RWMutex
	policies map[models.PolicyKey]*models.RoutingPolicy
}

func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{policies: make(map[models.PolicyKey]*models.RoutingPolicy)}
}

func copyPolicy(p *models.RoutingPolicy) *models.RoutingPolicy {
	cp := *p
	cp.Providers = append([]string(nil), p.Providers...)
	return &cp
}

func (r *PolicyRepository) Get(_ context.Context, key models.PolicyKey) (*models.RoutingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[key]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s: %w", key, repositories.ErrNotFound)
	}
	return copyPolicy(p), nil
}

func (r *PolicyRepository) Upsert(_ context.Context, policy *models.RoutingPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Key()] = copyPolicy(policy)
	return nil
}

func (r *PolicyRepository) Delete(_ context.Context, key models.PolicyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[key]; !ok {
		return fmt.Errorf("policy not found: %s: %w", key, repositories.ErrNotFound)
	}
	delete(r.policies, key)
	return nil
}

func (r *PolicyRepository) ListByTenant(_ context.Context, tenantID string) ([]*models.RoutingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.RoutingPolicy
	for k, p := range r.policies {
		if k.TenantID == tenantID {
			out = append(out, copyPolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BudgetTier != out[j].BudgetTier {
			return out[i].BudgetTier < out[j].BudgetTier
		}
		return out[i].TaskType < out[j].TaskType
	})
	return out, nil
}

// BudgetRepository keeps budget configuration per tenant
type BudgetRepository struct {
	mu      sync.RWMutex
	budgets map[string]models.BudgetConfig
}

func NewBudgetRepository() *BudgetRepository {
	return &BudgetRepository{budgets: make(map[string]models.BudgetConfig)}
}

func (r *BudgetRepository) Get(_ context.Context, tenantID string) (*models.BudgetConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.budgets[tenantID]
	if !ok {
		return nil, fmt.Errorf("budget not found: %s: %w", tenantID, repositories.ErrNotFound)
	}
	return &b, nil
}

func (r *BudgetRepository) Upsert(_ context.Context, cfg *models.BudgetConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *cfg
	if cur, ok := r.budgets[cfg.TenantID]; ok && cur.Period == cfg.Period {
		next.Spent, next.Reserved, next.PeriodKey = cur.Spent, cur.Reserved, cur.PeriodKey
	}
	r.budgets[cfg.TenantID] = next
	return nil
}

type attemptKey struct {
	requestID string
	index     int
}

// UsageRepository is an append-only slice of records
type UsageRepository struct {
	mu      sync.RWMutex
	records []models.UsageRecord
	seen    map[attemptKey]struct{}
}

func NewUsageRepository() *UsageRepository {
	return &UsageRepository{seen: make(map[attemptKey]struct{})}
}

func (r *UsageRepository) Insert(_ context.Context, rec *models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := attemptKey{requestID: rec.RequestID, index: rec.AttemptIndex}
	if _, ok := r.seen[key]; ok {
		return fmt.Errorf("usage record %s#%d: %w", rec.RequestID, rec.AttemptIndex, repositories.ErrConflict)
	}
	r.seen[key] = struct{}{}
	r.records = append(r.records, *rec)
	return nil
}

func (r *UsageRepository) ListByRequest(_ context.Context, requestID string) ([]*models.UsageRecord, error) {
	out := r.filter(func(rec *models.UsageRecord) bool { return rec.RequestID == requestID }, false)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptIndex < out[j].AttemptIndex })
	return out, nil
}

func (r *UsageRepository) Query(_ context.Context, q models.UsageQuery) ([]*models.UsageRecord, error) {
	out := r.filter(func(rec *models.UsageRecord) bool {
		if rec.TenantID != q.TenantID {
			return false
		}
		if q.ProviderID != "" && rec.ProviderID != q.ProviderID {
			return false
		}
		if !q.From.IsZero() && rec.Timestamp.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && !rec.Timestamp.Before(q.To) {
			return false
		}
		return true
	}, true)
	return paginate(out, q.Limit, q.Offset), nil
}

func (r *UsageRepository) Recent(_ context.Context, tenantID, providerID string, n int) ([]*models.UsageRecord, error) {
	out := r.filter(func(rec *models.UsageRecord) bool {
		return rec.TenantID == tenantID && rec.ProviderID == providerID
	}, true)
	return paginate(out, n, 0), nil
}

func (r *UsageRepository) Summary(_ context.Context, tenantID string, from, to time.Time) ([]*models.ProviderUsage, error) {
	recs := r.filter(func(rec *models.UsageRecord) bool {
		return rec.TenantID == tenantID && !rec.Timestamp.Before(from) && rec.Timestamp.Before(to)
	}, false)

	byProvider := make(map[string]*models.ProviderUsage)
	for _, rec := range recs {
		u, ok := byProvider[rec.ProviderID]
		if !ok {
			u = &models.ProviderUsage{ProviderID: rec.ProviderID}
			byProvider[rec.ProviderID] = u
		}
		u.Attempts++
		if rec.Outcome == models.OutcomeSuccess {
			u.Successes++
		}
		u.Cost = u.Cost.Add(rec.Cost)
		u.TokensIn += int64(rec.TokensIn)
		u.TokensOut += int64(rec.TokensOut)
	}

	out := make([]*models.ProviderUsage, 0, len(byProvider))
	for _, u := range byProvider {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// filter returns matching copies in insertion order, or newest first when newest is set
func (r *UsageRepository) filter(match func(*models.UsageRecord) bool, newest bool) []*models.UsageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.UsageRecord
	for i := range r.records {
		rec := r.records[i]
		if match(&rec) {
			out = append(out, &rec)
		}
	}
	if newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp.After(out[j].Timestamp)
		})
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// AuditRepository keeps audit events in insertion order
type AuditRepository struct {
	mu     sync.RWMutex
	events []models.AuditEvent
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Insert(_ context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *AuditRepository) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AuditEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].TenantID == tenantID {
			e := r.events[i]
			out = append(out, &e)
		}
	}
	return paginate(out, limit, offset), nil
}
