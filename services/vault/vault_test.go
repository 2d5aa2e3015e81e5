package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/repositories/memory"
	"github.com/upb/provider-router/services"
	"go.uber.org/zap"
)

var testMaster = bytes.Repeat([]byte{0x42}, 32)

type recordingSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *recordingSink) Emit(e *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) actions() []models.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditAction, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

type prefixValidator struct{}

func (prefixValidator) CheckKey(providerID, key string) error {
	if providerID == "openai" && !bytes.HasPrefix([]byte(key), []byte("sk-")) {
		return errors.New("openai keys start with sk-")
	}
	return nil
}

type fixture struct {
	svc     *Service
	creds   *memory.CredentialRepository
	secrets *memory.SecretRepository
	sink    *recordingSink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cipher, err := NewCipher(testMaster)
	require.NoError(t, err)

	f := &fixture{
		creds:   memory.NewCredentialRepository(),
		secrets: memory.NewSecretRepository(),
		sink:    &recordingSink{},
	}
	opts = append([]Option{WithAuditSink(f.sink), WithKeyValidator(prefixValidator{})}, opts...)
	f.svc = NewService(f.creds, f.secrets, cipher, zap.NewNop(), opts...)
	return f
}

func TestCipher(t *testing.T) {
	c, err := NewCipher(testMaster)
	require.NoError(t, err)

	ns := models.KeyNamespace("tenant-a", "openai")
	env, err := c.Seal(ns, "path-a", []byte("sk-secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(env), "sk-secret")

	got, err := c.Open(ns, "path-a", env)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", string(got))

	t.Run("other namespace cannot open", func(t *testing.T) {
		_, err := c.Open(models.KeyNamespace("tenant-b", "openai"), "path-a", env)
		assert.Error(t, err)
	})

	t.Run("other path cannot open", func(t *testing.T) {
		_, err := c.Open(ns, "path-b", env)
		assert.Error(t, err)
	})

	t.Run("tampered envelope", func(t *testing.T) {
		bad := append([]byte(nil), env...)
		bad[len(bad)-3] ^= 0x01
		_, err := c.Open(ns, "path-a", bad)
		assert.Error(t, err)
	})

	t.Run("two seals differ", func(t *testing.T) {
		env2, err := c.Seal(ns, "path-a", []byte("sk-secret"))
		require.NoError(t, err)
		assert.NotEqual(t, env, env2)
	})

	_, err = NewCipher([]byte("short"))
	assert.Error(t, err)
	assert.Len(t, Fingerprint([]byte("sk-secret")), 8)
}

func TestService_StoreAndFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.Store(ctx, "tenant-a", "openai", []byte("sk-tenant-a"), StoreOptions{Label: "prod"})
	require.NoError(t, err)
	assert.Equal(t, models.CredentialActive, cred.Status)
	assert.Equal(t, Fingerprint([]byte("sk-tenant-a")), cred.KeyFingerprint)

	key, err := f.svc.FetchActive(ctx, "tenant-a", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-tenant-a", key)

	for path, ct := range f.secrets.Raw() {
		assert.NotContains(t, string(ct), "sk-tenant-a", "plaintext stored at %s", path)
	}
	assert.Equal(t, []models.AuditAction{models.AuditActionCredentialStored}, f.sink.actions())

	t.Run("second active credential is refused", func(t *testing.T) {
		_, err := f.svc.Store(ctx, "tenant-a", "openai", []byte("sk-other"), StoreOptions{})
		assert.True(t, services.IsConflictError(err))
		assert.Equal(t, 1, f.secrets.Len())
	})

	t.Run("invalid key material", func(t *testing.T) {
		_, err := f.svc.Store(ctx, "tenant-b", "openai", []byte("not-a-key"), StoreOptions{})
		assert.ErrorIs(t, err, services.ErrInvalidKeyMaterial)

		_, err = f.svc.Store(ctx, "tenant-b", "anthropic", []byte("   "), StoreOptions{})
		assert.ErrorIs(t, err, services.ErrInvalidKeyMaterial)
	})
}

func TestService_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credA, err := f.svc.Store(ctx, "tenant-a", "openai", []byte("sk-aaaa"), StoreOptions{})
	require.NoError(t, err)
	credB, err := f.svc.Store(ctx, "tenant-b", "openai", []byte("sk-bbbb"), StoreOptions{})
	require.NoError(t, err)

	keyB, err := f.svc.FetchActive(ctx, "tenant-b", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-bbbb", keyB)

	// Copy A's ciphertext over B's path: B must not be able to open it
	ctA, err := f.secrets.Get(ctx, credA.SecretPath)
	require.NoError(t, err)
	require.NoError(t, f.secrets.Put(ctx, credB.SecretPath, ctA))

	_, err = f.svc.Open(ctx, credB)
	assert.ErrorIs(t, err, services.ErrCorruptCiphertext)

	_, err = f.svc.FetchActive(ctx, "tenant-c", "openai")
	assert.True(t, services.IsNotFoundError(err))
}

func TestService_Rotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.svc.Store(ctx, "tenant-a", "openai", []byte("sk-old"), StoreOptions{Label: "primary"})
	require.NoError(t, err)

	next, err := f.svc.Rotate(ctx, "tenant-a", "openai", []byte("sk-new"), StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "primary", next.Label)

	key, err := f.svc.FetchActive(ctx, "tenant-a", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", key)

	prev, err := f.svc.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialRevoked, prev.Status)

	_, err = f.secrets.Get(ctx, old.SecretPath)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	assert.Equal(t, []models.AuditAction{
		models.AuditActionCredentialStored,
		models.AuditActionCredentialRotated,
	}, f.sink.actions())
}

func TestService_RotateIsNeverObservedHalfway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, "tenant-a", "anthropic", []byte("key-0"), StoreOptions{})
	require.NoError(t, err)

	stop := make(chan struct{})
	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := f.svc.ResolveActive(ctx, "tenant-a", "anthropic"); err != nil {
					failures.Add(1)
				}
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		_, err := f.svc.Rotate(ctx, "tenant-a", "anthropic", []byte("key-"+string(rune('a'+i%26))), StoreOptions{})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, failures.Load())

	creds, err := f.svc.List(ctx, "tenant-a")
	require.NoError(t, err)
	active := 0
	for _, c := range creds {
		if c.Status == models.CredentialActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Len(t, creds, 51)
}

func TestService_RevokeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.Store(ctx, "tenant-a", "cohere", []byte("co-key"), StoreOptions{})
	require.NoError(t, err)

	revoked, err := f.svc.Revoke(ctx, cred.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialRevoked, revoked.Status)

	again, err := f.svc.Revoke(ctx, cred.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialRevoked, again.Status)

	_, err = f.svc.ResolveActive(ctx, "tenant-a", "cohere")
	assert.True(t, services.IsNotFoundError(err))
	assert.Zero(t, f.secrets.Len())

	assert.Equal(t, []models.AuditAction{
		models.AuditActionCredentialStored,
		models.AuditActionCredentialRevoked,
	}, f.sink.actions())

	_, err = f.svc.Revoke(ctx, models.NewCredential("x", "y", "").ID, "admin")
	assert.True(t, services.IsNotFoundError(err))
}

func TestService_ExpiredCredentialIsNotResolved(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	expires := now.Add(time.Hour)
	_, err := f.svc.Store(ctx, "tenant-a", "cohere", []byte("co-key"), StoreOptions{ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = f.svc.ResolveActive(ctx, "tenant-a", "cohere")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = f.svc.ResolveActive(ctx, "tenant-a", "cohere")
	assert.True(t, services.IsNotFoundError(err))
}

func TestService_FlagSuspectInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.Store(ctx, "tenant-a", "openai", []byte("sk-bad"), StoreOptions{})
	require.NoError(t, err)

	f.svc.FlagSuspectInvalid(ctx, cred, "req-1", "provider returned 401")

	still, err := f.svc.ResolveActive(ctx, "tenant-a", "openai")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialActive, still.Status)
	assert.Contains(t, f.sink.actions(), models.AuditActionCredentialSuspectInvalid)
}

type flakyStore struct {
	calls atomic.Int64
	err   error
}

func (s *flakyStore) Put(context.Context, string, []byte) error {
	s.calls.Add(1)
	return s.err
}

func (s *flakyStore) Get(context.Context, string) ([]byte, error) {
	s.calls.Add(1)
	return nil, s.err
}

func (s *flakyStore) Delete(context.Context, string) error {
	s.calls.Add(1)
	return s.err
}

func TestBreakerStore(t *testing.T) {
	ctx := context.Background()
	backend := &flakyStore{err: errors.New("connection refused")}
	store := NewBreakerStore("vault-test", backend, BreakerConfig{FailureThreshold: 3, Timeout: time.Minute}, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := store.Get(ctx, "p")
		assert.True(t, services.IsUnavailableError(err))
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	_, err := store.Get(ctx, "p")
	assert.ErrorIs(t, err, services.ErrVaultUnavailable)
	assert.Equal(t, int64(3), backend.calls.Load(), "open breaker must not reach the backend")

	t.Run("not found does not trip", func(t *testing.T) {
		inner := memory.NewSecretRepository()
		store := NewBreakerStore("vault-nf", inner, BreakerConfig{FailureThreshold: 1}, nil, zap.NewNop())
		for i := 0; i < 5; i++ {
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, repositories.ErrNotFound)
		}
		assert.Equal(t, gobreaker.StateClosed, store.State())
	})
}

func TestService_VaultUnavailable(t *testing.T) {
	cipher, err := NewCipher(testMaster)
	require.NoError(t, err)

	creds := memory.NewCredentialRepository()
	backend := &flakyStore{err: errors.New("timeout")}
	svc := NewService(creds, NewBreakerStore("v", backend, BreakerConfig{}, nil, zap.NewNop()), cipher, zap.NewNop())

	_, err = svc.Store(context.Background(), "tenant-a", "openai", []byte("sk-x"), StoreOptions{})
	assert.ErrorIs(t, err, services.ErrVaultUnavailable)

	cred := models.NewCredential("tenant-a", "openai", "")
	require.NoError(t, creds.Create(context.Background(), cred))
	_, err = svc.Open(context.Background(), cred)
	assert.ErrorIs(t, err, services.ErrVaultUnavailable)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenants/a/providers/openai/credentials/1", []byte("envelope")))
	assert.True(t, mr.Exists("vault:tenants/a/providers/openai/credentials/1"))

	got, err := store.Get(ctx, "tenants/a/providers/openai/credentials/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), got)

	require.NoError(t, store.Delete(ctx, "tenants/a/providers/openai/credentials/1"))
	_, err = store.Get(ctx, "tenants/a/providers/openai/credentials/1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	mr.Close()
	_, err = store.Get(ctx, "anything")
	require.Error(t, err)
	assert.NotErrorIs(t, err, repositories.ErrNotFound)
}
