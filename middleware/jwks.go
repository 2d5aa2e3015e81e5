package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrJWKSFetchFailed is returned when the key set cannot be retrieved
var ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")

// JWKS is a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is one RSA JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSConfig configures a JWKSValidator
type JWKSConfig struct {
	URL      string
	Issuer   string
	Audience string
	// TenantClaim and RoleClaim name the custom claims carrying tenant and
	// role, e.g. "custom:tenantId". They default to tenant_id and role.
	TenantClaim string
	RoleClaim   string
	CacheTTL    time.Duration
	HTTPClient  *http.Client
}

// JWKSValidator validates RS256 tokens issued by an external identity
// provider that publishes its signing keys as a JWKS document
type JWKSValidator struct {
	cfg    JWKSConfig
	parser *jwt.Parser

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
	now     func() time.Time
}

// NewJWKSValidator creates a validator for the key set at cfg.URL
func NewJWKSValidator(cfg JWKSConfig) *JWKSValidator {
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWKSValidator{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		keys:   make(map[string]*rsa.PublicKey),
		now:    time.Now,
	}
}

// ValidateToken verifies the token against the key set and maps the
// configured claims onto Claims
func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	mc := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, mc, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("kid header not found")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{}
	claims.Subject, _ = mc.GetSubject()
	claims.Issuer, _ = mc.GetIssuer()
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		claims.ExpiresAt = exp
	}
	claims.TenantID, _ = mc[v.cfg.TenantClaim].(string)
	claims.Role, _ = mc[v.cfg.RoleClaim].(string)
	return checkClaims(claims)
}

// publicKey returns the key for kid, refetching the set once when the kid
// is unknown so rotated keys are picked up before the cache expires
func (v *JWKSValidator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := v.now().Before(v.expires)
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func (v *JWKSValidator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		if jwk.Kty != "RSA" {
			continue
		}
		key, err := jwk.rsaPublicKey()
		if err != nil {
			return fmt.Errorf("key %s: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.expires = v.now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()
	return nil
}

func (k *JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}
	if e == 0 {
		return nil, errors.New("empty exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
