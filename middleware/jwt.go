package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingTenant is returned when a tenant token carries no tenant_id
	ErrMissingTenant = errors.New("token has no tenant_id")
)

// JWTValidator validates HMAC-signed bearer tokens
type JWTValidator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTValidator creates a validator for tokens signed with secret. An
// empty issuer disables the issuer check.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}
}

// ValidateToken verifies the signature and registered claims
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return checkClaims(claims)
}

// checkClaims defaults the role to tenant and requires tenant tokens to
// name their tenant
func checkClaims(claims *Claims) (*Claims, error) {
	if claims.Role == "" {
		claims.Role = RoleTenant
	}
	if claims.Role != RoleTenant && claims.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	if !claims.IsAdmin() && claims.TenantID == "" {
		return nil, ErrMissingTenant
	}
	return claims, nil
}

// Sign issues a token for the given tenant and role, valid for ttl
func (v *JWTValidator) Sign(subject, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Role:     role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
