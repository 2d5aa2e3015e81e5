package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTValidator_RoundTrip(t *testing.T) {
	v := NewJWTValidator("secret", "provider-router")

	token, err := v.Sign("svc-1", "tenant-a", RoleTenant, time.Minute)
	require.NoError(t, err)

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, RoleTenant, claims.Role)
	assert.Equal(t, "svc-1", claims.Subject)
	assert.False(t, claims.IsAdmin())
}

func TestJWTValidator_Rejects(t *testing.T) {
	v := NewJWTValidator("secret", "provider-router")
	ctx := context.Background()

	sign := func(method jwt.SigningMethod, key interface{}, claims Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "provider-router",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			TenantID: "tenant-a",
		}
	}

	t.Run("expired", func(t *testing.T) {
		c := valid()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		assert.True(t, errors.Is(err, ErrTokenExpired))
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("other"), valid()))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := valid()
		c.Issuer = "someone-else"
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("none algorithm", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid()))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("no expiry", func(t *testing.T) {
		c := valid()
		c.ExpiresAt = nil
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		assert.Error(t, err)
	})

	t.Run("tenant token without tenant", func(t *testing.T) {
		c := valid()
		c.TenantID = ""
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		assert.True(t, errors.Is(err, ErrMissingTenant))
	})

	t.Run("unknown role", func(t *testing.T) {
		c := valid()
		c.Role = "root"
		_, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("admin without tenant", func(t *testing.T) {
		c := valid()
		c.TenantID = ""
		c.Role = RoleAdmin
		claims, err := v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("secret"), c))
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin())
	})
}
