package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/utils"
)

// newRequest builds a request as the auth middleware would leave it
func newRequest(t *testing.T, method, target string, body interface{}, claims *middleware.Claims, tenantID string, params map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	ctx := middleware.WithRequestID(req.Context(), "req-1")
	if claims != nil {
		ctx = middleware.WithClaims(ctx, claims)
	}
	if tenantID != "" {
		ctx = middleware.WithTenantID(ctx, tenantID)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func tenantClaims(tenantID string) *middleware.Claims {
	return &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-" + tenantID},
		TenantID:         tenantID,
		Role:             middleware.RoleTenant,
	}
}

func adminClaims() *middleware.Claims {
	return &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
		Role:             middleware.RoleAdmin,
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	body := struct {
		Data interface{} `json:"data"`
	}{Data: v}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
}
