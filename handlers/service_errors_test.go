package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/utils"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
		expectedMsg    string
	}{
		{"not found", services.ErrPolicyNotFound, http.StatusNotFound, "not_found", "routing policy not found"},
		{"validation", services.ErrInvalidInput, http.StatusBadRequest, "bad_request", "invalid input"},
		{"unauthorized", services.ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "unauthorized"},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, "forbidden", "access forbidden"},
		{"conflict", services.ErrActiveCredentialExists, http.StatusConflict, "conflict", "an active credential already exists for this provider"},
		{"no eligible provider", services.ErrNoEligibleProvider, http.StatusUnprocessableEntity, "no_eligible_provider", "no eligible provider"},
		{"exhausted", services.ErrProvidersExhausted, http.StatusBadGateway, "providers_exhausted", "every eligible provider failed"},
		{"budget", services.ErrBudgetExceeded, http.StatusPaymentRequired, "budget_exceeded", "budget exceeded"},
		{"unavailable", services.ErrVaultUnavailable, http.StatusServiceUnavailable, "unavailable", "credential vault unavailable"},
		{"cancelled", services.ErrRequestCancelled, utils.StatusClientClosedRequest, "cancelled", "request cancelled"},
		{"internal", services.ErrDatabaseError, http.StatusInternalServerError, "internal_error", "An internal error occurred"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_error", "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.expectedError, resp.Error)
			assert.Equal(t, tt.expectedMsg, resp.Message)
		})
	}
}

func TestHandleServiceError_HidesCause(t *testing.T) {
	err := services.NewDomainError(services.ErrorTypeUnavailable, services.ErrVaultUnavailable.Message,
		errors.New("dial tcp 10.0.0.5:6379: connection refused")).
		WithDetail("provider_id", "openai")

	w := httptest.NewRecorder()
	HandleServiceError(w, err, zap.NewNop())

	assert.NotContains(t, w.Body.String(), "10.0.0.5")
	resp := decodeError(t, w)
	assert.Equal(t, "openai", resp.Details["provider_id"])
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, nil, zap.NewNop())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleValidationError(w, &utils.ValidationError{Message: "x", Fields: map[string]string{"TaskType": "TaskType is required"}}, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Validation failed", resp.Message)
	assert.Equal(t, "TaskType is required", resp.Details["TaskType"])

	w = httptest.NewRecorder()
	HandleValidationError(w, errors.New("bad"), zap.NewNop())
	assert.Equal(t, "bad", decodeError(t, w).Message)
}
