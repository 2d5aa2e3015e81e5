package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
)

type MockAuditReader struct {
	mock.Mock
}

func (m *MockAuditReader) List(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditEvent), args.Error(1)
}

func TestAuditHandler_List(t *testing.T) {
	reader := new(MockAuditReader)
	reader.On("List", mock.Anything, "t1", 20, 40).Return([]*models.AuditEvent{
		models.NewAuditEvent("t1", models.AuditActionCredentialRotated).WithProvider("openai"),
	}, nil)

	w := httptest.NewRecorder()
	NewAuditHandler(reader, zap.NewNop()).HandleList(w, newRequest(t, http.MethodGet, "/?limit=20&offset=40", nil, adminClaims(), "t1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var events []models.AuditEvent
	decodeData(t, w, &events)
	assert.Len(t, events, 1)
	assert.Equal(t, models.AuditActionCredentialRotated, events[0].Action)
	reader.AssertExpectations(t)

	w = httptest.NewRecorder()
	NewAuditHandler(reader, zap.NewNop()).HandleList(w, newRequest(t, http.MethodGet, "/?offset=x", nil, adminClaims(), "t1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
