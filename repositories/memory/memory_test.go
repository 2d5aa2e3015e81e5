package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
)

func TestUsageRepository_InsertRejectsDuplicateAttempt(t *testing.T) {
	ctx := context.Background()
	repo := NewUsageRepository()
	now := time.Now()

	for i := 0; i < 500; i++ {
		require.NoError(t, repo.Insert(ctx, &models.UsageRecord{
			TenantID: "t1", RequestID: fmt.Sprintf("r%d", i), ProviderID: "openai",
			Outcome: models.OutcomeSuccess, Timestamp: now,
		}))
	}
	require.NoError(t, repo.Insert(ctx, &models.UsageRecord{
		TenantID: "t1", RequestID: "r7", AttemptIndex: 1, ProviderID: "anthropic", Timestamp: now,
	}))

	err := repo.Insert(ctx, &models.UsageRecord{TenantID: "t1", RequestID: "r7", AttemptIndex: 1, ProviderID: "openai"})
	assert.ErrorIs(t, err, repositories.ErrConflict)

	recs, err := repo.ListByRequest(ctx, "r7")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "anthropic", recs[1].ProviderID, "rejected insert leaves the stored record untouched")
}
