package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/provider-router/models"
)

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed         bool
	Limit           int
	RetryAfter      time.Duration
	ViolationReason string
}

type bucket struct {
	limiter  *rate.Limiter
	rpm      int
	lastUsed time.Time
}

// RateLimitService enforces Credential.RateLimitRPM with one token bucket per
// credential. Buckets live in process memory; shared platform credentials are
// limited per process.
type RateLimitService struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*bucket
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		buckets: make(map[uuid.UUID]*bucket),
		logger:  logger,
		now:     time.Now,
	}
}

// CheckLimit takes one token from the credential's bucket. Credentials
// without a limit are always allowed.
func (s *RateLimitService) CheckLimit(cred *models.Credential) *RateLimitResult {
	if cred == nil || cred.RateLimitRPM == nil || *cred.RateLimitRPM <= 0 {
		return &RateLimitResult{Allowed: true}
	}
	rpm := *cred.RateLimitRPM
	now := s.now()

	s.mu.Lock()
	b, ok := s.buckets[cred.ID]
	if !ok || b.rpm != rpm {
		// a changed limit starts a fresh bucket
		b = &bucket{limiter: rate.NewLimiter(perMinute(rpm), rpm), rpm: rpm}
		s.buckets[cred.ID] = b
	}
	b.lastUsed = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	s.mu.Unlock()

	if allowed {
		return &RateLimitResult{Allowed: true, Limit: rpm}
	}

	wait := time.Duration((1 - tokens) / float64(perMinute(rpm)) * float64(time.Second))
	return &RateLimitResult{
		Limit:           rpm,
		RetryAfter:      wait,
		ViolationReason: fmt.Sprintf("exceeded %d requests per minute", rpm),
	}
}

func perMinute(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60)
}

// CleanupIdle drops buckets not used since olderThan ago
func (s *RateLimitService) CleanupIdle(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, b := range s.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(s.buckets, id)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically drops idle buckets until ctx is done
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupIdle(retention); n > 0 {
				s.logger.Debug("cleaned up idle rate limiters", zap.Int("removed", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

// UsageStats represents the bucket state of one credential
type UsageStats struct {
	Limit           int
	TokensAvailable float64
	LastUsed        time.Time
}

// GetCurrentUsage returns the bucket state for a credential
func (s *RateLimitService) GetCurrentUsage(credentialID uuid.UUID) (*UsageStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[credentialID]
	if !ok {
		return nil, false
	}
	return &UsageStats{
		Limit:           b.rpm,
		TokensAvailable: b.limiter.TokensAt(s.now()),
		LastUsed:        b.lastUsed,
	}, true
}
