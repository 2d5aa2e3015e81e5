package vault

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/services"
	"go.uber.org/zap"
)

// BreakerConfig holds circuit breaker settings for the secret store
type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state count reset period
	Timeout          time.Duration // open duration before half-open
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

// DefaultBreakerConfig is used when the configured values are zero
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:      1,
	Interval:         time.Minute,
	Timeout:          15 * time.Second,
	FailureThreshold: 5,
}

// BreakerStore guards a secret store with a circuit breaker. Backend errors
// and an open breaker surface as an unavailable DomainError; missing secrets
// pass through and do not count as failures.
type BreakerStore struct {
	next repositories.SecretRepository
	cb   *gobreaker.CircuitBreaker[[]byte]
}

// NewBreakerStore wraps next
func NewBreakerStore(name string, next repositories.SecretRepository, cfg BreakerConfig, metrics *observability.Metrics, logger *zap.Logger) *BreakerStore {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultBreakerConfig.MaxRequests
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultBreakerConfig.Timeout
	}

	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, repositories.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("secret store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetBreakerState(name, stateToInt(to))
		},
	}

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// State returns the breaker state
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) Put(ctx context.Context, path string, ciphertext []byte) error {
	_, err := s.cb.Execute(func() ([]byte, error) {
		return nil, s.next.Put(ctx, path, ciphertext)
	})
	return s.mapErr(err)
}

func (s *BreakerStore) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := s.cb.Execute(func() ([]byte, error) {
		return s.next.Get(ctx, path)
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return b, nil
}

func (s *BreakerStore) Delete(ctx context.Context, path string) error {
	_, err := s.cb.Execute(func() ([]byte, error) {
		return nil, s.next.Delete(ctx, path)
	})
	return s.mapErr(err)
}

func (s *BreakerStore) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return services.NewDomainError(services.ErrorTypeUnavailable, "credential vault unavailable: circuit open", err)
	default:
		return services.NewDomainError(services.ErrorTypeUnavailable, "credential vault unavailable", err)
	}
}

// 0=closed, 1=half-open, 2=open
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
