package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitPolicy defines per-actor request limits.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks if the actor may perform an action costing 'cost'
	// tokens. Returns false when rate limited.
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// InMemoryLimiterStore for single-instance deployments.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		buckets: make(map[string]*rate.Limiter),
	}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, exists := s.buckets[actorID]
	if !exists {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		s.buckets[actorID] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(time.Now(), cost), nil
}
