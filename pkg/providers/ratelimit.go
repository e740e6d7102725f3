package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimitRegistry holds one token bucket per (tenant, integration,
// provider), shared across all extraction workers of the tenant. Buckets
// are in-memory only; they do not survive process restarts and are not
// shared across processes.
type RateLimitRegistry struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimitRegistry creates an empty registry. It lives on the worker
// manager and is disposed with it.
func NewRateLimitRegistry() *RateLimitRegistry {
	return &RateLimitRegistry{buckets: make(map[string]*rate.Limiter)}
}

// Wait blocks until the bucket for the integration grants a token or the
// context is cancelled. requestsPerMinute sizes the bucket on first use;
// later calls with a different rate do not resize an existing bucket (a
// settings change takes effect after a manager restart, like worker counts).
func (r *RateLimitRegistry) Wait(ctx context.Context, tenantID int, integrationID uuid.UUID, provider string, requestsPerMinute int) error {
	limiter := r.bucket(tenantID, integrationID, provider, requestsPerMinute)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}
	return nil
}

func (r *RateLimitRegistry) bucket(tenantID int, integrationID uuid.UUID, provider string, requestsPerMinute int) *rate.Limiter {
	key := fmt.Sprintf("%d:%s:%s", tenantID, integrationID, provider)

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.buckets[key]; ok {
		return limiter
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	// Burst of one minute's allowance so short spikes after idle periods do
	// not serialize unnecessarily.
	limiter := rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	r.buckets[key] = limiter
	return limiter
}
