// Package pipeline holds the ETL core: the three stage workers, the job
// controller with its completion barrier, and the worker manager that wires
// them to the tenant queues.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// tokenTTL bounds how long an orphaned counter can linger after a job dies
// without draining its queue.
const tokenTTL = 24 * time.Hour

// TokenTracker counts outstanding embedding messages per job token. The
// broker cannot answer "does the embedding queue still hold messages for
// THIS job", so the publisher increments on publish and the consumer
// decrements on ack; the settle check reads the balance.
type TokenTracker struct {
	rdb *redis.Client
}

// NewTokenTracker creates a tracker on the shared Redis client.
func NewTokenTracker(rdb *redis.Client) *TokenTracker {
	return &TokenTracker{rdb: rdb}
}

func tokenKey(tenantID int, token uuid.UUID) string {
	return fmt.Sprintf("etl:outstanding:%d:%s", tenantID, token)
}

// Incr records one embedding message published for the token.
func (t *TokenTracker) Incr(ctx context.Context, tenantID int, token uuid.UUID) error {
	key := tokenKey(tenantID, token)
	pipe := t.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, tokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment token counter: %w", err)
	}
	return nil
}

// Decr records one embedding message acked for the token. The counter never
// goes negative; a decrement without a matching increment (counter expired,
// redelivery after restart) clamps at zero.
func (t *TokenTracker) Decr(ctx context.Context, tenantID int, token uuid.UUID) error {
	key := tokenKey(tenantID, token)
	n, err := t.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement token counter: %w", err)
	}
	if n < 0 {
		if err := t.rdb.Set(ctx, key, 0, tokenTTL).Err(); err != nil {
			return fmt.Errorf("failed to clamp token counter: %w", err)
		}
	}
	return nil
}

// Outstanding returns how many embedding messages of the token are still in
// flight. A missing key counts as zero.
func (t *TokenTracker) Outstanding(ctx context.Context, tenantID int, token uuid.UUID) (int64, error) {
	n, err := t.rdb.Get(ctx, tokenKey(tenantID, token)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read token counter: %w", err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Clear drops the counter once the job has settled.
func (t *TokenTracker) Clear(ctx context.Context, tenantID int, token uuid.UUID) error {
	if err := t.rdb.Del(ctx, tokenKey(tenantID, token)).Err(); err != nil {
		return fmt.Errorf("failed to clear token counter: %w", err)
	}
	return nil
}
