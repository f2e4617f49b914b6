package consumer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/runner"
	"tenant-outbox-engine/internal/tenant"
)

// CacheInvalidator drops cache entries made stale by a domain event. Deleting
// an already-deleted key is a no-op, so redelivery is naturally idempotent.
type CacheInvalidator struct {
	client *redis.Client
}

func NewCacheInvalidator(client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{client: client}
}

func (c *CacheInvalidator) Execute(ctx context.Context, payload any) error {
	p, ok := payload.(models.CacheInvalidationPayload)
	if !ok {
		return runner.Fatal(fmt.Errorf("unexpected payload type %T", payload))
	}
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return runner.Fatal(err)
	}

	keys := make([]string, len(p.Keys))
	for i, k := range p.Keys {
		keys[i] = fmt.Sprintf("cache:%s:%s", scope.TenantID, k)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return runner.Retryable(fmt.Errorf("invalidate cache keys: %w", err))
	}
	return nil
}
