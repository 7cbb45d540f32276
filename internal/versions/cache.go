package versions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache keeps the latest finalized version per plan in Redis. The UI polls
// this read heavily while a team works a case, so it is worth caching;
// every finalize and distribute invalidates the plan's entry.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func latestKey(planInstanceID uuid.UUID) string {
	return "versions:latest:" + planInstanceID.String()
}

// FetchLatest loads the cached latest version or populates it using the loader.
func (c *Cache) FetchLatest(ctx context.Context, planInstanceID uuid.UUID, loader func(context.Context) (PlanVersion, error)) (PlanVersion, error) {
	if loader == nil {
		return PlanVersion{}, errors.New("versions: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := latestKey(planInstanceID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var v PlanVersion
		if err := json.Unmarshal(payload, &v); err == nil {
			return v, nil
		}
		// Unreadable entry: fall through and overwrite.
	} else if err != redis.Nil {
		return PlanVersion{}, err
	}
	v, err := loader(ctx)
	if err != nil {
		return PlanVersion{}, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return PlanVersion{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return PlanVersion{}, err
	}
	return v, nil
}

// Invalidate drops the cached latest version for a plan.
func (c *Cache) Invalidate(ctx context.Context, planInstanceID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, latestKey(planInstanceID)).Err()
}
