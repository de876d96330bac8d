package journeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/metrics"
	"github.com/journeymesh/journeymesh/internal/models"
)

// Cache serves the active-journey list for a workspace from Redis, falling
// back to the repository on miss. Writers that change journey state must call
// Invalidate; the optional TTL is only a safety net against missed
// invalidations.
type Cache struct {
	client redis.UniversalClient
	repo   Repository
	ttl    time.Duration
	logger *logging.Logger
}

// NewCache creates a journey cache. ttl of zero means entries live until
// invalidated.
func NewCache(client redis.UniversalClient, repo Repository, ttl time.Duration, logger *logging.Logger) *Cache {
	return &Cache{client: client, repo: repo, ttl: ttl, logger: logger}
}

func cacheKey(workspaceID string) string {
	return "journeys:" + workspaceID
}

// ActiveJourneys returns the workspace's eligible journeys, reading through
// the cache. A cache transport failure degrades to a repository read rather
// than failing the caller.
func (c *Cache) ActiveJourneys(ctx context.Context, workspaceID string) ([]models.Journey, error) {
	key := cacheKey(workspaceID)

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var journeys []models.Journey
		if err := json.Unmarshal([]byte(raw), &journeys); err == nil {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return journeys, nil
		}
		// Undecodable entry: treat as a miss and overwrite below.
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		c.logger.Warn("discarding corrupt journey cache entry", "workspace_id", workspaceID)
	case errors.Is(err, redis.Nil):
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("journey cache read failed, falling back to repository",
			"workspace_id", workspaceID, "error", err)
	}

	journeys, err := c.repo.ActiveJourneys(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load active journeys: %w", err)
	}

	encoded, err := json.Marshal(journeys)
	if err != nil {
		return nil, fmt.Errorf("encode journeys for cache: %w", err)
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("journey cache write failed", "workspace_id", workspaceID, "error", err)
	}
	return journeys, nil
}

// Invalidate drops the workspace's cached journey list.
func (c *Cache) Invalidate(ctx context.Context, workspaceID string) error {
	if err := c.client.Del(ctx, cacheKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("invalidate journey cache: %w", err)
	}
	return nil
}
