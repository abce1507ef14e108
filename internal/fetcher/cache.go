package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

const cachePrefix = "adscope:"

// CachedFetcher is a read-through Redis cache in front of another fetcher.
// Redis failures fall through to the wrapped fetcher.
type CachedFetcher struct {
	next    Fetcher
	client  *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewCachedFetcher wraps next with a cache of the given TTL.
func NewCachedFetcher(next Fetcher, client *redis.Client, ttl time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *CachedFetcher {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &CachedFetcher{next: next, client: client, ttl: ttl, logger: logger.Named("scope_cache"), metrics: metrics}
}

func (c *CachedFetcher) FetchAdsForScope(ctx context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error) {
	key := cachePrefix + scopeKey(tenantID, pageType, placements)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var scope models.ScopeResult
		if jsonErr := json.Unmarshal(raw, &scope); jsonErr == nil {
			c.metrics.IncrementCacheLookup("hit")
			return normalize(scope, placements), nil
		}
		c.metrics.IncrementCacheLookup("error")
	case errors.Is(err, redis.Nil):
		c.metrics.IncrementCacheLookup("miss")
	default:
		c.metrics.IncrementCacheLookup("error")
		c.logger.Warn("scope cache read failed", zap.String("key", key), zap.Error(err))
	}

	scope, err := c.next.FetchAdsForScope(ctx, tenantID, pageType, placements)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(scope); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("scope cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return scope, nil
}

// Invalidate drops every cached scope of the tenant, or of all tenants
// when tenantID is "*".
func (c *CachedFetcher) Invalidate(ctx context.Context, tenantID string) error {
	pattern := cachePrefix + "*"
	if tenantID != "*" {
		pattern = cachePrefix + normalizeTenant(tenantID) + ":*"
	}
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan scope cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete scope cache: %w", err)
	}
	c.logger.Debug("scope cache invalidated", zap.String("tenant", tenantID), zap.Int("keys", len(keys)))
	return nil
}
