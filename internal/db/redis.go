package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/consent"
)

// AdUpdatesChannel carries ad record change notifications between
// service instances.
const AdUpdatesChannel = "ad-data-updates"

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}

// ConsentStorage persists consent blobs in Redis. Keys are namespaced per
// visitor so one client can serve every visitor's store.
type ConsentStorage struct {
	client    *redis.Client
	visitorID string
	ttl       time.Duration
}

// ConsentStorage returns consent storage for one visitor. A zero ttl keeps
// the record forever.
func (r *RedisStore) ConsentStorage(visitorID string, ttl time.Duration) *ConsentStorage {
	return &ConsentStorage{client: r.Client, visitorID: visitorID, ttl: ttl}
}

func (c *ConsentStorage) redisKey(key string) string {
	return fmt.Sprintf("consent:%s:%s", c.visitorID, key)
}

func (c *ConsentStorage) Load(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, consent.ErrNoConsent
	}
	if err != nil {
		return nil, fmt.Errorf("load consent: %w", err)
	}
	return raw, nil
}

func (c *ConsentStorage) Save(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	return nil
}

func (c *ConsentStorage) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}
	return nil
}

// Update operations published on AdUpdatesChannel.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpReload = "reload"
)

// AdUpdate announces a change to one ad record, or a full reload.
type AdUpdate struct {
	Op       string `json:"op"`
	AdID     string `json:"adId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

// PublishAdUpdate notifies subscribers of a change.
func (r *RedisStore) PublishAdUpdate(ctx context.Context, u AdUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode ad update: %w", err)
	}
	if err := r.Client.Publish(ctx, AdUpdatesChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish ad update: %w", err)
	}
	return nil
}

// SubscribeAdUpdates calls handle for every update until ctx is done.
// Malformed messages are logged and skipped.
func (r *RedisStore) SubscribeAdUpdates(ctx context.Context, logger *zap.Logger, handle func(AdUpdate)) error {
	sub := r.Client.Subscribe(ctx, AdUpdatesChannel)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", AdUpdatesChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u AdUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				logger.Warn("discarding malformed ad update", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			handle(u)
		}
	}
}
