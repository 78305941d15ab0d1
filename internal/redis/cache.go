package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

// CapacityCache keeps each location's capacity records as one JSON value. Errors degrade to a
// cache miss; availability then reads Postgres.
type CapacityCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewCapacityCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *CapacityCache {
	return &CapacityCache{client: client, ttl: ttl, log: logger.Named("capacity_cache")}
}

func capacityKey(locationID uuid.UUID) string {
	return "capacity:records:" + locationID.String()
}

func (c *CapacityCache) Get(ctx context.Context, locationID uuid.UUID) ([]appointment.CapacityRecord, bool) {
	raw, err := c.client.Get(ctx, capacityKey(locationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("capacity cache read failed", zap.Stringer("location_id", locationID), zap.Error(err))
		return nil, false
	}

	var recs []appointment.CapacityRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		c.log.Warn("capacity cache entry corrupt", zap.Stringer("location_id", locationID), zap.Error(err))
		return nil, false
	}
	return recs, true
}

func (c *CapacityCache) Set(ctx context.Context, locationID uuid.UUID, recs []appointment.CapacityRecord) {
	raw, err := json.Marshal(recs)
	if err != nil {
		c.log.Warn("capacity cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, capacityKey(locationID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("capacity cache write failed", zap.Stringer("location_id", locationID), zap.Error(err))
	}
}

func (c *CapacityCache) Invalidate(ctx context.Context, locationID uuid.UUID) {
	if err := c.client.Del(ctx, capacityKey(locationID)).Err(); err != nil {
		c.log.Warn("capacity cache invalidate failed", zap.Stringer("location_id", locationID), zap.Error(err))
	}
}
