package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"model-gateway/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ModelCache keeps catalog model records in redis. A nil cache is valid and
// never hits.
type ModelCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log *zap.SugaredLogger
}

// NewModelCache returns nil when there is no client or the ttl disables it
func NewModelCache(rdb redis.UniversalClient, ttl time.Duration, log *zap.SugaredLogger) *ModelCache {
	if rdb == nil || ttl <= 0 {
		return nil
	}
	return &ModelCache{rdb: rdb, ttl: ttl, log: log}
}

func modelCacheKey(modelID string) string {
	return fmt.Sprintf("gateway:v1:model:%s", modelID)
}

func (c *ModelCache) Get(ctx context.Context, modelID string) (*shared.ModelRecord, bool) {
	if c == nil {
		return nil, false
	}
	cached, err := c.rdb.Get(ctx, modelCacheKey(modelID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warnw("Failed reading model cache", "model_id", modelID, "error", err)
		}
		return nil, false
	}
	var rec shared.ModelRecord
	if err := json.Unmarshal(cached, &rec); err != nil {
		c.log.Warnw("Failed to unmarshal cached model record", "model_id", modelID, "error", err)
		return nil, false
	}
	c.log.Debugw("Cache hit for model record", "model_id", modelID)
	return &rec, true
}

// Set writes in the background, callers never wait on the cache
func (c *ModelCache) Set(modelID string, rec *shared.ModelRecord) {
	if c == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		c.log.Warnw("Failed to marshal model record for cache", "model_id", modelID, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.rdb.Set(ctx, modelCacheKey(modelID), b, c.ttl).Err(); err != nil {
			c.log.Warnw("Failed to cache model record", "model_id", modelID, "error", err)
		}
	}()
}
