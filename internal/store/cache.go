package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

const bundleKeyPrefix = "dossier:bundle:"

// BundleCache fronts the bundle methods of a synthesis store with Redis.
// Writes go to the store first and then to the cache. Redis failures are
// logged and never fail the call.
type BundleCache struct {
	synthesis.Store
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewBundleCache wraps next. A non-positive ttl keeps entries for a day.
func NewBundleCache(next synthesis.Store, client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *BundleCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BundleCache{Store: next, client: client, ttl: ttl, logger: telemetry.OrNop(logger)}
}

// NewRedisClient builds a client from the storage.redis section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	return redis.NewClient(opts)
}

func bundleKey(runID string) string { return bundleKeyPrefix + runID }

func (c *BundleCache) SaveSynthesisBundle(ctx context.Context, runID string, bundle *synthesis.Bundle) error {
	if err := c.Store.SaveSynthesisBundle(ctx, runID, bundle); err != nil {
		return err
	}
	c.put(ctx, runID, bundle)
	return nil
}

func (c *BundleCache) LoadSynthesisBundle(ctx context.Context, runID string) (*synthesis.Bundle, error) {
	data, err := c.client.Get(ctx, bundleKey(runID)).Bytes()
	switch {
	case err == nil:
		var b synthesis.Bundle
		uerr := json.Unmarshal(data, &b)
		if uerr == nil {
			return &b, nil
		}
		c.logger.Warn("drop undecodable cached bundle", zap.String("run_id", runID), zap.Error(uerr))
		c.client.Del(ctx, bundleKey(runID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("bundle cache read failed", zap.String("run_id", runID), zap.Error(err))
	}

	b, err := c.Store.LoadSynthesisBundle(ctx, runID)
	if err != nil {
		return nil, err
	}
	c.put(ctx, runID, b)
	return b, nil
}

// Invalidate removes the cached bundle of runID.
func (c *BundleCache) Invalidate(ctx context.Context, runID string) error {
	if err := c.client.Del(ctx, bundleKey(runID)).Err(); err != nil {
		return fmt.Errorf("invalidate bundle %s: %w", runID, err)
	}
	return nil
}

func (c *BundleCache) put(ctx context.Context, runID string, bundle *synthesis.Bundle) {
	data, err := json.Marshal(bundle)
	if err != nil {
		c.logger.Warn("encode bundle for cache", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, bundleKey(runID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("bundle cache write failed", zap.String("run_id", runID), zap.Error(err))
	}
}
