package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ndajr/shorturls/internal/config"
	"github.com/ndajr/shorturls/internal/core"
	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/redis/go-redis/v9"
)

// cacheConnectTimeout is the timeout for establishing redis connection.
const cacheConnectTimeout = 15 * time.Second

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// entry is the cached form of a mapping. Unlike the API encoding of
// core.Mapping it keeps the ID.
type entry struct {
	ID          uuid.UUID `json:"id"`
	OriginalURL string    `json:"originalUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type Cache struct {
	rdb     *redis.Client
	metrics Metrics
	logger  *slog.Logger
	cfg     config.Redis
}

func NewCache(ctx context.Context, logger *slog.Logger, cfg config.Redis) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	ctx, cancel := context.WithTimeout(ctx, cacheConnectTimeout)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		PoolSize: cfg.PoolSize,
	})

	c := &Cache{
		rdb:     rdb,
		logger:  logger,
		metrics: newMetrics(),
		cfg:     cfg,
	}

	if err := datastore.WaitForPing(ctx, logger, c, time.Second); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: failed to ping redis: %w", err)
	}

	// Best-effort: popular shortcodes should survive eviction longest. This
	// only has an effect when maxmemory is set on the server.
	err := rdb.ConfigSet(ctx, "maxmemory-policy", "allkeys-lfu").Err()
	if err != nil {
		logger.Warn("could not set redis maxmemory-policy to allkeys-lfu, ensure it is configured on the server", "error", err)
	}

	return c, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetMapping retrieves a mapping from the cache. It returns ErrMiss if the
// key does not exist.
func (c *Cache) GetMapping(ctx context.Context, shortcode string) (core.Mapping, error) {
	// GETEX resets the TTL on read, so frequently used shortcodes stay cached.
	// This command requires Redis v6.2+.
	val, err := c.rdb.GetEx(ctx, c.toInternalKey(shortcode), c.cfg.UrlTTL).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.Misses.WithLabelValues(c.cfg.UrlPrefix).Inc()
			return core.Mapping{}, ErrMiss
		}
		return core.Mapping{}, fmt.Errorf("cache: GetMapping: %w", err)
	}
	c.metrics.Hits.WithLabelValues(c.cfg.UrlPrefix).Inc()

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return core.Mapping{}, fmt.Errorf("cache: decode %s: %w", shortcode, err)
	}
	return core.Mapping{
		ID:          e.ID,
		Shortcode:   shortcode,
		OriginalURL: e.OriginalURL,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}, nil
}

// SetMapping caches m until its expiry, capped at the configured TTL.
func (c *Cache) SetMapping(ctx context.Context, m core.Mapping) error {
	ttl := c.cfg.UrlTTL
	if !m.ExpiresAt.IsZero() {
		if left := time.Until(m.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return nil
	}
	buf, err := json.Marshal(entry{
		ID:          m.ID,
		OriginalURL: m.OriginalURL,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", m.Shortcode, err)
	}
	return c.rdb.Set(ctx, c.toInternalKey(m.Shortcode), buf, ttl).Err()
}

// Delete drops the cached mapping of shortcode.
func (c *Cache) Delete(ctx context.Context, shortcode string) error {
	return c.rdb.Del(ctx, c.toInternalKey(shortcode)).Err()
}

func (c *Cache) toInternalKey(s string) string {
	return fmt.Sprintf("%s:%s", c.cfg.UrlPrefix, s)
}

func (c *Cache) Close() {
	_ = c.rdb.Close()
}
