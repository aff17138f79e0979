// Package cache keeps historical candles in Redis so restarts warm their
// feature windows without hitting the broker.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
)

// DefaultTTL bounds how long a candle page is served from cache.
const DefaultTTL = time.Hour

var errMiss = errors.New("cache miss")

// RedisConfig holds connection parameters for the Redis client.
type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a client and pings it to verify connectivity. URL, when
// set, takes precedence over the discrete fields.
func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

type store interface {
	get(ctx context.Context, key string) ([]byte, error)
	setEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type redisStore struct{ rdb *redis.Client }

func (s redisStore) get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errMiss
	}
	return b, err
}

func (s redisStore) setEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// CandleCache is a read-through broker.CandleSource. Cache failures are
// logged and fall through to the source.
type CandleCache struct {
	store  store
	source broker.CandleSource
	ttl    time.Duration
	log    zerolog.Logger
}

var _ broker.CandleSource = (*CandleCache)(nil)

// NewCandleCache wraps source with a Redis read-through cache.
func NewCandleCache(rdb *redis.Client, source broker.CandleSource, ttl time.Duration, log zerolog.Logger) *CandleCache {
	return newCandleCache(redisStore{rdb: rdb}, source, ttl, log)
}

func newCandleCache(s store, source broker.CandleSource, ttl time.Duration, log zerolog.Logger) *CandleCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CandleCache{store: s, source: source, ttl: ttl, log: log.With().Str("component", "candle_cache").Logger()}
}

func candleKey(instrument, granularity string, count int) string {
	return "candles:" + instrument + ":" + granularity + ":" + strconv.Itoa(count)
}

// Candles implements broker.CandleSource.
func (c *CandleCache) Candles(ctx context.Context, instrument, granularity string, count int) ([]broker.Candle, error) {
	key := candleKey(instrument, granularity, count)

	raw, err := c.store.get(ctx, key)
	switch {
	case err == nil:
		var candles []broker.Candle
		if err := json.Unmarshal(raw, &candles); err == nil {
			c.log.Debug().Str("key", key).Int("candles", len(candles)).Msg("candle cache hit")
			return candles, nil
		}
		c.log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, errMiss):
		c.log.Warn().Err(err).Str("key", key).Msg("candle cache read failed")
	}

	candles, err := c.source.Candles(ctx, instrument, granularity, count)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(candles)
	if err != nil {
		return candles, nil
	}
	if err := c.store.setEX(ctx, key, payload, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("candle cache write failed")
	}
	return candles, nil
}
