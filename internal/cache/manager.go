// Package cache provides the tenant-scoped query cache. Keys are
// qualified by tenant so invalidation never crosses tenant boundaries,
// and concurrent misses for the same key collapse into one computation
// whose result is shared by all waiters.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// Config tunes the cache manager.
type Config struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Password   string        `yaml:"password" json:"password"`
	DB         int           `yaml:"db" json:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		DefaultTTL: 5 * time.Minute,
		PoolSize:   10,
		KeyPrefix:  "expertflow:",
	}
}

// Manager is the redis-backed tenant-scoped cache.
type Manager struct {
	redis  *redis.Client
	config Config
	group  singleflight.Group
	logger *zap.Logger
}

// NewManager connects to redis and returns a cache manager.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("cache manager initialized", zap.String("addr", config.Addr))
	return &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// NewManagerWithClient wraps an existing client; used by tests with
// miniredis.
func NewManagerWithClient(client *redis.Client, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// Key builds a tenant-qualified cache key from the query and parameters.
func Key(tenantID, query string, params any) string {
	h := sha256.New()
	h.Write([]byte(query))
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			h.Write(data)
		}
	}
	return tenantID + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

func (m *Manager) fullKey(key string) string {
	return m.config.KeyPrefix + key
}

// GetJSON loads a cached value into dest. Returns ErrCacheMiss when
// absent.
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.redis.Get(ctx, m.fullKey(key)).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get failed: %w", err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON stores a value under key. A zero ttl uses the configured
// default.
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := m.redis.Set(ctx, m.fullKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached value for key or runs compute exactly
// once for all concurrent callers of the same key, publishing the result
// to every waiter. Compute failures are not cached.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) ([]byte, error) {
	full := m.fullKey(key)

	if val, err := m.redis.Get(ctx, full).Result(); err == nil {
		return []byte(val), nil
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check under the flight: another process may have
		// published while we waited.
		if val, err := m.redis.Get(ctx, full).Result(); err == nil {
			return []byte(val), nil
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal computed value: %w", err)
		}
		if ttl == 0 {
			ttl = m.config.DefaultTTL
		}
		if err := m.redis.Set(ctx, full, data, ttl).Err(); err != nil {
			m.logger.Warn("cache publish failed", zap.String("key", key), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// InvalidateTenant removes every cached entry for a tenant.
func (m *Manager) InvalidateTenant(ctx context.Context, tenantID string) error {
	pattern := m.fullKey(tenantID + ":*")
	iter := m.redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	m.logger.Info("tenant cache invalidated",
		zap.String("tenant_id", tenantID),
		zap.Int("keys", len(keys)),
	)
	return nil
}

// Ping checks the redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Close releases the redis client.
func (m *Manager) Close() error {
	return m.redis.Close()
}
