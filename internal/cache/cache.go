// Package cache publishes the latest support/resistance snapshot per symbol
// to redis, or to process memory when redis is not configured or unreachable.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/models"
)

const keyPrefix = "strikewatch:levels:"

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	val []byte
	exp time.Time
}

// New connects to redisURL and falls back to memory when the URL is empty,
// unparsable, or the server does not answer PING.
func New(redisURL string) Cache {
	if redisURL == "" {
		return NewMemoryCache()
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Invalid redis URL, using in-memory cache: %v", err)
		return NewMemoryCache()
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, using in-memory cache: %v", err)
		_ = client.Close()
		return NewMemoryCache()
	}
	logger.Info("Snapshot cache connected to redis at %s", opt.Addr)
	return &RedisCache{client: client}
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), now: time.Now}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (r *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, val, ttl).Err()
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !it.exp.IsZero() && m.now().After(it.exp) {
		delete(m.items, key)
		return nil, false
	}
	return it.val, true
}

func (m *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := time.Time{}
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.items[key] = memItem{val: val, exp: exp}
	return nil
}

// Snapshots stores the latest snapshot of each symbol.
type Snapshots struct {
	cache Cache
	ttl   time.Duration
}

func NewSnapshots(c Cache, ttl time.Duration) *Snapshots {
	return &Snapshots{cache: c, ttl: ttl}
}

// Put replaces the cached snapshot of sr.Symbol.
func (s *Snapshots) Put(ctx context.Context, sr *models.SupportResistance) error {
	b, err := json.Marshal(sr)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, keyPrefix+sr.Symbol, b, s.ttl)
}

// Get returns the cached snapshot of symbol.
func (s *Snapshots) Get(ctx context.Context, symbol string) (*models.SupportResistance, bool) {
	b, ok := s.cache.Get(ctx, keyPrefix+symbol)
	if !ok {
		return nil, false
	}
	var sr models.SupportResistance
	if err := json.Unmarshal(b, &sr); err != nil {
		logger.Warn("Discarding undecodable cached snapshot for %s: %v", symbol, err)
		return nil, false
	}
	return &sr, true
}
