package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ProcessingMarker fast-fails a second settlement of a token that is
// already being processed. It is an optimisation only: the conditional
// token update in the database stays authoritative.
type ProcessingMarker interface {
	// Acquire returns a release func, or ok=false when key is held.
	Acquire(ctx context.Context, key string) (release func(), ok bool)
}

// MemoryMarker holds keys in a bounded LRU whose entries expire after ttl,
// so a crashed holder cannot block a token forever.
type MemoryMarker struct {
	mu    sync.Mutex
	cache *lru.LRU[string, string]
}

func NewMemoryMarker(size int, ttl time.Duration) *MemoryMarker {
	if size <= 0 {
		size = 10000
	}
	return &MemoryMarker{cache: lru.NewLRU[string, string](size, nil, ttl)}
}

func (m *MemoryMarker) Acquire(_ context.Context, key string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.cache.Get(key); held {
		return nil, false
	}
	owner := uuid.NewString()
	m.cache.Add(key, owner)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if v, ok := m.cache.Peek(key); ok && v == owner {
			m.cache.Remove(key)
		}
	}, true
}

// releaseScript deletes the key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisMarker shares in-flight keys between instances with SET NX PX.
// Redis failures allow the settlement through.
type RedisMarker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisMarker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisMarker {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "billing:inflight:"
	}
	return &RedisMarker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (m *RedisMarker) Acquire(ctx context.Context, key string) (func(), bool) {
	k := m.prefix + key
	owner := uuid.NewString()
	ok, err := m.client.SetNX(ctx, k, owner, m.ttl).Result()
	if err != nil {
		m.logger.Warn("processing marker unavailable, relying on database guard", "err", err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		// the caller's ctx may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, m.client, []string{k}, owner).Err(); err != nil && err != redis.Nil {
			m.logger.Warn("processing marker release failed", "key", k, "err", err)
		}
	}, true
}

// NoopMarker always allows. Used when the marker is disabled.
type NoopMarker struct{}

func (NoopMarker) Acquire(context.Context, string) (func(), bool) { return func() {}, true }
