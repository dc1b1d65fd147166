// Package cache implements the gateway's semantic response cache: a
// coarse, last-message-only fingerprint lookup from prompt text to a prior
// successful response. Grounded on the teacher's multi-level prompt cache,
// simplified per spec to a single Redis-backed tier with a permanent-miss
// no-op fallback when no Redis URL is configured.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entry is a cached response keyed by the fingerprinted last-message text.
type Entry struct {
	ResponseContent string    `json:"response_content"`
	CachedAt        time.Time `json:"cached_at"`
}

// SemanticCache looks up and stores responses by the last user message's
// textual content. Implementations must tolerate being absent (Redis down
// or unconfigured) by degrading to a permanent miss — cache errors are
// non-fatal per the error-handling design.
type SemanticCache interface {
	// Get returns the cached entry for lastMessage, or ok=false on a miss
	// or any backend error (errors are logged by the implementation, not
	// surfaced to the caller — cache_lookup treats a miss and an error
	// identically).
	Get(ctx context.Context, lastMessage string) (entry Entry, ok bool)
	// Set stores a response for lastMessage. Errors are logged and
	// swallowed by the implementation.
	Set(ctx context.Context, lastMessage string, entry Entry)
}

// FingerprintKey hashes the last message into a fixed-width cache key. Only
// the last message is used — the cache is intentionally coarse.
func FingerprintKey(lastMessage string) string {
	sum := sha256.Sum256([]byte(lastMessage))
	return "gw:cache:" + hex.EncodeToString(sum[:])
}

// NoopCache is a permanent-miss implementation used when REDIS_URL is unset.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (Entry, bool) { return Entry{}, false }
func (NoopCache) Set(context.Context, string, Entry)        {}

// RedisCache is the Redis-backed semantic cache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache builds a RedisCache around an existing redis.Client. ttl is the
// expiry applied to every Set; zero means entries never expire.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, lastMessage string) (Entry, bool) {
	raw, err := c.client.Get(ctx, FingerprintKey(lastMessage)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed, treating as miss", zap.Error(err))
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", zap.Error(err))
		return Entry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, lastMessage string, entry Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, FingerprintKey(lastMessage), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}

// New builds a SemanticCache from the REDIS_URL configuration: a RedisCache
// if url is non-empty, otherwise a permanent-miss NoopCache.
func New(url string, ttl time.Duration, logger *zap.Logger) (SemanticCache, error) {
	if url == "" {
		return NoopCache{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return NewRedisCache(client, ttl, logger), nil
}
