package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a content-addressed response cache keyed by (model, normalized
// prompt). Identical prompts to the same model return the stored response
// without touching the runtime.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache creates a response cache with the given TTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// normalizePrompt collapses whitespace so formatting-only differences hit
// the same cache entry.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

func responseCacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + normalizePrompt(prompt)))
	return "llm:resp:" + hex.EncodeToString(sum[:])
}

// Get returns the cached response text, or "" on miss.
func (c *Cache) Get(ctx context.Context, model, prompt string) string {
	val, err := c.rdb.Get(ctx, responseCacheKey(model, prompt)).Result()
	if err != nil {
		return ""
	}
	return val
}

// Put stores a response. Failures are swallowed; the cache is best-effort.
func (c *Cache) Put(ctx context.Context, model, prompt, response string) {
	c.rdb.Set(ctx, responseCacheKey(model, prompt), response, c.ttl)
}
