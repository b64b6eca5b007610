package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	languageFeedPrefix = "lang_feed:"
	jobLockPrefix      = "job_lock:"
)

// unlockScript deletes the lock only if it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still holds the caller's token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Cache wraps the Redis client used for language feed ids and job locks
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis at addr. ttl bounds how long a cached language
// feed id lives; zero keeps entries until invalidated.
func NewCache(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)

	return NewCacheWithClient(client, ttl), nil
}

func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func LanguageFeedKey(code string) string {
	return languageFeedPrefix + code
}

func JobLockKey(name string) string {
	return jobLockPrefix + name
}

// GetLanguageFeedID reports a miss as ("", false, nil).
func (c *Cache) GetLanguageFeedID(ctx context.Context, code string) (string, bool, error) {
	val, err := c.client.Get(ctx, LanguageFeedKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get language feed id %s: %w", code, err)
	}
	return val, true, nil
}

func (c *Cache) SetLanguageFeedID(ctx context.Context, code, feedID string) error {
	if err := c.client.Set(ctx, LanguageFeedKey(code), feedID, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set language feed id %s: %w", code, err)
	}
	return nil
}

func (c *Cache) DeleteLanguageFeedID(ctx context.Context, code string) error {
	if err := c.client.Del(ctx, LanguageFeedKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete language feed id %s: %w", code, err)
	}
	return nil
}

// Lock takes the named job lock for ttl. It returns the token needed to
// release it, or ok=false if another holder has it.
func (c *Cache) Lock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, JobLockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *Cache) Unlock(ctx context.Context, name, token string) error {
	if err := unlockScript.Run(ctx, c.client, []string{JobLockKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// Refresh extends the named lock to ttl. It reports false when token no
// longer holds the lock.
func (c *Cache) Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, c.client, []string{JobLockKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Health returns cache health information
func (c *Cache) Health(ctx context.Context) map[string]any {
	health := map[string]any{
		"status": "healthy",
		"type":   "redis",
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}

	if size, err := c.client.DBSize(ctx).Result(); err == nil {
		health["key_count"] = size
	}

	return health
}

func (c *Cache) Close() error {
	return c.client.Close()
}
