package tempurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/crypto"
	"github.com/content-service/content-service/internal/storage"
)

// SharedCache is a second cache tier shared between replicas. A miss in the
// process cache consults it before asking the provider to sign.
type SharedCache interface {
	Get(ctx context.Context, cacheKey string) (*Entry, bool, error)
	Set(ctx context.Context, e *Entry, ttl time.Duration) error
	// Delete removes every entry for fileKey, limited to provider when set
	Delete(ctx context.Context, fileKey string, provider storage.Provider) error
	// DeleteProvider removes every entry signed by provider
	DeleteProvider(ctx context.Context, provider storage.Provider) error
	Clear(ctx context.Context) error
	Close() error
}

// RedisCache implements SharedCache on go-redis. Values are JSON entries that
// expire on their own through the key TTL. With an encryption key configured
// each value is sealed, bound to its cache key.
type RedisCache struct {
	client *redis.Client
	prefix string
	cipher *crypto.Cipher
}

// NewRedisCache connects to Redis and verifies the connection with a PING
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	c, err := crypto.FromConfig(cfg.EncryptionKey, cfg.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("redis cache encryption: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tempurl"
	}
	return &RedisCache{client: client, prefix: prefix, cipher: c}, nil
}

// Client exposes the connection so other components, such as the rate
// limiter, can share it
func (r *RedisCache) Client() *redis.Client { return r.client }

func (r *RedisCache) key(cacheKey string) string {
	return r.prefix + ":" + cacheKey
}

// Get returns the entry stored under cacheKey
func (r *RedisCache) Get(ctx context.Context, cacheKey string) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(cacheKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if r.cipher != nil {
		if data, err = r.cipher.Open(data, []byte(cacheKey)); err != nil {
			return nil, false, fmt.Errorf("open cached entry: %w", err)
		}
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode cached entry: %w", err)
	}
	return &e, true, nil
}

// Set stores e for ttl
func (r *RedisCache) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if r.cipher != nil {
		if data, err = r.cipher.Seal(data, []byte(e.CacheKey)); err != nil {
			return err
		}
	}
	return r.client.Set(ctx, r.key(e.CacheKey), data, ttl).Err()
}

// Delete removes the entries of fileKey across every expiry
func (r *RedisCache) Delete(ctx context.Context, fileKey string, provider storage.Provider) error {
	p := "*"
	if provider != "" {
		p = globEscape(string(provider))
	}
	return r.deleteMatching(ctx, globEscape(r.prefix)+":"+p+":"+globEscape(fileKey)+":*")
}

// DeleteProvider removes every entry signed by provider
func (r *RedisCache) DeleteProvider(ctx context.Context, provider storage.Provider) error {
	return r.deleteMatching(ctx, globEscape(r.prefix)+":"+globEscape(string(provider))+":*")
}

// Clear removes every entry under the key prefix
func (r *RedisCache) Clear(ctx context.Context) error {
	return r.deleteMatching(ctx, globEscape(r.prefix)+":*")
}

func (r *RedisCache) deleteMatching(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close closes the Redis client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// globEscape quotes Redis MATCH metacharacters
func globEscape(s string) string {
	return globReplacer.Replace(s)
}
