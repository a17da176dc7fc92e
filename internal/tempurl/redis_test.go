package tempurl

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/crypto"
	"github.com/content-service/content-service/internal/storage"
)

// newRedisCache connects to TEST_REDIS_ADDR under a unique key prefix, or skips
func newRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	return newRedisCacheWith(t, config.RedisConfig{})
}

func newRedisCacheWith(t *testing.T, cfg config.RedisConfig) *RedisCache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	cfg.Addr = addr
	cfg.KeyPrefix = "tempurl-test-" + uuid.NewString()
	rc, err := NewRedisCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rc.Clear(context.Background())
		_ = rc.Close()
	})
	return rc
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache(config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewRedisCache_BadEncryptionKey(t *testing.T) {
	_, err := NewRedisCache(config.RedisConfig{Addr: "127.0.0.1:1", EncryptionKey: "not base64!"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption")
}

func TestRedisCache_EncryptedAtRest(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	rc := newRedisCacheWith(t, config.RedisConfig{EncryptionKey: key})
	ctx := context.Background()

	e := &Entry{
		CacheKey:  CacheKey(storage.ProviderAliyun, "test/private/report.pdf", time.Hour),
		FileKey:   "test/private/report.pdf",
		Provider:  storage.ProviderAliyun,
		URL:       "https://content.oss-cn-hangzhou.aliyuncs.com/test/private/report.pdf?Signature=secret",
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		ExpiresIn: time.Hour,
		StaleAt:   time.Now().Add(55 * time.Minute).UTC().Truncate(time.Second),
	}
	require.NoError(t, rc.Set(ctx, e, time.Minute))

	raw, err := rc.Client().Get(ctx, rc.key(e.CacheKey)).Bytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Signature=secret")

	got, ok, err := rc.Get(ctx, e.CacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.URL, got.URL)

	// a value moved under another cache key fails authentication
	other := CacheKey(storage.ProviderAliyun, "test/private/other.pdf", time.Hour)
	require.NoError(t, rc.Client().Set(ctx, rc.key(other), raw, time.Minute).Err())
	_, _, err = rc.Get(ctx, other)
	assert.Error(t, err)
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, globEscape(`a*b?c[d]e\f`))
	assert.Equal(t, "test/public/a.png", globEscape("test/public/a.png"))
}

func TestRedisCache_RoundTrip(t *testing.T) {
	rc := newRedisCache(t)
	ctx := context.Background()

	e := &Entry{
		CacheKey:  CacheKey(storage.ProviderMinio, "test/public/a*.png", time.Hour),
		FileKey:   "test/public/a*.png",
		Provider:  storage.ProviderMinio,
		URL:       "https://minio.local/content/test/public/a%2A.png?X-Amz-Signature=abc",
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		ExpiresIn: time.Hour,
		StaleAt:   time.Now().Add(55 * time.Minute).UTC().Truncate(time.Second),
	}
	require.NoError(t, rc.Set(ctx, e, time.Minute))

	got, ok, err := rc.Get(ctx, e.CacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.URL, got.URL)
	assert.True(t, e.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, rc.Delete(ctx, "test/public/a*.png", storage.ProviderAliyun))
	_, ok, err = rc.Get(ctx, e.CacheKey)
	require.NoError(t, err)
	assert.True(t, ok, "delete scoped to another provider must not remove the entry")

	require.NoError(t, rc.Delete(ctx, "test/public/a*.png", ""))
	_, ok, err = rc.Get(ctx, e.CacheKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_DeleteProvider(t *testing.T) {
	rc := newRedisCache(t)
	ctx := context.Background()

	for _, p := range []storage.Provider{storage.ProviderMinio, storage.ProviderAliyun} {
		e := &Entry{CacheKey: CacheKey(p, "test/public/a.png", time.Hour), FileKey: "test/public/a.png", Provider: p, URL: "https://" + string(p)}
		require.NoError(t, rc.Set(ctx, e, time.Minute))
	}

	require.NoError(t, rc.DeleteProvider(ctx, storage.ProviderMinio))
	_, ok, err := rc.Get(ctx, CacheKey(storage.ProviderMinio, "test/public/a.png", time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = rc.Get(ctx, CacheKey(storage.ProviderAliyun, "test/public/a.png", time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_SharedTierServesOtherReplicas(t *testing.T) {
	rc := newRedisCache(t)
	ctx := context.Background()

	a, svcA, _ := newFixture(t, config.TempURLConfig{}, docKey)
	a.shared = rc
	first, err := a.GenerateTemporaryURL(ctx, docKey, Options{ExpiresIn: time.Hour})
	require.NoError(t, err)

	// a second replica with an empty process cache
	b, svcB, _ := newFixture(t, config.TempURLConfig{}, docKey)
	b.shared = rc
	second, err := b.GenerateTemporaryURL(ctx, docKey, Options{ExpiresIn: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), svcA.signs.Load())
	assert.Equal(t, int32(0), svcB.signs.Load())
	assert.Equal(t, int64(1), b.Stats().SharedHits)

	b.ClearAllCache(ctx)
	_, ok, err := rc.Get(ctx, CacheKey(storage.ProviderMemory, docKey, time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
