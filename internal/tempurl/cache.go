package tempurl

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/telemetry"
)

// Entry is one cached signed URL
type Entry struct {
	CacheKey  string           `json:"cacheKey"`
	FileKey   string           `json:"fileKey"`
	Provider  storage.Provider `json:"provider"`
	URL       string           `json:"url"`
	ExpiresAt time.Time        `json:"expiresAt"`
	ExpiresIn time.Duration    `json:"expiresIn"`
	// StaleAt is when the entry stops being served, ahead of ExpiresAt by the safety buffer
	StaleAt time.Time `json:"staleAt"`
}

// CacheKey builds the composite provider:fileKey:expiresInSeconds key
func CacheKey(provider storage.Provider, fileKey string, expiresIn time.Duration) string {
	return string(provider) + ":" + fileKey + ":" + strconv.FormatInt(int64(expiresIn/time.Second), 10)
}

// cache is an LRU of entries with secondary indexes by file key and provider.
// Expiry is checked on read; nothing sweeps in the background.
type cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *Entry]
	byFileKey  map[string]map[string]struct{}
	byProvider map[storage.Provider]map[string]struct{}
}

func newCache(size int) *cache {
	c := &cache{
		byFileKey:  map[string]map[string]struct{}{},
		byProvider: map[storage.Provider]map[string]struct{}{},
	}
	// NewLRU only fails for a non-positive size, which callers never pass
	c.lru, _ = simplelru.NewLRU[string, *Entry](size, c.unindex)
	return c
}

// unindex runs under mu for every eviction, removal and purge
func (c *cache) unindex(key string, e *Entry) {
	if set := c.byFileKey[e.FileKey]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byFileKey, e.FileKey)
		}
	}
	if set := c.byProvider[e.Provider]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byProvider, e.Provider)
		}
	}
}

func (c *cache) get(key string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !now.Before(e.StaleAt) {
		c.lru.Remove(key)
		telemetry.TempURLCacheEntries.Set(float64(c.lru.Len()))
		return nil, false
	}
	return e, true
}

func (c *cache) add(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(e.CacheKey, e)
	if c.byFileKey[e.FileKey] == nil {
		c.byFileKey[e.FileKey] = map[string]struct{}{}
	}
	c.byFileKey[e.FileKey][e.CacheKey] = struct{}{}
	if c.byProvider[e.Provider] == nil {
		c.byProvider[e.Provider] = map[string]struct{}{}
	}
	c.byProvider[e.Provider][e.CacheKey] = struct{}{}
	telemetry.TempURLCacheEntries.Set(float64(c.lru.Len()))
}

// removeFileKey drops every entry for fileKey, limited to provider when set
func (c *cache) removeFileKey(fileKey string, provider storage.Provider) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.byFileKey[fileKey] {
		if provider == "" || strings.HasPrefix(k, string(provider)+":") {
			keys = append(keys, k)
		}
	}
	return c.removeLocked(keys)
}

func (c *cache) removeProvider(provider storage.Provider) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.byProvider[provider]))
	for k := range c.byProvider[provider] {
		keys = append(keys, k)
	}
	return c.removeLocked(keys)
}

func (c *cache) removeLocked(keys []string) int {
	n := 0
	for _, k := range keys {
		if c.lru.Remove(k) {
			n++
		}
	}
	telemetry.TempURLCacheEntries.Set(float64(c.lru.Len()))
	return n
}

func (c *cache) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lru.Len()
	c.lru.Purge()
	telemetry.TempURLCacheEntries.Set(0)
	return n
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
