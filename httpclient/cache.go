package httpclient

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type CacheKey = string

// KeyFunc maps an endpoint to its cache key.
type KeyFunc func(endpoint string) CacheKey

// PathKey drops the query string and fragment, so requests differing only
// in their query parameters share one entry.
func PathKey(endpoint string) CacheKey {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

// CanonicalQueryKey keeps the query string with its parameters sorted.
func CanonicalQueryKey(endpoint string) CacheKey {
	path := PathKey(endpoint)
	i := strings.IndexByte(endpoint, '?')
	if i < 0 {
		return path
	}
	raw := endpoint[i+1:]
	if j := strings.IndexByte(raw, '#'); j >= 0 {
		raw = raw[:j]
	}
	q, err := url.ParseQuery(raw)
	if err != nil || len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func isAbsolute(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

// relativePath returns the path of endpoint as seen from baseURL. An
// absolute URL under baseURL loses that prefix, any other absolute URL is
// reduced to its URL path.
func relativePath(baseURL, endpoint string) string {
	path := PathKey(endpoint)
	if !isAbsolute(path) {
		return path
	}
	if baseURL != "" && strings.HasPrefix(path, baseURL) {
		rest := path[len(baseURL):]
		if rest == "" {
			return "/"
		}
		if rest[0] == '/' {
			return rest
		}
	}
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	return u.Path
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type CacheConfig struct {
	// DefaultTTL applies to ordinary endpoints, twice that to endpoints
	// matching LongCacheEndpoints. Absolute endpoints under BaseURL are
	// matched by their path below it.
	DefaultTTL         time.Duration
	LongCacheEndpoints []string
	BaseURL            string
	KeyFunc            KeyFunc
	Now                func() time.Time
	Logger             *zap.Logger
	Metrics            *Metrics
}

// Cache stores successful GET responses with a TTL and tracks the GETs that
// are currently in flight.
type Cache struct {
	store EntryStore
	cfg   CacheConfig

	mu       sync.Mutex
	inflight map[CacheKey]*Call
	// gens counts invalidations per path; a GET registered before the
	// latest one must not write its response back.
	gens map[CacheKey]uint64
}

func NewCache(store EntryStore, cfg CacheConfig) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = PathKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCacheTTL
	}
	return &Cache{
		store:    store,
		cfg:      cfg,
		inflight: make(map[CacheKey]*Call),
		gens:     make(map[CacheKey]uint64),
	}
}

func (c *Cache) Key(endpoint string) CacheKey {
	return c.cfg.KeyFunc(endpoint)
}

// Get returns the cached response for endpoint. A stale entry is evicted and
// reported as a miss. Store failures are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, endpoint string) (*Response, bool) {
	resp, ok := c.lookup(ctx, endpoint)
	if ok {
		c.cfg.Metrics.CacheHits.Inc()
	} else {
		c.cfg.Metrics.CacheMisses.Inc()
	}
	return resp, ok
}

func (c *Cache) lookup(ctx context.Context, endpoint string) (*Response, bool) {
	key := c.Key(endpoint)
	e, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.cfg.Logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if e.Expired(c.cfg.Now()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.cfg.Logger.Warn("evicting stale entry failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return e.Response, true
}

// Set stores resp for endpoint. A ttl <= 0 selects the endpoint's default.
func (c *Cache) Set(ctx context.Context, endpoint string, resp *Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.TTLFor(endpoint)
	}
	return c.store.Set(ctx, &CacheEntry{
		Key:       c.Key(endpoint),
		Response:  resp,
		Timestamp: c.cfg.Now(),
		TTL:       ttl,
	})
}

// TTLFor returns the TTL used when none is given for endpoint.
func (c *Cache) TTLFor(endpoint string) time.Duration {
	if matchesPrefix(relativePath(c.cfg.BaseURL, endpoint), c.cfg.LongCacheEndpoints) {
		return 2 * c.cfg.DefaultTTL
	}
	return c.cfg.DefaultTTL
}

// ClearEndpoint removes the entry for endpoint and, when keys carry query
// strings, every other query variant of the same path.
// GETs in flight for the path at that moment will not write their
// responses back.
func (c *Cache) ClearEndpoint(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	c.gens[PathKey(endpoint)]++
	c.mu.Unlock()

	if err := c.store.Delete(ctx, c.Key(endpoint)); err != nil {
		return err
	}
	return c.store.DeletePath(ctx, PathKey(endpoint))
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// InFlight returns the pending call for endpoint, if any.
func (c *Cache) InFlight(endpoint string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.inflight[c.Key(endpoint)]
	return call, ok
}

// TryRegister returns the pending call for endpoint with ok set, or
// registers a new one. A registered call removes itself once resolved.
func (c *Cache) TryRegister(endpoint string) (call *Call, ok bool) {
	key := c.Key(endpoint)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.inflight[key]; ok {
		return existing.join(), true
	}
	call = newCall(key, nil)
	call.gen = c.gens[PathKey(endpoint)]
	call.onSettle = func() {
		c.removeInFlight(key, call)
	}
	c.inflight[key] = call
	return call, false
}

func (c *Cache) generation(endpoint string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[PathKey(endpoint)]
}

// Store writes the response of call back for endpoint unless the endpoint
// was cleared since call was registered. It reports whether the response
// was kept.
func (c *Cache) Store(ctx context.Context, endpoint string, call *Call, resp *Response) (bool, error) {
	if c.generation(endpoint) != call.gen {
		return false, nil
	}
	if err := c.Set(ctx, endpoint, resp, 0); err != nil {
		return false, err
	}
	// a clear that raced the write above
	if c.generation(endpoint) != call.gen {
		return false, c.store.Delete(ctx, c.Key(endpoint))
	}
	return true, nil
}

func (c *Cache) removeInFlight(key CacheKey, call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] == call {
		delete(c.inflight, key)
	}
}

// InFlightLen returns the number of pending calls.
func (c *Cache) InFlightLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
