package fieldsync

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultFetchTimeout = 30 * time.Second

// pruneEvery is how many stores pass between sweeps of unusable entries.
const pruneEvery = 64

// Fetcher loads the value for a cache key.
type Fetcher func(ctx context.Context) (any, error)

// ResponseCache is an in-memory stale-while-revalidate cache of fetch results.
//
// A fresh entry is served as is. A stale entry that is still within its TTL is
// served immediately while one background refresh runs. Anything else is
// fetched before returning. Concurrent fetches of one key share a single call.
type ResponseCache struct {
	defaults CacheConfig
	rules    []CacheRule
	nowFn    func() time.Time

	mu       sync.Mutex
	entries  map[string]CacheEntry
	inflight map[string]struct{}
	stores   int
	sf       singleflight.Group

	bgSem   chan struct{}
	wg      sync.WaitGroup
	failLog *rateLimitedLogger

	stats cacheCounters
}

// NewResponseCache builds a cache. rules pick per-key freshness when a call
// passes no CacheConfig; the first match wins. maxBackground bounds the
// number of concurrent background refreshes.
func NewResponseCache(defaults CacheConfig, rules []CacheRule, maxBackground int) *ResponseCache {
	if defaults.TTL <= 0 {
		defaults.TTL = 5 * time.Minute
	}
	if defaults.StaleTime <= 0 {
		defaults.StaleTime = time.Minute
	}
	if defaults.FetchTimeout <= 0 {
		defaults.FetchTimeout = defaultFetchTimeout
	}
	if maxBackground <= 0 {
		maxBackground = 32
	}
	return &ResponseCache{
		defaults: defaults,
		rules:    rules,
		nowFn:    time.Now,
		entries:  map[string]CacheEntry{},
		inflight: map[string]struct{}{},
		bgSem:    make(chan struct{}, maxBackground),
		failLog:  newRateLimitedLogger(time.Minute),
	}
}

// Close waits for background refreshes to finish.
func (c *ResponseCache) Close() {
	c.wg.Wait()
}

func (c *ResponseCache) configFor(key string, override *CacheConfig) CacheConfig {
	conf := c.defaults
	if override != nil {
		conf = mergeCacheConfig(conf, *override)
	} else {
		for i := range c.rules {
			if c.rules[i].Matches(key) {
				conf = mergeCacheConfig(conf, c.rules[i].config())
				break
			}
		}
	}
	return conf
}

func mergeCacheConfig(base, over CacheConfig) CacheConfig {
	if over.TTL > 0 {
		base.TTL = over.TTL
	}
	if over.StaleTime > 0 {
		base.StaleTime = over.StaleTime
	}
	if over.FetchTimeout > 0 {
		base.FetchTimeout = over.FetchTimeout
	}
	return base
}

// Get returns the value for key, calling fetch as the entry's freshness
// requires. Only a cold or expired key can surface a fetch error.
func (c *ResponseCache) Get(ctx context.Context, key string, fetch Fetcher, cfg *CacheConfig) (any, error) {
	conf := c.configFor(key, cfg)

	c.mu.Lock()
	_, busy := c.inflight[key]
	ent, ok := c.entries[key]
	c.mu.Unlock()

	if busy {
		c.stats.joined.Add(1)
		return c.await(ctx, key, fetch, conf)
	}

	now := c.nowFn()
	if ok && now.Before(ent.ExpiresAt) {
		c.stats.hits.Add(1)
		return ent.Data, nil
	}
	if ok && now.Before(ent.Timestamp.Add(conf.TTL)) {
		c.stats.staleHits.Add(1)
		c.refreshAsync(ctx, key, fetch, conf)
		return ent.Data, nil
	}

	c.stats.misses.Add(1)
	return c.await(ctx, key, fetch, conf)
}

// Fetch is Get with a typed fetcher and result.
func Fetch[T any](ctx context.Context, c *ResponseCache, key string, fetch func(ctx context.Context) (T, error), cfg *CacheConfig) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, func(ctx context.Context) (any, error) { return fetch(ctx) }, cfg)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: key %q holds %T, not %T", key, v, zero)
	}
	return out, nil
}

// Prefetch warms key. The result and any error are discarded.
func (c *ResponseCache) Prefetch(ctx context.Context, key string, fetch Fetcher, cfg *CacheConfig) {
	_, _ = c.Get(ctx, key, fetch, cfg)
}

func (c *ResponseCache) await(ctx context.Context, key string, fetch Fetcher, conf CacheConfig) (any, error) {
	// The shared call must outlive any single waiter, so it keeps the
	// caller's values but not its cancellation.
	base := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		return c.load(base, key, fetch, conf)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *ResponseCache) load(ctx context.Context, key string, fetch Fetcher, conf CacheConfig) (any, error) {
	c.markInflight(key)
	defer c.clearInflight(key)

	ctx, cancel := context.WithTimeout(ctx, conf.FetchTimeout)
	defer cancel()
	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := c.nowFn()
	c.mu.Lock()
	c.entries[key] = CacheEntry{
		Data:        v,
		Timestamp:   now,
		ExpiresAt:   now.Add(conf.StaleTime),
		usableUntil: now.Add(conf.TTL),
	}
	c.stores++
	if c.stores%pruneEvery == 0 {
		c.pruneLocked(now)
	}
	c.mu.Unlock()
	return v, nil
}

// Prune drops entries past their TTL and returns how many went. Such entries
// would be refetched on the next Get anyway.
func (c *ResponseCache) Prune() int {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(now)
}

func (c *ResponseCache) pruneLocked(now time.Time) int {
	n := 0
	for k, ent := range c.entries {
		if !now.Before(ent.usableUntil) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *ResponseCache) markInflight(key string) {
	c.mu.Lock()
	c.inflight[key] = struct{}{}
	c.mu.Unlock()
}

func (c *ResponseCache) clearInflight(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// refreshAsync revalidates key in the background. When too many refreshes are
// already running the refresh is dropped and the stale entry stays.
func (c *ResponseCache) refreshAsync(ctx context.Context, key string, fetch Fetcher, conf CacheConfig) {
	select {
	case c.bgSem <- struct{}{}:
	default:
		c.stats.refreshDropped.Add(1)
		return
	}
	// marked before the goroutine starts so a Get right after joins it
	c.markInflight(key)
	base := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.bgSem }()
		defer c.clearInflight(key)

		c.stats.refreshes.Add(1)
		res := <-c.sf.DoChan(key, func() (any, error) {
			return c.load(base, key, fetch, conf)
		})
		if res.Err != nil {
			c.stats.refreshFailures.Add(1)
			c.failLog.Printf(key, "cache: background refresh of %q failed: %v", key, res.Err)
		}
	}()
}

// Peek returns the entry for key without affecting freshness or counters.
func (c *ResponseCache) Peek(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	return ent, ok
}

func (c *ResponseCache) Keys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePattern removes every key matching re and returns how many went.
func (c *ResponseCache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if re.MatchString(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry. Used on logout.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	c.entries = map[string]CacheEntry{}
	c.mu.Unlock()
}

// Stats prunes unusable entries before counting keys.
func (c *ResponseCache) Stats() CacheStats {
	now := c.nowFn()
	c.mu.Lock()
	c.pruneLocked(now)
	n := len(c.entries)
	c.mu.Unlock()
	return c.stats.snapshot(n)
}
