// Package cache implements the content-addressed result cache: per-tool
// TTL + LRU with in-flight coalescing so that a cold cache hit by
// thousands of identical SQL-row dispatches produces exactly one
// underlying build. hashicorp/golang-lru backs the in-process index; an
// optional Redis client backs a distributed tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// KeyStrategy is the closed enum of fingerprint strategies.
type KeyStrategy string

const (
	KeyArgsHash KeyStrategy = "args_hash"
	KeyQuery    KeyStrategy = "query"
	KeySQLHash  KeyStrategy = "sql_hash"
	KeyCustom   KeyStrategy = "custom"
)

// Policy configures caching for one tool.
type Policy struct {
	Strategy     KeyStrategy
	NamedArg     string // argument name for "query"/"sql_hash" strategies
	CustomKeyFn  func(args map[string]any) (string, error)
	TTL          time.Duration
	InvalidateOn []string // event names that clear matching entries
}

// Entry is one cache value with its bookkeeping.
type Entry struct {
	Result   any
	StoredAt time.Time
	HitCount int64
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// inflight tracks one build in progress for coalescing.
type inflight struct {
	wg     sync.WaitGroup
	result any
	err    error
}

// Cache is the process-wide result cache singleton.
type Cache struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, *Entry]
	inflights map[string]*inflight
	policies  map[string]Policy // policy by tool name, for invalidate(event)

	redis *redis.Client // optional distributed backend

	stats Stats
}

// New constructs a Cache with the given max in-process entry count.
// An optional redis.Client backs a distributed tier; nil disables it.
func New(maxEntries int, rdb *redis.Client) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	l, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: new lru: %w", err)
	}
	return &Cache{
		lru:       l,
		inflights: make(map[string]*inflight),
		policies:  make(map[string]Policy),
		redis:     rdb,
	}, nil
}

// RegisterPolicy associates a tool name with its cache policy, enabling
// Invalidate(eventName) to find matching entries.
func (c *Cache) RegisterPolicy(tool string, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[tool] = p
}

// Key builds the fingerprint for (tool, args) per the tool's policy.
func Key(tool string, args map[string]any, p Policy) (string, error) {
	switch p.Strategy {
	case KeyQuery, KeySQLHash:
		v, ok := args[p.NamedArg]
		if !ok {
			return "", fmt.Errorf("cache: key strategy %s: missing arg %q", p.Strategy, p.NamedArg)
		}
		return hashString(tool, fmt.Sprintf("%v", v)), nil
	case KeyCustom:
		if p.CustomKeyFn == nil {
			return "", fmt.Errorf("cache: key strategy custom: no key function configured")
		}
		k, err := p.CustomKeyFn(args)
		if err != nil {
			return "", err
		}
		return hashString(tool, k), nil
	default: // args_hash
		buf, err := stableJSON(args)
		if err != nil {
			return "", fmt.Errorf("cache: args_hash: %w", err)
		}
		return hashString(tool, string(buf)), nil
	}
}

func hashString(tool, s string) string {
	h := sha256.Sum256([]byte(tool + "\x00" + s))
	return hex.EncodeToString(h[:])
}

// stableJSON serializes args with sorted map keys so identical arg sets
// always hash the same regardless of map iteration order.
func stableJSON(args map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = args[k]
	}
	return json.Marshal(ordered)
}

// Get looks up a cached value, treating an expired entry as a miss and
// evicting it.
func (c *Cache) Get(key string, ttl time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if ttl > 0 && time.Since(e.StoredAt) > ttl {
		c.lru.Remove(key)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}
	e.HitCount++
	c.stats.Hits++
	return e.Result, true
}

// Set stores a value, evicting the LRU tail if the cache is over capacity
// (golang-lru handles the eviction internally; we just track the stat).
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.lru.Add(key, &Entry{Result: value, StoredAt: time.Now()})
	if evicted {
		c.stats.Evictions++
	}
}

// Invalidate removes every entry whose tool policy lists eventName. Since entries are keyed by hash, not by
// tool, invalidation is coarse: it clears the whole cache when any
// registered policy matches, which is the only correct behavior without
// storing a reverse tool index per key.
func (c *Cache) Invalidate(eventName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.policies {
		for _, ev := range p.InvalidateOn {
			if ev == eventName {
				c.lru.Purge()
				return
			}
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// StatsSnapshot returns current counters.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

// GetOrBuild implements in-flight coalescing: the first caller for a
// cold key runs build; concurrent callers for the same key await its
// result instead of running build themselves.
func (c *Cache) GetOrBuild(ctx context.Context, key string, ttl time.Duration, build func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key, ttl); ok {
		return v, nil
	}
	if v, ok := c.DistributedGet(ctx, key); ok {
		c.Set(key, v)
		return v, nil
	}

	c.mu.Lock()
	if fl, ok := c.inflights[key]; ok {
		c.mu.Unlock()
		fl.wg.Wait()
		return fl.result, fl.err
	}
	fl := &inflight{}
	fl.wg.Add(1)
	c.inflights[key] = fl
	c.mu.Unlock()

	result, err := build(ctx)
	fl.result, fl.err = result, err
	fl.wg.Done()

	c.mu.Lock()
	delete(c.inflights, key)
	c.mu.Unlock()

	if err == nil {
		c.Set(key, result)
		// the distributed tier is best-effort; the local entry stands
		_ = c.DistributedSet(ctx, key, result, ttl)
	}
	return result, err
}
