package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Options configures a Cache.
type Options struct {
	// MaxLocalEntries bounds the in-process tier. Zero means the default.
	MaxLocalEntries int
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration
	// DefaultMode is the codec applied to values. Zero value means json.
	DefaultMode Mode
	// SweepInterval between background expiry sweeps. Zero disables the
	// sweeper when Start is called.
	SweepInterval time.Duration
}

// Cache is the two-tier result cache. Reads hit the in-process LRU first
// and fall back to the shared store, promoting hits back into the local
// tier. Store failures are logged and degrade to a miss; they are never
// surfaced to callers.
type Cache struct {
	local  *memoryTier
	store  SharedStore
	logger *zap.Logger
	opts   Options

	flight singleflight.Group

	mu      sync.Mutex
	tags    map[string]map[string]bool // tag → set of keys
	keyTags map[string][]string        // key → tags, for index cleanup

	statsMu sync.Mutex
	hits    int64
	misses  int64
	sets    int64
	deletes int64
}

func New(store SharedStore, logger *zap.Logger, opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeJSON
	}
	return &Cache{
		local:   newMemoryTier(opts.MaxLocalEntries),
		store:   store,
		logger:  logger,
		opts:    opts,
		tags:    make(map[string]map[string]bool),
		keyTags: make(map[string][]string),
	}
}

// Get returns the decoded value for key, or ok=false on miss. Expired
// entries are never returned.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	if entry := c.local.Get(key); entry != nil {
		value, err := decode(entry.Mode, entry.Value)
		if err != nil {
			c.logger.Warn("cache decode failed, treating as miss",
				zap.String("key", key), zap.Error(err))
			c.local.Delete(key)
			c.recordMiss()
			return nil, false
		}
		c.recordHit()
		return value, true
	}

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if err != ErrStoreMiss {
			c.logger.Warn("shared store get failed, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		c.recordMiss()
		return nil, false
	}

	entry, err := unmarshalEnvelope(key, data)
	if err != nil {
		c.logger.Warn("corrupt store entry, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.recordMiss()
		return nil, false
	}
	if entry.expired(time.Now()) {
		c.recordMiss()
		return nil, false
	}

	value, err := decode(entry.Mode, entry.Value)
	if err != nil {
		c.logger.Warn("cache decode failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.recordMiss()
		return nil, false
	}

	// Promote to the local tier for subsequent reads.
	entry.AccessCount = 1
	entry.LastAccess = time.Now()
	c.local.Set(entry)

	c.recordHit()
	return value, true
}

// Set stores value under key with the given ttl and tags. A zero ttl uses
// the configured default. A shared-store write failure still leaves the
// local tier populated.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	return c.SetMode(ctx, key, value, ttl, c.opts.DefaultMode, tags...)
}

// SetMode is Set with an explicit codec mode for this entry.
func (c *Cache) SetMode(ctx context.Context, key string, value any, ttl time.Duration, mode Mode, tags ...string) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	payload, err := encode(mode, value)
	if err != nil {
		return err
	}

	now := time.Now()
	entry := &Entry{
		Key:        key,
		Value:      payload,
		Mode:       mode,
		Tags:       tags,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}

	c.local.Set(entry)
	c.indexTags(key, tags)
	c.recordSet()

	data, err := marshalEnvelope(entry)
	if err != nil {
		c.logger.Warn("envelope marshal failed, entry is local only",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("shared store set failed, entry is local only",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	c.unindexKey(key)
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("shared store delete failed",
			zap.String("key", key), zap.Error(err))
	}
	c.recordDelete()
}

// DeleteByTags removes every entry carrying any of the given tags and
// returns the count of deleted keys.
func (c *Cache) DeleteByTags(ctx context.Context, tags ...string) int {
	keySet := make(map[string]bool)
	c.mu.Lock()
	for _, tag := range tags {
		for key := range c.tags[tag] {
			keySet[key] = true
		}
	}
	c.mu.Unlock()

	for key := range keySet {
		c.Delete(ctx, key)
	}
	return len(keySet)
}

// GetOrSet returns the cached value for key, or runs compute and caches its
// result. Concurrent callers for the same key share a single compute via
// singleflight; losers receive the winner's value without recomputing.
func (c *Cache) GetOrSet(ctx context.Context, key string, compute func(ctx context.Context) (any, error), ttl time.Duration, tags ...string) (any, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	value, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// key between our miss and acquiring the flight slot.
		if value, ok := c.Get(ctx, key); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, value, ttl, tags...); err != nil {
			c.logger.Warn("caching computed value failed",
				zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})
	return value, err
}

// Optimize applies LRU pressure eviction on the local tier (see
// memoryTier.Optimize) and returns the number of evicted entries.
func (c *Cache) Optimize() int {
	return c.local.Optimize()
}

// Start runs the background expiry sweeper until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	if c.opts.SweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.local.SweepExpired(); removed > 0 {
					c.logger.Debug("cache sweep removed expired entries",
						zap.Int("removed", removed))
				}
			}
		}
	}()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Deletes:   c.deletes,
		Evictions: c.local.Evictions(),
		Entries:   c.local.Len(),
	}
}

func (c *Cache) indexTags(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyTags[key] = tags
	for _, tag := range tags {
		if c.tags[tag] == nil {
			c.tags[tag] = make(map[string]bool)
		}
		c.tags[tag][key] = true
	}
}

func (c *Cache) unindexKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range c.keyTags[key] {
		delete(c.tags[tag], key)
		if len(c.tags[tag]) == 0 {
			delete(c.tags, tag)
		}
	}
	delete(c.keyTags, key)
}

func (c *Cache) recordHit()    { c.statsMu.Lock(); c.hits++; c.statsMu.Unlock() }
func (c *Cache) recordMiss()   { c.statsMu.Lock(); c.misses++; c.statsMu.Unlock() }
func (c *Cache) recordSet()    { c.statsMu.Lock(); c.sets++; c.statsMu.Unlock() }
func (c *Cache) recordDelete() { c.statsMu.Lock(); c.deletes++; c.statsMu.Unlock() }
