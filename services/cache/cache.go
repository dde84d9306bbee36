// Package cache keeps the latest normalized quote or bar series per
// (symbol, kind) with per-kind TTLs.
//
// Entries are spread over independently locked shards so that a hot symbol
// never serializes access to the others. Reads never touch the network.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/models"
)

// Key identifies one cached value.
type Key struct {
	Symbol string
	Kind   string
}

// QuoteKey is the cache key of symbol's latest quote.
func QuoteKey(symbol string) Key { return Key{Symbol: symbol, Kind: models.KindQuote} }

// BarsKey is the cache key of symbol's bar series over w.
func BarsKey(symbol string, w models.Window) Key { return Key{Symbol: symbol, Kind: w.Kind()} }

func (k Key) String() string { return k.Symbol + ":" + k.Kind }

// Entry is a cached value with the time it was written and its lifetime.
type Entry struct {
	Value     models.Snapshot
	CreatedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is still authoritative at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// Config holds the per-kind TTLs and how long expired entries stay readable.
type Config struct {
	Shards   int           `mapstructure:"shards"`
	QuoteTTL time.Duration `mapstructure:"quote_ttl"`
	BarsTTL  time.Duration `mapstructure:"bars_ttl"`
	// How long expired entries stay readable for degraded responses.
	StaleGrace time.Duration `mapstructure:"stale_grace"`
}

// DefaultConfig returns the TTLs used when none are configured.
func DefaultConfig() Config {
	return Config{
		Shards:     32,
		QuoteTTL:   300 * time.Second,
		BarsTTL:    3600 * time.Second,
		StaleGrace: 24 * time.Hour,
	}
}

// TTLFor returns the configured lifetime for a data kind.
func (c Config) TTLFor(kind string) time.Duration {
	if strings.HasPrefix(kind, models.KindBars) {
		return c.BarsTTL
	}
	return c.QuoteTTL
}

type shard struct {
	mu    sync.RWMutex
	items map[Key]Entry
}

// Cache is a sharded in-memory TTL cache with an optional write-behind mirror.
type Cache struct {
	cfg     Config
	shards  []*shard
	now     func() time.Time
	mirror  Mirror
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMirror mirrors every write and invalidation to m.
func WithMirror(m Mirror) Option { return func(c *Cache) { c.mirror = m } }

// WithMetrics records lookups and size on m.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates a cache. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = def.QuoteTTL
	}
	if cfg.BarsTTL <= 0 {
		cfg.BarsTTL = def.BarsTTL
	}
	if cfg.StaleGrace < 0 {
		cfg.StaleGrace = 0
	}

	c := &Cache{cfg: cfg, now: time.Now, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[Key]Entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Component("cache")
	}
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

func (c *Cache) shardFor(k Key) *shard {
	h := xxhash.Sum64String(k.String())
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns the value for key while it is fresh. Expired entries are absent.
func (c *Cache) Get(key Key) (models.Snapshot, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		c.metrics.CacheLookup(key.Kind, "miss")
		return nil, false
	}
	if !e.Fresh(c.now()) {
		c.metrics.CacheLookup(key.Kind, "expired")
		return nil, false
	}
	c.metrics.CacheLookup(key.Kind, "hit")
	return e.Value, true
}

// GetStale returns the entry whatever its age, for degraded responses.
func (c *Cache) GetStale(key Key) (Entry, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if ok {
		c.metrics.CacheLookup(key.Kind, "stale")
	}
	return e, ok
}

// Put stores v under key with the given ttl (the kind's default when zero).
// Last write wins by the value's own timestamp: a value older than the one
// held is rejected and Put returns false.
func (c *Cache) Put(key Key, v models.Snapshot, ttl time.Duration) bool {
	if v == nil {
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.TTLFor(key.Kind)
	}
	e := Entry{Value: v, CreatedAt: c.now(), TTL: ttl}
	if !c.store(key, e) {
		c.logger.Debug("older value rejected", slog.String("key", key.String()),
			slog.Time("as_of", v.AsOf()))
		return false
	}
	if c.mirror != nil {
		c.mirror.Store(key, e)
	}
	return true
}

func (c *Cache) store(key Key, e Entry) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok && cur.Value.AsOf().After(e.Value.AsOf()) {
		return false
	}
	s.items[key] = e
	return true
}

// Invalidate removes key from the cache and the mirror.
func (c *Cache) Invalidate(key Key) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	if c.mirror != nil {
		c.mirror.Delete(key)
	}
}

// Sweep evicts entries that expired more than the stale grace ago and
// returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if now.Sub(e.CreatedAt) >= e.TTL+c.cfg.StaleGrace {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.metrics.SetCacheEntries(c.Len())
	return removed
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Warm loads keys from the mirror, keeping their original write time so
// that restored entries expire when they would have anyway.
func (c *Cache) Warm(ctx context.Context, keys []Key) int {
	if c.mirror == nil {
		return 0
	}
	loaded := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		e, ok, err := c.mirror.Load(ctx, k)
		if err != nil {
			c.logger.Warn("warm load failed", slog.String("key", k.String()), slog.Any("error", err))
			continue
		}
		if !ok || c.now().Sub(e.CreatedAt) >= e.TTL+c.cfg.StaleGrace {
			continue
		}
		if c.store(k, e) {
			loaded++
		}
	}
	c.metrics.SetCacheEntries(c.Len())
	return loaded
}
