package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"marketfeed/logger"
	"marketfeed/models"
)

// Mirror receives cache writes for out-of-process persistence. Store and
// Delete must not block the caller.
type Mirror interface {
	Store(key Key, e Entry)
	Delete(key Key)
	Load(ctx context.Context, key Key) (Entry, bool, error)
}

type mirrorOp struct {
	key   Key
	entry Entry
	del   bool
}

// RedisMirror writes cache entries to Redis from a single background loop.
// When its queue is full new writes are dropped: the in-memory cache stays
// authoritative and the mirror only shortens cold starts.
type RedisMirror struct {
	rdb     *redis.Client
	prefix  string
	grace   time.Duration
	ops     chan mirrorOp
	dropped atomic.Int64
	logger  *slog.Logger
}

// MirrorOptions configures a RedisMirror.
type MirrorOptions struct {
	Prefix    string
	QueueSize int
	// Added to each entry's TTL for the Redis expiry.
	Grace  time.Duration
	Logger *slog.Logger
}

// NewRedisMirror creates a mirror writing through rdb. Call Run to start the writer.
func NewRedisMirror(rdb *redis.Client, opts MirrorOptions) *RedisMirror {
	if opts.Prefix == "" {
		opts.Prefix = "marketfeed:cache"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("cache_mirror")
	}
	return &RedisMirror{
		rdb:    rdb,
		prefix: opts.Prefix,
		grace:  opts.Grace,
		ops:    make(chan mirrorOp, opts.QueueSize),
		logger: opts.Logger,
	}
}

func (m *RedisMirror) redisKey(k Key) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, k.Symbol, k.Kind)
}

// Store queues e for writing. It never blocks; a full queue drops the write.
func (m *RedisMirror) Store(key Key, e Entry) { m.enqueue(mirrorOp{key: key, entry: e}) }

// Delete queues removal of key.
func (m *RedisMirror) Delete(key Key) { m.enqueue(mirrorOp{key: key, del: true}) }

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		if n := m.dropped.Add(1); n%100 == 1 {
			m.logger.Warn("mirror queue full, dropping writes", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (m *RedisMirror) Dropped() int64 { return m.dropped.Load() }

// Run applies queued writes until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-m.ops:
			if err := m.apply(ctx, op); err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror write failed", slog.String("key", op.key.String()), slog.Any("error", err))
			}
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, op mirrorOp) error {
	key := m.redisKey(op.key)
	if op.del {
		return m.rdb.Del(ctx, key).Err()
	}
	doc, err := encodeEntry(op.key, op.entry)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, key, doc, op.entry.TTL+m.grace).Err()
}

// Load reads one entry back from Redis.
func (m *RedisMirror) Load(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := m.rdb.Get(ctx, m.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

type mirrorDoc struct {
	CreatedAt time.Time         `json:"created_at"`
	TTL       int64             `json:"ttl_ms"`
	Quote     *models.Quote     `json:"quote,omitempty"`
	Bars      *models.BarSeries `json:"bars,omitempty"`
}

func encodeEntry(key Key, e Entry) ([]byte, error) {
	doc := mirrorDoc{CreatedAt: e.CreatedAt, TTL: e.TTL.Milliseconds()}
	switch v := e.Value.(type) {
	case *models.Quote:
		doc.Quote = v
	case *models.BarSeries:
		doc.Bars = v
	default:
		return nil, fmt.Errorf("cannot mirror %T for %s", e.Value, key)
	}
	return sonic.Marshal(doc)
}

func decodeEntry(key Key, raw []byte) (Entry, error) {
	var doc mirrorDoc
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	e := Entry{CreatedAt: doc.CreatedAt, TTL: time.Duration(doc.TTL) * time.Millisecond}
	switch {
	case strings.HasPrefix(key.Kind, models.KindBars) && doc.Bars != nil:
		e.Value = doc.Bars
	case key.Kind == models.KindQuote && doc.Quote != nil:
		e.Value = doc.Quote
	default:
		return Entry{}, fmt.Errorf("decode %s: no value of kind %s", key, key.Kind)
	}
	return e, nil
}
