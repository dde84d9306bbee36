package cache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)

func newTestCache(cfg Config, opts ...Option) (*Cache, *clock) {
	clk := &clock{now: t0}
	opts = append([]Option{WithClock(clk.Now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(cfg, opts...), clk
}

func quoteAt(symbol string, price float64, ts time.Time) *models.Quote {
	return &models.Quote{Symbol: symbol, CurrentPrice: price, PreviousClose: price, Source: "test", Timestamp: ts}
}

func TestPutGetWithinTTL(t *testing.T) {
	c, clk := newTestCache(Config{QuoteTTL: time.Minute})
	k := QuoteKey("AAPL")
	q := quoteAt("AAPL", 190.5, t0)

	require.True(t, c.Put(k, q, 0))
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Same(t, q, got)

	clk.Advance(59 * time.Second)
	_, ok = c.Get(k)
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get(k)
	assert.False(t, ok, "expired entries are absent")

	e, ok := c.GetStale(k)
	require.True(t, ok)
	assert.Same(t, q, e.Value)
	assert.Equal(t, t0, e.CreatedAt)
}

func TestTTLPerKind(t *testing.T) {
	cfg := Config{QuoteTTL: 10 * time.Second, BarsTTL: time.Hour}
	assert.Equal(t, 10*time.Second, cfg.TTLFor(models.KindQuote))
	assert.Equal(t, time.Hour, cfg.TTLFor(models.DefaultWindow.Kind()))

	c, clk := newTestCache(cfg)
	bars := &models.BarSeries{Symbol: "AAPL", RetrievedAt: t0}
	c.Put(BarsKey("AAPL", models.DefaultWindow), bars, 0)
	c.Put(QuoteKey("AAPL"), quoteAt("AAPL", 1, t0), 0)

	clk.Advance(time.Minute)
	_, ok := c.Get(QuoteKey("AAPL"))
	assert.False(t, ok)
	_, ok = c.Get(BarsKey("AAPL", models.DefaultWindow))
	assert.True(t, ok)
}

func TestLastWriteWinsByValueTimestamp(t *testing.T) {
	c, _ := newTestCache(Config{})
	k := QuoteKey("MSFT")
	newer := quoteAt("MSFT", 410, t0.Add(time.Minute))
	older := quoteAt("MSFT", 400, t0)

	require.True(t, c.Put(k, newer, 0))
	assert.False(t, c.Put(k, older, 0), "a slow stale fetch must not overwrite")

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, 410.0, got.(*models.Quote).CurrentPrice)

	same := quoteAt("MSFT", 411, t0.Add(time.Minute))
	assert.True(t, c.Put(k, same, 0))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(Config{})
	k := QuoteKey("AAPL")
	c.Put(k, quoteAt("AAPL", 1, t0), 0)
	c.Invalidate(k)
	_, ok := c.Get(k)
	assert.False(t, ok)
	_, ok = c.GetStale(k)
	assert.False(t, ok)
	c.Invalidate(k)
}

func TestSweepKeepsStaleWithinGrace(t *testing.T) {
	c, clk := newTestCache(Config{QuoteTTL: time.Minute, StaleGrace: time.Hour})
	c.Put(QuoteKey("A"), quoteAt("A", 1, t0), 0)
	clk.Advance(30 * time.Minute)
	c.Put(QuoteKey("B"), quoteAt("B", 1, t0), 0)

	clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.GetStale(QuoteKey("B"))
	assert.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(Config{Shards: 4})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("S%d", i%5)
			for j := 0; j < 100; j++ {
				c.Put(QuoteKey(sym), quoteAt(sym, float64(j+1), t0.Add(time.Duration(j)*time.Second)), 0)
				c.Get(QuoteKey(sym))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		got, ok := c.Get(QuoteKey(fmt.Sprintf("S%d", i)))
		require.True(t, ok)
		assert.Equal(t, 100.0, got.(*models.Quote).CurrentPrice)
	}
	assert.Equal(t, 5, c.Len())
}
