// Package market is the query surface over the cache, the source router and
// the analysis engines. Reads are cache-aside; concurrent misses for the same
// key share one upstream resolution. When every source fails, the newest
// known value is served marked stale instead of an error.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/services/analysis"
	"marketfeed/services/cache"
	"marketfeed/services/forecast"
	"marketfeed/services/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid search query")
)

// Search result bounds.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 50
)

// Resolver fetches fresh data through the source chain.
type Resolver interface {
	ResolveQuote(ctx context.Context, symbol string) (*models.Quote, error)
	ResolveBars(ctx context.Context, symbol string, w models.Window) (*models.BarSeries, error)
}

// SnapshotStore is the relational fallback for quotes and the instrument registry.
type SnapshotStore interface {
	LatestQuote(ctx context.Context, symbol string) (*models.Quote, error)
	EnsureInstrument(ctx context.Context, symbol, name string) (*models.Instrument, error)
	Instrument(ctx context.Context, symbol string) (*models.Instrument, error)
	SearchInstruments(ctx context.Context, query string, limit int) ([]models.Instrument, error)
}

// BarArchive is the document fallback for bar series.
type BarArchive interface {
	LoadBars(ctx context.Context, symbol string, w models.Window) (*models.BarSeries, error)
}

type Index struct {
	Symbol string `mapstructure:"symbol" json:"symbol"`
	Name   string `mapstructure:"name" json:"name"`
}

var DefaultIndices = []Index{
	{Symbol: "^GSPC", Name: "S&P 500"},
	{Symbol: "^IXIC", Name: "NASDAQ Composite"},
	{Symbol: "^DJI", Name: "Dow Jones Industrial Average"},
	{Symbol: "^RUT", Name: "Russell 2000"},
}

// Config configures the query service.
type Config struct {
	// Upper bound for one shared upstream resolution.
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
	Indices        []Index       `mapstructure:"indices"`
	Analysis       analysis.Params `mapstructure:"analysis"`
	Forecast       forecast.Config `mapstructure:"forecast"`
}

// DefaultConfig returns the service settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ResolveTimeout: 20 * time.Second,
		Indices:        DefaultIndices,
		Analysis:       analysis.DefaultParams(),
		Forecast:       forecast.DefaultConfig(),
	}
}

// Service answers quote, history, indicator and forecast queries.
type Service struct {
	cfg      Config
	resolver Resolver
	cache    *cache.Cache
	store    SnapshotStore
	archive  BarArchive
	logger   *slog.Logger
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
	known   sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithStore enables the instrument registry and persisted quote fallback.
func WithStore(s SnapshotStore) Option { return func(svc *Service) { svc.store = s } }

// WithArchive enables the archived bar series fallback.
func WithArchive(a BarArchive) Option { return func(svc *Service) { svc.archive = a } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

// New creates a service resolving through r and caching in c.
func New(cfg Config, r Resolver, c *cache.Cache, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.Indices == nil {
		cfg.Indices = def.Indices
	}
	s := &Service{cfg: cfg, resolver: r, cache: c, now: time.Now, flights: make(map[string]*flight)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Component("market")
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Freshness marks a degraded response and when its data was obtained.
type Freshness struct {
	Stale    bool       `json:"stale"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

func staleAt(t time.Time) Freshness {
	t = t.UTC()
	return Freshness{Stale: true, CachedAt: &t}
}

// QuoteResult is a quote with its change against the previous close.
type QuoteResult struct {
	*models.Quote
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Freshness
}

func newQuoteResult(q *models.Quote, f Freshness) *QuoteResult {
	return &QuoteResult{
		Quote:         q,
		Change:        round2(q.Change()),
		ChangePercent: round2(q.ChangePercent()),
		Freshness:     f,
	}
}

type HistoryResult struct {
	*models.BarSeries
	Freshness
}

type IndicatorsResult struct {
	*analysis.Summary
	Freshness
}

type ForecastResult struct {
	*forecast.Forecast
	Freshness
}

// flight is one shared upstream resolution and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// share runs fn once per key across concurrent callers. The shared call is
// bounded by ResolveTimeout and cancelled as soon as its last waiter gives
// up, so an abandoned request never leaves a resolution running.
func (s *Service) share(ctx context.Context, key string, fn func(context.Context) (models.Snapshot, error)) (models.Snapshot, error) {
	s.mu.Lock()
	f, ok := s.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ResolveTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	ch := s.group.DoChan(key, func() (any, error) { return fn(f.ctx) })
	s.mu.Unlock()

	select {
	case res := <-ch:
		s.leave(key, f, false)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(models.Snapshot), nil
	case <-ctx.Done():
		s.leave(key, f, true)
		return nil, ctx.Err()
	}
}

func (s *Service) leave(key string, f *flight, abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.flights[key] != f {
		return
	}
	delete(s.flights, key)
	if abandoned {
		// later callers must not join the cancelled call
		s.group.Forget(key)
	}
}

// GetQuote returns the latest quote for symbol.
func (s *Service) GetQuote(ctx context.Context, raw string) (*QuoteResult, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	key := cache.QuoteKey(symbol)
	if v, ok := s.cache.Get(key); ok {
		return newQuoteResult(v.(*models.Quote), Freshness{}), nil
	}

	q, err := s.refreshQuote(ctx, symbol)
	if err == nil {
		return newQuoteResult(q, Freshness{}), nil
	}
	return s.degradedQuote(ctx, symbol, err)
}

// RefreshQuote resolves symbol upstream regardless of the cache and stores
// the result. The returned quote is the cached one, which may be newer than
// what was fetched.
func (s *Service) RefreshQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return s.refreshQuote(ctx, symbol)
}

func (s *Service) refreshQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	v, err := s.share(ctx, "quote:"+symbol, func(ctx context.Context) (models.Snapshot, error) {
		q, err := s.resolver.ResolveQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		key := cache.QuoteKey(symbol)
		if !s.cache.Put(key, q, 0) {
			if cur, ok := s.cache.GetStale(key); ok {
				return cur.Value, nil
			}
		}
		s.registerInstrument(ctx, q)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Quote), nil
}

func (s *Service) registerInstrument(ctx context.Context, q *models.Quote) {
	if s.store == nil {
		return
	}
	if _, seen := s.known.LoadOrStore(q.Symbol, struct{}{}); seen {
		return
	}
	name := q.Name
	if name == "" {
		name = q.Symbol
	}
	if _, err := s.store.EnsureInstrument(ctx, q.Symbol, name); err != nil {
		s.known.Delete(q.Symbol)
		s.logger.Warn("register instrument failed", slog.String("symbol", q.Symbol), slog.Any("error", err))
	}
}

func (s *Service) degradedQuote(ctx context.Context, symbol string, cause error) (*QuoteResult, error) {
	if e, ok := s.cache.GetStale(cache.QuoteKey(symbol)); ok {
		s.logger.Warn("serving stale quote", slog.String("symbol", symbol), slog.Any("error", cause))
		return newQuoteResult(e.Value.(*models.Quote), staleAt(e.CreatedAt)), nil
	}
	if s.store != nil {
		q, err := s.store.LatestQuote(ctx, symbol)
		if err == nil {
			s.logger.Warn("serving persisted quote", slog.String("symbol", symbol), slog.Any("error", cause))
			return newQuoteResult(q, staleAt(q.Timestamp)), nil
		}
	}
	return nil, fmt.Errorf("quote %s: %w", symbol, cause)
}

// CachedQuote returns the newest cached quote whatever its age.
func (s *Service) CachedQuote(symbol string) (*models.Quote, bool) {
	q, _, ok := s.cachedQuote(symbol)
	return q, ok
}

func (s *Service) cachedQuote(symbol string) (*models.Quote, Freshness, bool) {
	e, ok := s.cache.GetStale(cache.QuoteKey(symbol))
	if !ok {
		return nil, Freshness{}, false
	}
	f := Freshness{}
	if !e.Fresh(s.now()) {
		f = staleAt(e.CreatedAt)
	}
	return e.Value.(*models.Quote), f, true
}

// GetHistory returns bars for symbol over the given window.
func (s *Service) GetHistory(ctx context.Context, raw, period, interval string) (*HistoryResult, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	w, err := models.ParseWindow(period, interval)
	if err != nil {
		return nil, err
	}
	return s.history(ctx, symbol, w)
}

func (s *Service) history(ctx context.Context, symbol string, w models.Window) (*HistoryResult, error) {
	key := cache.BarsKey(symbol, w)
	if v, ok := s.cache.Get(key); ok {
		return &HistoryResult{BarSeries: v.(*models.BarSeries)}, nil
	}

	v, err := s.refreshBars(ctx, symbol, w)
	if err == nil {
		return &HistoryResult{BarSeries: v.(*models.BarSeries)}, nil
	}

	if e, ok := s.cache.GetStale(key); ok {
		s.logger.Warn("serving stale history", slog.String("symbol", symbol), slog.String("window", w.String()), slog.Any("error", err))
		return &HistoryResult{BarSeries: e.Value.(*models.BarSeries), Freshness: staleAt(e.CreatedAt)}, nil
	}
	if s.archive != nil {
		series, aerr := s.archive.LoadBars(ctx, symbol, w)
		if aerr == nil {
			s.logger.Warn("serving archived history", slog.String("symbol", symbol), slog.String("window", w.String()), slog.Any("error", err))
			return &HistoryResult{BarSeries: series, Freshness: staleAt(series.RetrievedAt)}, nil
		}
	}
	return nil, fmt.Errorf("history %s %s: %w", symbol, w, err)
}

// RefreshBars resolves the default window upstream regardless of the cache
// and stores the result.
func (s *Service) RefreshBars(ctx context.Context, symbol string) (*models.BarSeries, error) {
	v, err := s.refreshBars(ctx, symbol, models.DefaultWindow)
	if err != nil {
		return nil, err
	}
	return v.(*models.BarSeries), nil
}

func (s *Service) refreshBars(ctx context.Context, symbol string, w models.Window) (models.Snapshot, error) {
	key := cache.BarsKey(symbol, w)
	return s.share(ctx, key.String(), func(ctx context.Context) (models.Snapshot, error) {
		series, err := s.resolver.ResolveBars(ctx, symbol, w)
		if err != nil {
			return nil, err
		}
		if !s.cache.Put(key, series, 0) {
			if cur, ok := s.cache.GetStale(key); ok {
				return cur.Value, nil
			}
		}
		return series, nil
	})
}

// CachedBars returns the newest cached series for the window whatever its age.
func (s *Service) CachedBars(symbol string, w models.Window) (*models.BarSeries, bool) {
	e, ok := s.cache.GetStale(cache.BarsKey(symbol, w))
	if !ok {
		return nil, false
	}
	return e.Value.(*models.BarSeries), true
}

// GetIndicators computes the indicator summary over the default window.
func (s *Service) GetIndicators(ctx context.Context, raw string) (*IndicatorsResult, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	h, err := s.history(ctx, symbol, models.DefaultWindow)
	if err != nil {
		return nil, err
	}
	if len(h.Bars) == 0 {
		return nil, fmt.Errorf("indicators %s: %w", symbol, analysis.ErrInsufficientData)
	}
	sum, err := analysis.Compute(h.BarSeries, s.cfg.Analysis)
	if err != nil {
		return nil, fmt.Errorf("indicators %s: %w", symbol, err)
	}
	return &IndicatorsResult{Summary: sum, Freshness: h.Freshness}, nil
}

// GetForecast projects days bars ahead; zero means the configured horizon.
func (s *Service) GetForecast(ctx context.Context, raw string, days int) (*ForecastResult, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	if _, err := forecast.CheckHorizon(days, s.cfg.Forecast); err != nil {
		return nil, err
	}
	h, err := s.history(ctx, symbol, models.DefaultWindow)
	if err != nil {
		return nil, err
	}
	f, err := forecast.Predict(h.BarSeries, days, s.cfg.Forecast)
	if err != nil {
		return nil, fmt.Errorf("forecast %s: %w", symbol, err)
	}
	return &ForecastResult{Forecast: f, Freshness: h.Freshness}, nil
}

// Instrument looks up the registry entry created by the first successful quote.
func (s *Service) Instrument(ctx context.Context, raw string) (*models.Instrument, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	inst, err := s.store.Instrument(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	return inst, err
}

// SearchInstruments matches query against registered symbols and names.
// Only instruments that have been quoted at least once are known.
func (s *Service) SearchInstruments(ctx context.Context, query string, limit int) ([]models.Instrument, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(query) > 64 {
		return nil, fmt.Errorf("query %q: %w", query, ErrInvalidQuery)
	}
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	if s.store == nil {
		return []models.Instrument{}, nil
	}
	return s.store.SearchInstruments(ctx, query, limit)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
