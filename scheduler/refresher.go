package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/models"
	"marketfeed/services/broker"
	"marketfeed/services/market"
)

type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

const unavailableMessage = "live data temporarily unavailable, serving last known value"

// Config configures the Refresher.
type Config struct {
	// Poll interval while an instrument has subscribers.
	Interval time.Duration `mapstructure:"interval"`
	// Poll interval with no subscribers.
	ColdInterval time.Duration `mapstructure:"cold_interval"`
	// Consecutive failures before polling backs off.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	// How often the default bar window is refreshed alongside the quote.
	BarsInterval time.Duration `mapstructure:"bars_interval"`
	// How long a symbol tracked only because a client subscribed to it may sit
	// without subscribers before it is dropped, unless it ever produced a quote.
	IdleGrace time.Duration `mapstructure:"idle_grace"`
	Symbols   []string      `mapstructure:"symbols"`
	// Market index symbols; their subscriber count includes the market topic.
	Indices []string `mapstructure:"indices"`
}

// DefaultConfig returns the refresh cadence used when none is configured.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ColdInterval:     5 * time.Minute,
		FailureThreshold: 3,
		MaxInterval:      10 * time.Minute,
		BarsInterval:     30 * time.Minute,
		IdleGrace:        10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ColdInterval < c.Interval {
		c.ColdInterval = max(d.ColdInterval, c.Interval)
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = max(d.MaxInterval, c.Interval)
	}
	if c.BarsInterval <= 0 {
		c.BarsInterval = d.BarsInterval
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = d.IdleGrace
	}
	return c
}

// QuoteSource refreshes and caches a quote, returning the newest cached value.
type QuoteSource interface {
	RefreshQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// BarSource refreshes and caches the default bar window. A QuoteSource that
// also implements it gets its bars kept warm on the BarsInterval cadence.
type BarSource interface {
	RefreshBars(ctx context.Context, symbol string) (*models.BarSeries, error)
}

// Publisher is the broker side the Refresher needs.
type Publisher interface {
	Publish(env broker.Envelope) int
	SubscriberCount(topic string) int
}

// InstrumentStatus is a point-in-time view of one refresh loop.
type InstrumentStatus struct {
	Symbol        string    `json:"symbol"`
	State         State     `json:"state"`
	Tier          Tier      `json:"tier"`
	Subscribers   int       `json:"subscribers"`
	Streak        int       `json:"failure_streak"`
	Interval      float64   `json:"interval_seconds"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastPublished time.Time `json:"last_published,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NextPoll      time.Time `json:"next_poll,omitempty"`
}

type instrument struct {
	symbol string
	index  bool
	poke   chan struct{}
	// tracked on a client's behalf only; may expire
	dynamic bool

	mu            sync.Mutex
	state         State
	tier          Tier
	streak        int
	interval      time.Duration
	lastSuccess   time.Time
	lastPublished time.Time
	lastError     string
	nextPoll      time.Time
	barsAt        time.Time
	idleSince     time.Time
	backoff       *backoff.ExponentialBackOff
}

// Refresher runs one polling loop per tracked instrument:
// idle -> polling -> idle, publishing each quote newer than the last one
// published. Failures keep the cached value, announce the outage once per
// streak and, past the threshold, stretch the interval exponentially.
type Refresher struct {
	cfg     Config
	source  QuoteSource
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	items   map[string]*instrument
	indices map[string]bool
	ctx     context.Context
	wg      *conc.WaitGroup
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the refresher logger.
func WithLogger(l *slog.Logger) Option { return func(r *Refresher) { r.logger = l } }

// WithMetrics records refresh outcomes and poll intervals on m.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Refresher) { r.metrics = m } }

// NewRefresher creates a refresher tracking the configured symbols and indices.
func NewRefresher(cfg Config, src QuoteSource, pub Publisher, opts ...Option) *Refresher {
	cfg = cfg.withDefaults()
	r := &Refresher{
		cfg:     cfg,
		source:  src,
		pub:     pub,
		now:     time.Now,
		items:   make(map[string]*instrument),
		indices: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Component("refresher")
	}
	for _, raw := range cfg.Indices {
		if sym, err := models.NormalizeSymbol(raw); err == nil {
			r.indices[sym] = true
		}
	}
	for _, sym := range cfg.Symbols {
		r.Track(sym)
	}
	for _, sym := range cfg.Indices {
		r.Track(sym)
	}
	return r
}

// Track adds symbol to the refresh set for the life of the process. Once Run
// has started the loop begins immediately. Tracking an already tracked symbol
// is a no-op, except that it stops the symbol from expiring.
func (r *Refresher) Track(raw string) {
	r.track(raw, false)
}

func (r *Refresher) track(raw string, dynamic bool) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		r.logger.Warn("not tracking invalid symbol", slog.String("symbol", raw))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.items[symbol]; ok {
		if !dynamic {
			in.mu.Lock()
			in.dynamic = false
			in.mu.Unlock()
		}
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * r.cfg.Interval
	b.Multiplier = 2
	b.MaxInterval = r.cfg.MaxInterval
	b.RandomizationFactor = 0
	b.Reset()

	in := &instrument{
		symbol:   symbol,
		index:    r.indices[symbol],
		poke:     make(chan struct{}, 1),
		dynamic:  dynamic && !r.indices[symbol],
		state:    StateIdle,
		tier:     TierCold,
		interval: r.cfg.ColdInterval,
		backoff:  b,
	}
	r.items[symbol] = in
	if r.ctx != nil && r.ctx.Err() == nil {
		r.start(in)
	}
}

// untrack drops an expired instrument unless a subscriber arrived meanwhile.
// It reports whether the instrument was removed.
func (r *Refresher) untrack(in *instrument) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items[in.symbol] != in || r.subscribers(in) > 0 {
		return false
	}
	delete(r.items, in.symbol)
	r.logger.Info("stopped tracking idle symbol", slog.String("symbol", in.symbol))
	return true
}

// Tracked returns the tracked symbols in order.
func (r *Refresher) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for sym := range r.items {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Run starts every loop and blocks until ctx is done and all loops exit.
func (r *Refresher) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.wg = conc.NewWaitGroup()
	for _, in := range r.items {
		r.start(in)
	}
	wg := r.wg
	r.mu.Unlock()

	r.logger.Info("refresher started", slog.Int("instruments", len(r.Tracked())))
	<-ctx.Done()
	wg.Wait()
	r.logger.Info("refresher stopped")
	return nil
}

// start must be called with r.mu held.
func (r *Refresher) start(in *instrument) {
	ctx := r.ctx
	r.wg.Go(func() { r.loop(ctx, in) })
}

// OnCountChange adapts the loop tier to live subscriber counts. A first
// subscriber on an untracked symbol starts tracking it until it has been idle
// for IdleGrace; one on a cold instrument triggers an immediate poll.
func (r *Refresher) OnCountChange(topic string, n int) {
	if topic == broker.MarketTopic {
		r.mu.Lock()
		var targets []*instrument
		for _, in := range r.items {
			if in.index {
				targets = append(targets, in)
			}
		}
		r.mu.Unlock()
		for _, in := range targets {
			r.wake(in, n)
		}
		return
	}

	symbol, ok := broker.SymbolOf(topic)
	if !ok {
		return
	}
	r.mu.Lock()
	in, tracked := r.items[symbol]
	r.mu.Unlock()
	if !tracked {
		if n > 0 {
			r.track(symbol, true)
		}
		return
	}
	r.wake(in, n)
}

func (r *Refresher) wake(in *instrument, n int) {
	if n <= 0 {
		return
	}
	in.mu.Lock()
	cold := in.tier == TierCold
	in.mu.Unlock()
	if !cold {
		return
	}
	select {
	case in.poke <- struct{}{}:
	default:
	}
}

func (r *Refresher) subscribers(in *instrument) int {
	n := r.pub.SubscriberCount(broker.StockTopic(in.symbol))
	if in.index {
		n += r.pub.SubscriberCount(broker.MarketTopic)
	}
	return n
}

func (r *Refresher) loop(ctx context.Context, in *instrument) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-in.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		r.poll(ctx, in)
		r.refreshBars(ctx, in)
		if ctx.Err() != nil {
			return
		}
		d, expired := r.schedule(in)
		if expired && r.untrack(in) {
			return
		}
		timer.Reset(d)
	}
}

func (r *Refresher) poll(ctx context.Context, in *instrument) {
	in.mu.Lock()
	in.state = StatePolling
	in.mu.Unlock()

	q, err := r.source.RefreshQuote(ctx, in.symbol)
	now := r.now()

	in.mu.Lock()
	defer func() {
		in.state = StateIdle
		in.mu.Unlock()
	}()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		in.streak++
		in.lastError = err.Error()
		r.metrics.Refresh("failure")
		r.logger.Warn("refresh failed", slog.String("symbol", in.symbol), slog.Int("streak", in.streak),
			slog.Any("error", err))
		if in.streak == 1 {
			r.pub.Publish(market.ErrorEnvelope(broker.StockTopic(in.symbol), in.symbol, unavailableMessage))
		}
		return
	}

	in.streak = 0
	in.lastError = ""
	in.lastSuccess = now
	in.backoff.Reset()
	if !q.Timestamp.After(in.lastPublished) {
		r.metrics.Refresh("unchanged")
		return
	}
	in.lastPublished = q.Timestamp
	r.metrics.Refresh("success")
	r.pub.Publish(market.QuoteEnvelope(q, market.Freshness{}))
}

// refreshBars keeps the default window warm for instruments whose quote
// refresh currently succeeds.
func (r *Refresher) refreshBars(ctx context.Context, in *instrument) {
	bs, ok := r.source.(BarSource)
	if !ok {
		return
	}
	now := r.now()
	in.mu.Lock()
	due := in.streak == 0 && !in.lastSuccess.IsZero() && !now.Before(in.barsAt)
	in.mu.Unlock()
	if !due {
		return
	}

	_, err := bs.RefreshBars(ctx, in.symbol)
	if ctx.Err() != nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if err != nil {
		// retry on the next quote cycle
		r.metrics.Refresh("bars_failure")
		r.logger.Warn("bars refresh failed", slog.String("symbol", in.symbol), slog.Any("error", err))
		return
	}
	in.barsAt = now.Add(r.cfg.BarsInterval)
	r.metrics.Refresh("bars_success")
}

// schedule picks the delay before the next poll and records the tier. It
// also reports whether a dynamic instrument that never produced a quote has
// been without subscribers for longer than IdleGrace.
func (r *Refresher) schedule(in *instrument) (time.Duration, bool) {
	subs := r.subscribers(in)
	now := r.now()

	in.mu.Lock()
	defer in.mu.Unlock()
	in.tier = TierHot
	d := r.cfg.Interval
	if subs == 0 {
		in.tier = TierCold
		d = r.cfg.ColdInterval
		if in.idleSince.IsZero() {
			in.idleSince = now
		}
	} else {
		in.idleSince = time.Time{}
	}
	if in.streak >= r.cfg.FailureThreshold {
		d = max(d, in.backoff.NextBackOff())
	}
	in.interval = d
	in.nextPoll = now.Add(d)
	r.metrics.SetPollInterval(in.symbol, d.Seconds())

	expired := in.dynamic && in.lastSuccess.IsZero() && subs == 0 &&
		now.Sub(in.idleSince) >= r.cfg.IdleGrace
	return d, expired
}

// Status lists every tracked instrument ordered by symbol.
func (r *Refresher) Status() []InstrumentStatus {
	r.mu.Lock()
	items := make([]*instrument, 0, len(r.items))
	for _, in := range r.items {
		items = append(items, in)
	}
	r.mu.Unlock()

	out := make([]InstrumentStatus, 0, len(items))
	for _, in := range items {
		subs := r.subscribers(in)
		in.mu.Lock()
		out = append(out, InstrumentStatus{
			Symbol:        in.symbol,
			State:         in.state,
			Tier:          in.tier,
			Subscribers:   subs,
			Streak:        in.streak,
			Interval:      in.interval.Seconds(),
			LastSuccess:   in.lastSuccess,
			LastPublished: in.lastPublished,
			LastError:     in.lastError,
			NextPoll:      in.nextPoll,
		})
		in.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
