// Package router resolves quotes and bars through an ordered chain of sources,
// isolating failing sources behind per-source circuit breakers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/models"
	"marketfeed/services/datafetcher"
)

// ErrAllSourcesUnavailable is returned when every candidate source failed or was skipped.
var ErrAllSourcesUnavailable = errors.New("all sources unavailable")

var errSkipped = errors.New("skipped by circuit breaker")

// Config holds circuit and timeout settings
type Config struct {
	// Consecutive failures that open a source's circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// First cool-down after opening; doubles on each failed half-open trial.
	CoolDown    time.Duration `mapstructure:"cool_down"`
	MaxCoolDown time.Duration `mapstructure:"max_cool_down"`
	// Upper bound of a single source call.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultConfig returns the breaker settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      5 * time.Minute,
		AttemptTimeout:   5 * time.Second,
	}
}

// Router owns the SourceHealth table and the fallback chain
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	sources map[string]*health
	byCap   map[datafetcher.Capability][]*health
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithMetrics records attempts and circuit states on m.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

// New creates a router with no sources. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.MaxCoolDown < cfg.CoolDown {
		cfg.MaxCoolDown = cfg.CoolDown
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	r := &Router{
		cfg:     cfg,
		now:     time.Now,
		sources: make(map[string]*health),
		byCap:   make(map[datafetcher.Capability][]*health),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Component("router")
	}
	return r
}

// Register adds a source with a static priority (lower is preferred) for the given capabilities.
func (r *Router) Register(src datafetcher.Source, priority int, caps ...datafetcher.Capability) error {
	if len(caps) == 0 {
		caps = []datafetcher.Capability{datafetcher.CapabilityQuote, datafetcher.CapabilityBars}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.Name()]; ok {
		return fmt.Errorf("source %q already registered", src.Name())
	}

	h := &health{
		src:      src,
		priority: priority,
		caps:     caps,
		cooldown: newCooldown(r.cfg),
	}
	threshold := uint32(r.cfg.FailureThreshold)
	h.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: 1,
		Timeout:     r.cfg.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.onStateChange(r.now(), to)
			r.metrics.SetSourceState(name, stateValue(to))
			r.logger.Info("circuit state changed", slog.String("source", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	r.sources[src.Name()] = h
	for _, c := range caps {
		r.byCap[c] = append(r.byCap[c], h)
	}
	r.metrics.SetSourceState(src.Name(), 0)
	return nil
}

// ResolveQuote returns the first valid quote from the ordered candidates.
func (r *Router) ResolveQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	v, err := r.resolve(ctx, datafetcher.CapabilityQuote, symbol, nil, func(ctx context.Context, src datafetcher.Source) (any, error) {
		q, err := src.FetchQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if q.Source == "" {
			q.Source = src.Name()
		}
		if err := q.Validate(); err != nil {
			return nil, malformed(src, datafetcher.CapabilityQuote, symbol, err)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Quote), nil
}

// ResolveBars returns the first valid, non-empty series for the window.
func (r *Router) ResolveBars(ctx context.Context, symbol string, w models.Window) (*models.BarSeries, error) {
	started := r.now()
	v, err := r.resolve(ctx, datafetcher.CapabilityBars, symbol, &w, func(ctx context.Context, src datafetcher.Source) (any, error) {
		bars, err := src.FetchBars(ctx, symbol, w)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, &datafetcher.FetchError{Source: src.Name(), Capability: datafetcher.CapabilityBars,
				Symbol: symbol, Kind: datafetcher.ErrUnavailable, Detail: "empty series"}
		}
		if err := models.ValidateBars(bars); err != nil {
			return nil, malformed(src, datafetcher.CapabilityBars, symbol, err)
		}
		return &models.BarSeries{
			Symbol:      symbol,
			Period:      w.Period,
			Interval:    w.Interval,
			Source:      src.Name(),
			Bars:        bars,
			RetrievedAt: started,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.BarSeries), nil
}

// Health returns the SourceHealth table ordered by priority.
func (r *Router) Health() []SourceHealth {
	r.mu.RLock()
	list := make([]*health, 0, len(r.sources))
	for _, h := range r.sources {
		list = append(list, h)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]SourceHealth, 0, len(list))
	for _, h := range list {
		out = append(out, h.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type fetchFunc func(ctx context.Context, src datafetcher.Source) (any, error)

func (r *Router) resolve(ctx context.Context, capability datafetcher.Capability, symbol string, w *models.Window, call fetchFunc) (any, error) {
	var errs []error
	for _, h := range r.candidates(capability, w) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrAllSourcesUnavailable, capability, symbol, err)
		}
		v, err := r.attempt(ctx, h, capability, symbol, call)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, errSkipped) {
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrAllSourcesUnavailable, capability, symbol, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no eligible source for %s %s", ErrAllSourcesUnavailable, capability, symbol)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllSourcesUnavailable, errors.Join(errs...))
}

func (r *Router) attempt(ctx context.Context, h *health, capability datafetcher.Capability, symbol string, call fetchFunc) (any, error) {
	done, err := h.cb.Allow()
	if err != nil {
		return nil, errSkipped
	}
	trial := h.cb.State() == gobreaker.StateHalfOpen

	actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	v, err := call(actx, h.src)

	name := h.src.Name()
	if err != nil && ctx.Err() != nil && !trial {
		// the caller gave up; the outcome says nothing about the source
		r.metrics.SourceAttempt(name, string(capability), "abandoned")
		return nil, err
	}
	done(err == nil)

	if err != nil {
		h.recordFailure(r.now(), err)
		r.metrics.SourceAttempt(name, string(capability), datafetcher.KindLabel(err))
		r.logger.Warn("source attempt failed",
			slog.String("source", name),
			slog.String("capability", string(capability)),
			slog.String("symbol", symbol),
			slog.String("kind", datafetcher.KindLabel(err)),
			slog.Any("error", err))
		return nil, err
	}
	h.recordSuccess(r.now())
	r.metrics.SourceAttempt(name, string(capability), "success")
	return v, nil
}

// candidates orders eligible sources: closed circuits first, then static
// priority, then most recent success. Sources cooling down are left out.
func (r *Router) candidates(capability datafetcher.Capability, w *models.Window) []*health {
	r.mu.RLock()
	list := append([]*health(nil), r.byCap[capability]...)
	r.mu.RUnlock()

	type candidate struct {
		h *health
		v view
	}
	now := r.now()
	eligible := make([]candidate, 0, len(list))
	for _, h := range list {
		if w != nil {
			if ws, ok := h.src.(datafetcher.WindowSupporter); ok && !ws.SupportsWindow(*w) {
				continue
			}
		}
		v := h.view()
		if v.state == gobreaker.StateOpen {
			continue
		}
		if v.state == gobreaker.StateHalfOpen && now.Before(v.holdUntil) {
			continue
		}
		eligible = append(eligible, candidate{h: h, v: v})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		ac, bc := a.v.state == gobreaker.StateClosed, b.v.state == gobreaker.StateClosed
		if ac != bc {
			return ac
		}
		if a.h.priority != b.h.priority {
			return a.h.priority < b.h.priority
		}
		return a.v.lastSuccess.After(b.v.lastSuccess)
	})

	out := make([]*health, len(eligible))
	for i, c := range eligible {
		out[i] = c.h
	}
	return out
}

func malformed(src datafetcher.Source, capability datafetcher.Capability, symbol string, err error) error {
	return &datafetcher.FetchError{
		Source:     src.Name(),
		Capability: capability,
		Symbol:     symbol,
		Kind:       datafetcher.ErrMalformed,
		Detail:     err.Error(),
	}
}
