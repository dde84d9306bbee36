package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketfeed/models"
)

// Capability is a kind of data a source can serve
type Capability string

const (
	CapabilityQuote Capability = "quote"
	CapabilityBars  Capability = "bars"
)

// Failure kinds. Every adapter error matches exactly one of these with errors.Is.
var (
	ErrUnavailable = errors.New("source unavailable")
	ErrRateLimited = errors.New("source rate limited")
	ErrMalformed   = errors.New("malformed source response")
)

// Source normalizes one upstream provider into quotes and bars.
type Source interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (*models.Quote, error)
	FetchBars(ctx context.Context, symbol string, w models.Window) ([]models.Bar, error)
}

// WindowSupporter is implemented by sources that only serve some history windows.
type WindowSupporter interface {
	SupportsWindow(w models.Window) bool
}

// FetchError is the only error type a Source returns. It unwraps to its kind
// and keeps the upstream cause as text only.
type FetchError struct {
	Source     string
	Capability Capability
	Symbol     string
	Kind       error
	Detail     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s %s: %v: %s", e.Source, e.Capability, e.Symbol, e.Kind, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Kind }

// KindLabel returns a short label for err's failure kind.
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unknown"
	}
}

// Options are shared by every adapter
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	Now               func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

type failure struct {
	source     string
	capability Capability
	symbol     string
}

func (f failure) of(kind error, format string, args ...any) error {
	return &FetchError{
		Source:     f.source,
		Capability: f.capability,
		Symbol:     f.symbol,
		Kind:       kind,
		Detail:     fmt.Sprintf(format, args...),
	}
}

func (f failure) unavailable(format string, args ...any) error {
	return f.of(ErrUnavailable, format, args...)
}

func (f failure) rateLimited(format string, args ...any) error {
	return f.of(ErrRateLimited, format, args...)
}

func (f failure) malformed(format string, args ...any) error {
	return f.of(ErrMalformed, format, args...)
}

// callWithContext runs a blocking call that has no context support and
// abandons it when ctx ends.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// trimToWindow drops bars older than the window start.
func trimToWindow(bars []models.Bar, w models.Window, now time.Time) []models.Bar {
	start := w.Start(now)
	i := 0
	for i < len(bars) && bars[i].Time.Before(start) {
		i++
	}
	return bars[i:]
}
