package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Data kinds used as cache key prefixes
const (
	KindQuote = "quote"
	KindBars  = "bars"
)

var (
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidWindow = errors.New("invalid history window")
)

// Snapshot is a cached value. AsOf orders concurrent writes to the same key.
type Snapshot interface {
	AsOf() time.Time
}

// Quote is a normalized last-price observation from one upstream source.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	CurrentPrice  float64   `json:"current_price"`
	PreviousClose float64   `json:"previous_close"`
	Volume        int64     `json:"volume"`
	MarketCap     float64   `json:"market_cap"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

func (q *Quote) AsOf() time.Time { return q.Timestamp }

// Change returns the absolute move against the previous close.
func (q *Quote) Change() float64 {
	if q.PreviousClose == 0 {
		return 0
	}
	return q.CurrentPrice - q.PreviousClose
}

// ChangePercent returns the move against the previous close in percent.
func (q *Quote) ChangePercent() float64 {
	if q.PreviousClose == 0 {
		return 0
	}
	return (q.CurrentPrice - q.PreviousClose) / q.PreviousClose * 100
}

// Validate rejects quotes that must not be treated as data.
func (q *Quote) Validate() error {
	switch {
	case q.Symbol == "":
		return errors.New("quote without symbol")
	case q.Source == "":
		return errors.New("quote without source")
	case !finitePositive(q.CurrentPrice):
		return fmt.Errorf("non-positive or non-numeric price %v", q.CurrentPrice)
	case math.IsNaN(q.PreviousClose) || math.IsInf(q.PreviousClose, 0) || q.PreviousClose < 0:
		return fmt.Errorf("invalid previous close %v", q.PreviousClose)
	case q.Volume < 0:
		return fmt.Errorf("negative volume %d", q.Volume)
	case q.Timestamp.IsZero():
		return errors.New("quote without timestamp")
	}
	return nil
}

// Bar is one OHLCV period.
type Bar struct {
	Time   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// ValidateBars checks that a series is strictly ascending with sane prices.
func ValidateBars(bars []Bar) error {
	for i, b := range bars {
		if !finitePositive(b.Open) || !finitePositive(b.High) || !finitePositive(b.Low) || !finitePositive(b.Close) {
			return fmt.Errorf("bar %d: non-positive or non-numeric price", i)
		}
		if b.High < b.Low {
			return fmt.Errorf("bar %d: high %v below low %v", i, b.High, b.Low)
		}
		if b.Volume < 0 {
			return fmt.Errorf("bar %d: negative volume", i)
		}
		if i > 0 && !b.Time.After(bars[i-1].Time) {
			return fmt.Errorf("bar %d: timestamp %s not after %s", i, b.Time.Format(time.RFC3339), bars[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// BarSeries is an ordered bar sequence for one instrument and window.
type BarSeries struct {
	Symbol      string    `json:"symbol"`
	Period      string    `json:"period"`
	Interval    string    `json:"interval"`
	Source      string    `json:"source"`
	Bars        []Bar     `json:"data"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// AsOf is the time the fetch started, so a slow fetch never wins over a newer one.
func (s *BarSeries) AsOf() time.Time { return s.RetrievedAt }

func (s *BarSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

func (s *BarSeries) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// Window is a bounded history request.
type Window struct {
	Period   string
	Interval string
}

var DefaultWindow = Window{Period: "1y", Interval: "1d"}

var periods = map[string]time.Duration{
	"1d":  24 * time.Hour,
	"5d":  5 * 24 * time.Hour,
	"1mo": 31 * 24 * time.Hour,
	"3mo": 92 * 24 * time.Hour,
	"6mo": 183 * 24 * time.Hour,
	"1y":  366 * 24 * time.Hour,
	"2y":  2 * 366 * 24 * time.Hour,
	"5y":  5 * 366 * 24 * time.Hour,
}

var intervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true, "60m": true, "1h": true,
	"1d": true, "1wk": true, "1mo": true,
}

// ParseWindow validates and normalizes a period/interval pair. Empty values take the defaults.
func ParseWindow(period, interval string) (Window, error) {
	w := Window{Period: strings.ToLower(strings.TrimSpace(period)), Interval: strings.ToLower(strings.TrimSpace(interval))}
	if w.Period == "" {
		w.Period = DefaultWindow.Period
	}
	if w.Interval == "" {
		w.Interval = DefaultWindow.Interval
	}
	if _, ok := periods[w.Period]; !ok {
		return Window{}, fmt.Errorf("%w: period %q", ErrInvalidWindow, period)
	}
	if !intervals[w.Interval] {
		return Window{}, fmt.Errorf("%w: interval %q", ErrInvalidWindow, interval)
	}
	return w, nil
}

// Start returns the first instant covered by the window when it ends at now.
func (w Window) Start(now time.Time) time.Time {
	return now.Add(-periods[w.Period])
}

// Kind returns the cache data-kind for the window.
func (w Window) Kind() string {
	return KindBars + ":" + w.Period + ":" + w.Interval
}

func (w Window) String() string { return w.Period + "/" + w.Interval }

// NormalizeSymbol upper-cases a ticker and rejects anything that is not one.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" || len(s) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '^', r == '=':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
		}
	}
	return s, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
