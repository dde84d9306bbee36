package datafetcher

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

const AlphaVantageURL = "https://www.alphavantage.co"

// AlphaVantage serves quotes and daily, weekly or monthly bars from the Alpha Vantage query API.
// All numeric fields arrive as strings and are parsed strictly.
type AlphaVantage struct {
	*fetcher
	apiKey string
	opts   Options
}

// NewAlphaVantage creates the Alpha Vantage adapter.
func NewAlphaVantage(opts Options) *AlphaVantage {
	return &AlphaVantage{
		fetcher: newFetcher("alphavantage", AlphaVantageURL, opts),
		apiKey:  opts.APIKey,
		opts:    opts,
	}
}

func (a *AlphaVantage) Name() string { return a.name }

type avEnvelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

type avGlobalQuote struct {
	avEnvelope
	Quote map[string]string `json:"Global Quote"`
}

type avSeries struct {
	avEnvelope
	Daily   map[string]map[string]string `json:"Time Series (Daily)"`
	Weekly  map[string]map[string]string `json:"Weekly Time Series"`
	Monthly map[string]map[string]string `json:"Monthly Time Series"`
}

// check reports the throttle and error bodies Alpha Vantage sends with status 200.
func (e avEnvelope) check(fail failure) error {
	switch {
	case e.Note != "":
		return fail.rateLimited("%s", e.Note)
	case e.Information != "":
		return fail.rateLimited("%s", e.Information)
	case e.ErrorMessage != "":
		return fail.unavailable("%s", e.ErrorMessage)
	}
	return nil
}

func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	fail := failure{source: a.name, capability: CapabilityQuote, symbol: symbol}
	body, err := a.get(ctx, fail, "/query", map[string]string{
		"function": "GLOBAL_QUOTE",
		"symbol":   symbol,
		"apikey":   a.apiKey,
	}, nil)
	if err != nil {
		return nil, err
	}

	var resp avGlobalQuote
	if err := decode(fail, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(fail); err != nil {
		return nil, err
	}
	if len(resp.Quote) == 0 {
		return nil, fail.unavailable("empty quote")
	}

	price, err := parseDecimal(fail, resp.Quote, "05. price")
	if err != nil {
		return nil, err
	}
	prev, err := parseDecimal(fail, resp.Quote, "08. previous close")
	if err != nil {
		return nil, err
	}
	volume, err := parseVolume(fail, resp.Quote, "06. volume")
	if err != nil {
		return nil, err
	}

	q := &models.Quote{
		Symbol:        symbol,
		CurrentPrice:  price,
		PreviousClose: prev,
		Volume:        volume,
		Source:        a.name,
		// Only a trading date is supplied, so the quote is stamped at receipt.
		Timestamp: a.opts.now(),
	}
	if err := q.Validate(); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return q, nil
}

// SupportsWindow reports whether w can be served from the daily series.
func (a *AlphaVantage) SupportsWindow(w models.Window) bool {
	switch w.Interval {
	case "1d", "1wk", "1mo":
		return true
	}
	return false
}

func (a *AlphaVantage) FetchBars(ctx context.Context, symbol string, w models.Window) ([]models.Bar, error) {
	fail := failure{source: a.name, capability: CapabilityBars, symbol: symbol}
	params := map[string]string{"symbol": symbol, "apikey": a.apiKey}
	switch w.Interval {
	case "1d":
		params["function"] = "TIME_SERIES_DAILY"
		params["outputsize"] = "compact"
		switch w.Period {
		case "6mo", "1y", "2y", "5y":
			params["outputsize"] = "full"
		}
	case "1wk":
		params["function"] = "TIME_SERIES_WEEKLY"
	case "1mo":
		params["function"] = "TIME_SERIES_MONTHLY"
	default:
		return nil, fail.unavailable("interval %s not supported", w.Interval)
	}

	body, err := a.get(ctx, fail, "/query", params, nil)
	if err != nil {
		return nil, err
	}
	var resp avSeries
	if err := decode(fail, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(fail); err != nil {
		return nil, err
	}

	rows := resp.Daily
	if w.Interval == "1wk" {
		rows = resp.Weekly
	} else if w.Interval == "1mo" {
		rows = resp.Monthly
	}
	if len(rows) == 0 {
		return nil, fail.unavailable("empty series")
	}

	dates := make([]string, 0, len(rows))
	for d := range rows {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	bars := make([]models.Bar, 0, len(dates))
	for _, d := range dates {
		ts, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, fail.malformed("bad date %q", d)
		}
		row := rows[d]
		bar := models.Bar{Time: ts}
		if bar.Open, err = parseDecimal(fail, row, "1. open"); err != nil {
			return nil, err
		}
		if bar.High, err = parseDecimal(fail, row, "2. high"); err != nil {
			return nil, err
		}
		if bar.Low, err = parseDecimal(fail, row, "3. low"); err != nil {
			return nil, err
		}
		if bar.Close, err = parseDecimal(fail, row, "4. close"); err != nil {
			return nil, err
		}
		if bar.Volume, err = parseVolume(fail, row, "5. volume"); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	bars = trimToWindow(bars, w, a.opts.now())
	if err := models.ValidateBars(bars); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return bars, nil
}

func parseDecimal(fail failure, row map[string]string, field string) (float64, error) {
	raw, ok := row[field]
	if !ok {
		return 0, fail.malformed("missing field %q", field)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fail.malformed("field %q: non-numeric value %q", field, raw)
	}
	return d.InexactFloat64(), nil
}

func parseVolume(fail failure, row map[string]string, field string) (int64, error) {
	raw, ok := row[field]
	if !ok {
		return 0, fail.malformed("missing field %q", field)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fail.malformed("field %q: non-integer volume %q", field, raw)
	}
	return v, nil
}
