package datafetcher

import (
	"context"
	"strconv"
	"time"

	"marketfeed/models"
)

const (
	RapidAPIHost = "yahoo-finance-real-time1.p.rapidapi.com"
	RapidAPIURL  = "https://" + RapidAPIHost
)

// RapidAPI serves quotes and bars from the Yahoo real-time API hosted on RapidAPI.
type RapidAPI struct {
	*fetcher
	apiKey string
	opts   Options
}

// NewRapidAPI creates the RapidAPI Yahoo Finance adapter.
func NewRapidAPI(opts Options) *RapidAPI {
	return &RapidAPI{
		fetcher: newFetcher("rapidapi", RapidAPIURL, opts),
		apiKey:  opts.APIKey,
		opts:    opts,
	}
}

func (r *RapidAPI) Name() string { return r.name }

type rapidSummary struct {
	Data *struct {
		ShortName         string   `json:"shortName"`
		CurrentPrice      *float64 `json:"currentPrice"`
		PreviousClose     *float64 `json:"previousClose"`
		Volume            *float64 `json:"volume"`
		MarketCap         float64  `json:"marketCap"`
		RegularMarketTime int64    `json:"regularMarketTime"`
	} `json:"data"`
}

type rapidHistory struct {
	Data []struct {
		Date   int64    `json:"date"`
		Open   *float64 `json:"open"`
		High   *float64 `json:"high"`
		Low    *float64 `json:"low"`
		Close  *float64 `json:"close"`
		Volume float64  `json:"volume"`
	} `json:"data"`
}

func (r *RapidAPI) headers() map[string]string {
	return map[string]string{
		"x-rapidapi-key":  r.apiKey,
		"x-rapidapi-host": RapidAPIHost,
	}
}

func (r *RapidAPI) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	fail := failure{source: r.name, capability: CapabilityQuote, symbol: symbol}
	body, err := r.get(ctx, fail, "/stock/get-summary", map[string]string{
		"symbol": symbol,
		"lang":   "en-US",
		"region": "US",
	}, r.headers())
	if err != nil {
		return nil, err
	}

	var resp rapidSummary
	if err := decode(fail, body, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fail.unavailable("no data for symbol")
	}
	d := resp.Data
	if d.CurrentPrice == nil || d.PreviousClose == nil {
		return nil, fail.malformed("missing price fields")
	}

	ts := r.opts.now()
	if d.RegularMarketTime > 0 {
		ts = time.Unix(d.RegularMarketTime, 0).UTC()
	}
	var volume int64
	if d.Volume != nil {
		volume = int64(*d.Volume)
	}
	q := &models.Quote{
		Symbol:        symbol,
		Name:          d.ShortName,
		CurrentPrice:  *d.CurrentPrice,
		PreviousClose: *d.PreviousClose,
		Volume:        volume,
		MarketCap:     d.MarketCap,
		Source:        r.name,
		Timestamp:     ts,
	}
	if err := q.Validate(); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return q, nil
}

func (r *RapidAPI) FetchBars(ctx context.Context, symbol string, w models.Window) ([]models.Bar, error) {
	fail := failure{source: r.name, capability: CapabilityBars, symbol: symbol}
	now := r.opts.now()
	body, err := r.get(ctx, fail, "/stock/get-historical-data", map[string]string{
		"symbol":   symbol,
		"period1":  strconv.FormatInt(w.Start(now).Unix(), 10),
		"period2":  strconv.FormatInt(now.Unix(), 10),
		"interval": w.Interval,
		"lang":     "en-US",
		"region":   "US",
	}, r.headers())
	if err != nil {
		return nil, err
	}

	var resp rapidHistory
	if err := decode(fail, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fail.unavailable("empty series")
	}

	bars := make([]models.Bar, 0, len(resp.Data))
	for i, row := range resp.Data {
		if row.Open == nil || row.High == nil || row.Low == nil || row.Close == nil {
			return nil, fail.malformed("row %d: missing price fields", i)
		}
		bars = append(bars, models.Bar{
			Time:   time.Unix(row.Date, 0).UTC(),
			Open:   *row.Open,
			High:   *row.High,
			Low:    *row.Low,
			Close:  *row.Close,
			Volume: int64(row.Volume),
		})
	}
	if err := models.ValidateBars(bars); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return trimToWindow(bars, w, now), nil
}
