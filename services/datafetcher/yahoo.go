package datafetcher

import (
	"context"
	"net/http"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/equity"
	"github.com/piquette/finance-go/quote"
	"golang.org/x/time/rate"

	"marketfeed/models"
)

// Yahoo serves quotes and bars through the finance-go Yahoo Finance client.
type Yahoo struct {
	limiter *rate.Limiter
	opts    Options

	// swappable for tests
	getQuote  func(symbol string) (*finance.Quote, error)
	getEquity func(symbol string) (*finance.Equity, error)
	getChart  func(params *chart.Params) ([]finance.ChartBar, error)
}

// NewYahoo creates the Yahoo Finance adapter.
func NewYahoo(opts Options) *Yahoo {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	finance.SetHTTPClient(&http.Client{Timeout: timeout})

	return &Yahoo{
		limiter:   newLimiter(opts.RequestsPerMinute),
		opts:      opts,
		getQuote:  quote.Get,
		getEquity: equity.Get,
		getChart:  collectChart,
	}
}

func (y *Yahoo) Name() string { return "yahoo" }

func collectChart(params *chart.Params) ([]finance.ChartBar, error) {
	iter := chart.Get(params)
	var bars []finance.ChartBar
	for iter.Next() {
		bars = append(bars, *iter.Bar())
	}
	return bars, iter.Err()
}

func (y *Yahoo) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	fail := failure{source: y.Name(), capability: CapabilityQuote, symbol: symbol}
	if !allow(y.limiter) {
		return nil, fail.rateLimited("local request quota exhausted")
	}

	fq, err := callWithContext(ctx, func() (*finance.Quote, error) { return y.getQuote(symbol) })
	if err != nil {
		return nil, y.classify(fail, err)
	}
	if fq == nil {
		return nil, fail.unavailable("symbol not found")
	}

	q := &models.Quote{
		Symbol:        symbol,
		Name:          fq.ShortName,
		CurrentPrice:  fq.RegularMarketPrice,
		PreviousClose: fq.RegularMarketPreviousClose,
		Volume:        int64(fq.RegularMarketVolume),
		Source:        y.Name(),
		Timestamp:     y.opts.now(),
	}
	if fq.RegularMarketTime > 0 {
		q.Timestamp = time.Unix(int64(fq.RegularMarketTime), 0).UTC()
	}
	if strings.EqualFold(string(fq.QuoteType), "EQUITY") {
		// Market cap is an equity-only field; a failed lookup leaves it zero.
		if eq, err := callWithContext(ctx, func() (*finance.Equity, error) { return y.getEquity(symbol) }); err == nil && eq != nil {
			q.MarketCap = float64(eq.MarketCap)
		}
	}
	if err := q.Validate(); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return q, nil
}

func (y *Yahoo) FetchBars(ctx context.Context, symbol string, w models.Window) ([]models.Bar, error) {
	fail := failure{source: y.Name(), capability: CapabilityBars, symbol: symbol}
	if !allow(y.limiter) {
		return nil, fail.rateLimited("local request quota exhausted")
	}

	now := y.opts.now()
	start := w.Start(now)
	params := &chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&now),
		Interval: datetime.Interval(w.Interval),
	}
	raw, err := callWithContext(ctx, func() ([]finance.ChartBar, error) { return y.getChart(params) })
	if err != nil {
		return nil, y.classify(fail, err)
	}
	if len(raw) == 0 {
		return nil, fail.unavailable("empty series")
	}

	bars := make([]models.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, models.Bar{
			Time:   time.Unix(int64(b.Timestamp), 0).UTC(),
			Open:   b.Open.InexactFloat64(),
			High:   b.High.InexactFloat64(),
			Low:    b.Low.InexactFloat64(),
			Close:  b.Close.InexactFloat64(),
			Volume: int64(b.Volume),
		})
	}
	if err := models.ValidateBars(bars); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return bars, nil
}

func (y *Yahoo) classify(fail failure, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests") {
		return fail.rateLimited("%s", msg)
	}
	return fail.unavailable("%s", msg)
}
