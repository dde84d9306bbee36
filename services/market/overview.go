package market

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/iter"

	"marketfeed/models"
	"marketfeed/services/analysis"
	"marketfeed/services/forecast"
)

// Overview bundles quote, indicators and forecast. Parts that cannot be
// computed are replaced by a reason instead of failing the whole response.
type Overview struct {
	Symbol                string             `json:"symbol"`
	Quote                 *QuoteResult       `json:"quote"`
	Indicators            *analysis.Summary  `json:"indicators,omitempty"`
	IndicatorsUnavailable string             `json:"indicators_unavailable,omitempty"`
	Forecast              *forecast.Forecast `json:"forecast,omitempty"`
	ForecastUnavailable   string             `json:"forecast_unavailable,omitempty"`
	Freshness
}

// GetOverview fails only when the quote itself is unavailable.
func (s *Service) GetOverview(ctx context.Context, raw string) (*Overview, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}

	var (
		wg       conc.WaitGroup
		quote    *QuoteResult
		quoteErr error
		ind      *IndicatorsResult
		indErr   error
		fc       *ForecastResult
		fcErr    error
	)
	wg.Go(func() { quote, quoteErr = s.GetQuote(ctx, symbol) })
	wg.Go(func() { ind, indErr = s.GetIndicators(ctx, symbol) })
	wg.Go(func() { fc, fcErr = s.GetForecast(ctx, symbol, 0) })
	wg.Wait()

	if quoteErr != nil {
		return nil, quoteErr
	}
	out := &Overview{Symbol: symbol, Quote: quote, Freshness: quote.Freshness}
	if indErr != nil {
		out.IndicatorsUnavailable = indErr.Error()
	} else {
		out.Indicators = ind.Summary
		out.Stale = out.Stale || ind.Stale
	}
	if fcErr != nil {
		out.ForecastUnavailable = fcErr.Error()
	} else {
		out.Forecast = fc.Forecast
		out.Stale = out.Stale || fc.Stale
	}
	return out, nil
}

type IndexQuote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	CurrentPrice  float64   `json:"current_price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	Stale         bool      `json:"stale"`
}

type MarketSummary struct {
	Indices     []IndexQuote `json:"indices"`
	Unavailable []string     `json:"unavailable,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type indexResult struct {
	idx   Index
	quote *QuoteResult
}

// GetMarket quotes every configured index. Indices with no data at all are
// listed as unavailable.
func (s *Service) GetMarket(ctx context.Context) *MarketSummary {
	results := iter.Map(s.cfg.Indices, func(idx *Index) indexResult {
		q, err := s.GetQuote(ctx, idx.Symbol)
		if err != nil {
			return indexResult{idx: *idx}
		}
		return indexResult{idx: *idx, quote: q}
	})
	return s.summarize(results)
}

// CachedMarket builds the summary from cached quotes only.
func (s *Service) CachedMarket() *MarketSummary {
	results := make([]indexResult, len(s.cfg.Indices))
	for i, idx := range s.cfg.Indices {
		results[i].idx = idx
		if q, f, ok := s.cachedQuote(idx.Symbol); ok {
			results[i].quote = newQuoteResult(q, f)
		}
	}
	return s.summarize(results)
}

func (s *Service) summarize(results []indexResult) *MarketSummary {
	out := &MarketSummary{Indices: make([]IndexQuote, 0, len(results)), Timestamp: s.now().UTC()}
	for _, r := range results {
		if r.quote == nil {
			out.Unavailable = append(out.Unavailable, r.idx.Symbol)
			continue
		}
		name := r.idx.Name
		if name == "" {
			name = r.quote.Name
		}
		out.Indices = append(out.Indices, IndexQuote{
			Symbol:        r.idx.Symbol,
			Name:          name,
			CurrentPrice:  r.quote.CurrentPrice,
			Change:        r.quote.Change,
			ChangePercent: r.quote.ChangePercent,
			Source:        r.quote.Source,
			Timestamp:     r.quote.Timestamp,
			Stale:         r.quote.Stale,
		})
	}
	return out
}
