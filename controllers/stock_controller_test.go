package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/models"
	"marketfeed/services/analysis"
	"marketfeed/services/forecast"
	"marketfeed/services/market"
	"marketfeed/services/router"
)

type fakeMarket struct {
	quoteErr error
	lastDays int
	lastWin  [2]string
	summary  *market.MarketSummary

	searchLimit int
}

func (f *fakeMarket) GetQuote(_ context.Context, symbol string) (*market.QuoteResult, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	cached := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)
	return &market.QuoteResult{
		Quote:     &models.Quote{Symbol: symbol, CurrentPrice: 190.5, PreviousClose: 189, Source: "yahoo", Timestamp: cached},
		Change:    1.5,
		Freshness: market.Freshness{Stale: true, CachedAt: &cached},
	}, nil
}

func (f *fakeMarket) GetHistory(_ context.Context, symbol, period, interval string) (*market.HistoryResult, error) {
	f.lastWin = [2]string{period, interval}
	if _, err := models.ParseWindow(period, interval); err != nil {
		return nil, err
	}
	return &market.HistoryResult{BarSeries: &models.BarSeries{Symbol: symbol, Period: period, Interval: interval}}, nil
}

func (f *fakeMarket) GetIndicators(_ context.Context, symbol string) (*market.IndicatorsResult, error) {
	return nil, fmt.Errorf("indicators %s: %w", symbol, analysis.ErrInsufficientData)
}

func (f *fakeMarket) GetForecast(_ context.Context, symbol string, days int) (*market.ForecastResult, error) {
	f.lastDays = days
	if days < 0 || days > 30 {
		return nil, forecast.ErrInvalidHorizon
	}
	return &market.ForecastResult{Forecast: &forecast.Forecast{Symbol: symbol}}, nil
}

func (f *fakeMarket) GetOverview(ctx context.Context, symbol string) (*market.Overview, error) {
	q, err := f.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &market.Overview{Symbol: symbol, Quote: q, ForecastUnavailable: "insufficient history for forecast"}, nil
}

func (f *fakeMarket) GetMarket(context.Context) *market.MarketSummary { return f.summary }

func (f *fakeMarket) Instrument(_ context.Context, symbol string) (*models.Instrument, error) {
	if symbol == "AAPL" {
		return &models.Instrument{ID: 1, Symbol: "AAPL", Name: "Apple Inc."}, nil
	}
	return nil, market.ErrNotFound
}

func (f *fakeMarket) SearchInstruments(_ context.Context, query string, limit int) ([]models.Instrument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, market.ErrInvalidQuery
	}
	f.searchLimit = limit
	all := []models.Instrument{{ID: 1, Symbol: "AAPL", Name: "Apple Inc."}, {ID: 2, Symbol: "MSFT", Name: "Microsoft Corporation"}}
	var out []models.Instrument
	for _, inst := range all {
		if strings.Contains(strings.ToLower(inst.Symbol+" "+inst.Name), strings.ToLower(query)) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func newStockRouter(svc MarketService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sc := NewStockController(svc)
	r.GET("/stocks/search", sc.SearchInstruments)
	r.GET("/stocks/:symbol", sc.GetInstrument)
	r.GET("/stocks/:symbol/quote", sc.GetQuote)
	r.GET("/stocks/:symbol/history", sc.GetHistory)
	r.GET("/stocks/:symbol/indicators", sc.GetIndicators)
	r.GET("/stocks/:symbol/forecast", sc.GetForecast)
	r.GET("/stocks/:symbol/overview", sc.GetOverview)
	r.GET("/market/indices", sc.GetMarketIndices)
	return r
}

func get(t *testing.T, h http.Handler, url string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestGetQuoteDegradedIsOK(t *testing.T) {
	w, body := get(t, newStockRouter(&fakeMarket{}), "/stocks/AAPL/quote")
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, "AAPL", data["symbol"])
	assert.Equal(t, 190.5, data["current_price"])
	assert.Equal(t, true, data["stale"])
	assert.Equal(t, "2024-05-02T14:00:00Z", data["cached_at"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		status      int
		unavailable bool
	}{
		{"invalid symbol", fmt.Errorf("x: %w", models.ErrInvalidSymbol), http.StatusBadRequest, false},
		{"no sources", errors.Join(router.ErrAllSourcesUnavailable, errors.New("yahoo: unavailable")), http.StatusServiceUnavailable, true},
		{"deadline", errors.Join(router.ErrAllSourcesUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout, false},
		{"insufficient", forecast.ErrInsufficientHistory, http.StatusUnprocessableEntity, true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := get(t, newStockRouter(&fakeMarket{quoteErr: tt.err}), "/stocks/AAPL/quote")
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, body["error"])
			if tt.unavailable {
				assert.Equal(t, "unavailable", body["status"])
			} else {
				assert.NotContains(t, body, "status")
			}
		})
	}
}

func TestGetHistoryDefaultsAndValidation(t *testing.T) {
	svc := &fakeMarket{}
	r := newStockRouter(svc)

	w, _ := get(t, r, "/stocks/AAPL/history")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"1y", "1d"}, svc.lastWin)

	w, _ = get(t, r, "/stocks/AAPL/history?period=7y&interval=1d")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetIndicatorsInsufficient(t *testing.T) {
	w, body := get(t, newStockRouter(&fakeMarket{}), "/stocks/AAPL/indicators")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestGetForecastDays(t *testing.T) {
	svc := &fakeMarket{}
	r := newStockRouter(svc)

	w, _ := get(t, r, "/stocks/AAPL/forecast")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, svc.lastDays)

	w, _ = get(t, r, "/stocks/AAPL/forecast?days=14")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 14, svc.lastDays)

	w, _ = get(t, r, "/stocks/AAPL/forecast?days=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = get(t, r, "/stocks/AAPL/forecast?days=90")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOverviewCarriesUnavailableReason(t *testing.T) {
	w, body := get(t, newStockRouter(&fakeMarket{}), "/stocks/AAPL/overview")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "insufficient history for forecast", data["forecast_unavailable"])
	assert.NotContains(t, data, "forecast")
}

func TestGetInstrument(t *testing.T) {
	r := newStockRouter(&fakeMarket{})

	w, body := get(t, r, "/stocks/AAPL")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Apple Inc.", body["data"].(map[string]any)["name"])

	w, _ = get(t, r, "/stocks/ZZZZ")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchInstruments(t *testing.T) {
	svc := &fakeMarket{}
	r := newStockRouter(svc)

	w, body := get(t, r, "/stocks/search?q=micro&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, svc.searchLimit)
	assert.Equal(t, float64(1), body["count"])
	data := body["data"].([]any)
	assert.Equal(t, "MSFT", data[0].(map[string]any)["symbol"])

	w, _ = get(t, r, "/stocks/search")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = get(t, r, "/stocks/search?q=apple&limit=lots")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMarketIndices(t *testing.T) {
	svc := &fakeMarket{summary: &market.MarketSummary{
		Indices:     []market.IndexQuote{{Symbol: "^GSPC", Name: "S&P 500", CurrentPrice: 5000}},
		Unavailable: []string{"^RUT"},
	}}
	r := newStockRouter(svc)

	w, body := get(t, r, "/market/indices")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Len(t, data["indices"], 1)
	assert.Equal(t, []any{"^RUT"}, data["unavailable"])

	svc.summary = &market.MarketSummary{Unavailable: []string{"^GSPC", "^RUT"}}
	w, body = get(t, r, "/market/indices")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
}
