package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketfeed/models"
	"marketfeed/services/forecast"
	"marketfeed/services/market"
)

// MarketService is the query surface the stock and market endpoints read from.
type MarketService interface {
	GetQuote(ctx context.Context, symbol string) (*market.QuoteResult, error)
	GetHistory(ctx context.Context, symbol, period, interval string) (*market.HistoryResult, error)
	GetIndicators(ctx context.Context, symbol string) (*market.IndicatorsResult, error)
	GetForecast(ctx context.Context, symbol string, days int) (*market.ForecastResult, error)
	GetOverview(ctx context.Context, symbol string) (*market.Overview, error)
	GetMarket(ctx context.Context) *market.MarketSummary
	Instrument(ctx context.Context, symbol string) (*models.Instrument, error)
	SearchInstruments(ctx context.Context, query string, limit int) ([]models.Instrument, error)
}

// StockController handles stock-related requests
type StockController struct {
	market MarketService
}

// NewStockController creates a new stock controller
func NewStockController(svc MarketService) *StockController {
	return &StockController{market: svc}
}

// GetInstrument returns the registry entry for a symbol
// GET /api/v1/stocks/:symbol
// GET /api/v1/stocks/:symbol/info
func (sc *StockController) GetInstrument(c *gin.Context) {
	inst, err := sc.market.Instrument(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inst})
}

// SearchInstruments finds known instruments by symbol or name
// GET /api/v1/stocks/search?q=apple&limit=10
func (sc *StockController) SearchInstruments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, fmt.Errorf("limit %q: %w", raw, market.ErrInvalidQuery))
			return
		}
		limit = n
	}

	list, err := sc.market.SearchInstruments(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "count": len(list)})
}

// GetQuote returns the current quote
// GET /api/v1/stocks/:symbol/quote
func (sc *StockController) GetQuote(c *gin.Context) {
	q, err := sc.market.GetQuote(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": q})
}

// GetHistory returns ordered bars for a window
// GET /api/v1/stocks/:symbol/history?period=1y&interval=1d
func (sc *StockController) GetHistory(c *gin.Context) {
	period := c.DefaultQuery("period", models.DefaultWindow.Period)
	interval := c.DefaultQuery("interval", models.DefaultWindow.Interval)

	h, err := sc.market.GetHistory(c.Request.Context(), c.Param("symbol"), period, interval)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h})
}

// GetIndicators returns the technical indicator summary
// GET /api/v1/stocks/:symbol/indicators
func (sc *StockController) GetIndicators(c *gin.Context) {
	ind, err := sc.market.GetIndicators(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ind})
}

// GetForecast returns the price projection
// GET /api/v1/stocks/:symbol/forecast?days=7
func (sc *StockController) GetForecast(c *gin.Context) {
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, fmt.Errorf("days %q: %w", raw, forecast.ErrInvalidHorizon))
			return
		}
		days = n
	}

	f, err := sc.market.GetForecast(c.Request.Context(), c.Param("symbol"), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": f})
}

// GetOverview returns quote, indicators and forecast in one response
// GET /api/v1/stocks/:symbol/overview
func (sc *StockController) GetOverview(c *gin.Context) {
	o, err := sc.market.GetOverview(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": o})
}

// GetMarketIndices returns the major index quotes. Indices that could not be
// resolved are listed under "unavailable" rather than failing the response.
// GET /api/v1/market/indices
func (sc *StockController) GetMarketIndices(c *gin.Context) {
	m := sc.market.GetMarket(c.Request.Context())
	if len(m.Indices) == 0 && len(m.Unavailable) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":      "unavailable",
			"error":       "market data temporarily unavailable",
			"unavailable": m.Unavailable,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}
