package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"marketfeed/controllers"
	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/middleware"
	"marketfeed/services/broker"
)

// Deps carries everything the HTTP surface reads from.
type Deps struct {
	Market    controllers.MarketService
	Sources   controllers.SourceReporter
	Refresher controllers.RefreshReporter
	Broker    controllers.StreamReporter
	Stream    *broker.WSHandler
	Checks    map[string]controllers.Check
	Limiter   *middleware.RateLimiter
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = logger.Component("http")
	}
	router.Use(middleware.Observe(d.Metrics, d.Logger))

	stockController := controllers.NewStockController(d.Market)
	statusController := controllers.NewStatusController(d.Sources, d.Refresher, d.Broker, d.Checks)
	streamController := controllers.NewStreamController(d.Stream)

	router.GET("/health", statusController.Health)
	router.GET("/ready", statusController.Ready)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(d.Gatherer)))
	}

	// API v1 group
	api := router.Group("/api/v1")
	if d.Limiter != nil {
		api.Use(middleware.RateLimit(d.Limiter))
	}
	{
		// Stock routes
		stocks := api.Group("/stocks")
		{
			stocks.GET("/search", stockController.SearchInstruments)
			stocks.GET("/:symbol", stockController.GetInstrument)
			stocks.GET("/:symbol/info", stockController.GetInstrument)
			stocks.GET("/:symbol/quote", stockController.GetQuote)
			stocks.GET("/:symbol/history", stockController.GetHistory)
			stocks.GET("/:symbol/indicators", stockController.GetIndicators)
			stocks.GET("/:symbol/forecast", stockController.GetForecast)
			stocks.GET("/:symbol/overview", stockController.GetOverview)
		}

		// Market routes
		market := api.Group("/market")
		{
			market.GET("/indices", stockController.GetMarketIndices)
		}

		api.GET("/sources", statusController.GetSources)
		api.GET("/scheduler", statusController.GetScheduler)
	}

	// Streaming routes
	ws := router.Group("/ws")
	if d.Limiter != nil {
		ws.Use(middleware.RateLimit(d.Limiter))
	}
	{
		ws.GET("", streamController.Connect)
		ws.GET("/stocks/:symbol", streamController.Stock)
		ws.GET("/market", streamController.Market)
	}
}
