package routes

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/metrics"
	"marketfeed/middleware"
	"marketfeed/scheduler"
	"marketfeed/services/broker"
	"marketfeed/services/router"
)

type noSources struct{}

func (noSources) Health() []router.SourceHealth { return nil }

type noLoops struct{}

func (noLoops) Status() []scheduler.InstrumentStatus { return nil }

func newEngine(t *testing.T, limiter *middleware.RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	b := broker.New(broker.Config{}, broker.WithLogger(quiet))
	t.Cleanup(b.Close)

	e := gin.New()
	SetupRoutes(e, Deps{
		Sources:   noSources{},
		Refresher: noLoops{},
		Broker:    b,
		Stream:    broker.NewWSHandler(b, broker.WSConfig{}, broker.WithWSLogger(quiet)),
		Limiter:   limiter,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    quiet,
	})
	return e
}

func TestSetupRoutesRegistersSurface(t *testing.T) {
	e := newEngine(t, nil)

	var got []string
	for _, r := range e.Routes() {
		got = append(got, r.Method+" "+r.Path)
	}
	for _, want := range []string{
		"GET /health",
		"GET /ready",
		"GET /metrics",
		"GET /api/v1/stocks/search",
		"GET /api/v1/stocks/:symbol",
		"GET /api/v1/stocks/:symbol/info",
		"GET /api/v1/stocks/:symbol/quote",
		"GET /api/v1/stocks/:symbol/history",
		"GET /api/v1/stocks/:symbol/indicators",
		"GET /api/v1/stocks/:symbol/forecast",
		"GET /api/v1/stocks/:symbol/overview",
		"GET /api/v1/market/indices",
		"GET /api/v1/sources",
		"GET /api/v1/scheduler",
		"GET /ws",
		"GET /ws/stocks/:symbol",
		"GET /ws/market",
	} {
		assert.Contains(t, got, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEngine(t, nil)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "marketfeed_http_request_duration_seconds"))
}

func TestAPIIsRateLimited(t *testing.T) {
	e := newEngine(t, middleware.NewRateLimiter(0.001, 1, time.Minute))

	do := func(path string) int {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("/api/v1/sources"))
	assert.Equal(t, http.StatusTooManyRequests, do("/api/v1/sources"))
	// liveness stays outside the limiter
	assert.Equal(t, http.StatusOK, do("/health"))
}

func TestStockStreamRejectsBadSymbol(t *testing.T) {
	e := newEngine(t, nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/stocks/not%20valid!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
