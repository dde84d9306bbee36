package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"marketfeed/scheduler"
	"marketfeed/services/router"
)

type SourceReporter interface {
	Health() []router.SourceHealth
}

type RefreshReporter interface {
	Status() []scheduler.InstrumentStatus
}

type StreamReporter interface {
	Connections() int
	Topics() map[string]int
}

// Check verifies that one backing service is ready.
type Check func(ctx context.Context) error

// StatusController serves liveness, readiness and the engine's internal tables.
type StatusController struct {
	sources   SourceReporter
	refresher RefreshReporter
	streams   StreamReporter
	checks    map[string]Check
	timeout   time.Duration
	started   time.Time
}

func NewStatusController(sources SourceReporter, refresher RefreshReporter, streams StreamReporter, checks map[string]Check) *StatusController {
	return &StatusController{
		sources:   sources,
		refresher: refresher,
		streams:   streams,
		checks:    checks,
		timeout:   3 * time.Second,
		started:   time.Now(),
	}
}

// Health reports liveness
// GET /health
func (sc *StatusController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(sc.started).Seconds()),
		"connections":    sc.streams.Connections(),
		"time":           time.Now().UTC(),
	})
}

// Ready runs every dependency check concurrently
// GET /ready
func (sc *StatusController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sc.timeout)
	defer cancel()

	names := make([]string, 0, len(sc.checks))
	for name := range sc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var g errgroup.Group
	for i, name := range names {
		check := sc.checks[name]
		g.Go(func() error {
			if err := check(ctx); err != nil {
				results[i] = err.Error()
				return err
			}
			results[i] = "ok"
			return nil
		})
	}
	err := g.Wait()

	deps := make(gin.H, len(names))
	for i, name := range names {
		deps[name] = results[i]
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": deps})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": deps})
}

// GetSources lists the source health table
// GET /api/v1/sources
func (sc *StatusController) GetSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.sources.Health()})
}

// GetScheduler lists the refresh loops and live topic counts
// GET /api/v1/scheduler
func (sc *StatusController) GetScheduler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":        sc.refresher.Status(),
		"topics":      sc.streams.Topics(),
		"connections": sc.streams.Connections(),
	})
}
