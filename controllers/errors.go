package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/services/analysis"
	"marketfeed/services/forecast"
	"marketfeed/services/market"
	"marketfeed/services/router"
)

// statusOf maps a service error onto an HTTP status. The second result marks
// failures reported with "status":"unavailable".
func statusOf(err error) (int, bool) {
	switch {
	case errors.Is(err, models.ErrInvalidSymbol),
		errors.Is(err, models.ErrInvalidWindow),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, market.ErrInvalidQuery):
		return http.StatusBadRequest, false
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, false
	case errors.Is(err, analysis.ErrInsufficientData),
		errors.Is(err, forecast.ErrInsufficientHistory):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, router.ErrAllSourcesUnavailable):
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, false
	}
}

func respondError(c *gin.Context, err error) {
	status, unavailable := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Component("http").Warn("request failed",
			"path", c.Request.URL.Path, "status", status, "error", err)
	}

	body := gin.H{"error": err.Error()}
	if unavailable {
		body["status"] = "unavailable"
	}
	c.AbortWithStatusJSON(status, body)
}
