package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketfeed/models"
	"marketfeed/services/broker"
)

// StreamController upgrades clients to the live update stream.
type StreamController struct {
	ws *broker.WSHandler
}

func NewStreamController(ws *broker.WSHandler) *StreamController {
	return &StreamController{ws: ws}
}

// Connect opens a command-driven stream with no initial topics
// GET /ws
func (sc *StreamController) Connect(c *gin.Context) {
	sc.ws.Serve(c.Writer, c.Request)
}

// Stock streams one instrument
// GET /ws/stocks/:symbol
func (sc *StreamController) Stock(c *gin.Context) {
	symbol, err := models.NormalizeSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc.ws.Serve(c.Writer, c.Request, broker.StockTopic(symbol))
}

// Market streams the aggregate index summary
// GET /ws/market
func (sc *StreamController) Market(c *gin.Context) {
	sc.ws.Serve(c.Writer, c.Request, broker.MarketTopic)
}
