package market

import (
	"marketfeed/models"
	"marketfeed/services/broker"
)

// QuoteEnvelope wraps a quote as a stock_update for its symbol topic.
func QuoteEnvelope(q *models.Quote, f Freshness) broker.Envelope {
	return broker.Envelope{
		Type:   broker.TypeStockUpdate,
		Topic:  broker.StockTopic(q.Symbol),
		Symbol: q.Symbol,
		Data:   newQuoteResult(q, f),
	}
}

// MarketEnvelope wraps m for the market topic.
func MarketEnvelope(m *MarketSummary) broker.Envelope {
	return broker.Envelope{
		Type:  broker.TypeMarketUpdate,
		Topic: broker.MarketTopic,
		Data:  m,
	}
}

// ErrorEnvelope tells subscribers of topic that fresh data is unavailable.
func ErrorEnvelope(topic, symbol, message string) broker.Envelope {
	return broker.Envelope{
		Type:    broker.TypeError,
		Topic:   topic,
		Symbol:  symbol,
		Message: message,
	}
}

// InitialEnvelope returns the cached value a new subscriber of topic sees first.
func (s *Service) InitialEnvelope(topic string) (broker.Envelope, bool) {
	if topic == broker.MarketTopic {
		m := s.CachedMarket()
		if len(m.Indices) == 0 {
			return broker.Envelope{}, false
		}
		return MarketEnvelope(m), true
	}
	symbol, ok := broker.SymbolOf(topic)
	if !ok {
		return broker.Envelope{}, false
	}
	q, f, ok := s.cachedQuote(symbol)
	if !ok {
		return broker.Envelope{}, false
	}
	return QuoteEnvelope(q, f), true
}
