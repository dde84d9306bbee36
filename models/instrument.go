package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Instrument is a tracked ticker. Rows are created once and never updated.
type Instrument struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"uniqueIndex;size:16;not null" json:"symbol"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// QuoteSnapshot is the last persisted quote per instrument
type QuoteSnapshot struct {
	Symbol        string          `gorm:"primaryKey;size:16" json:"symbol"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `gorm:"type:decimal(20,6)" json:"price"`
	PreviousClose decimal.Decimal `gorm:"type:decimal(20,6)" json:"previous_close"`
	Volume        int64           `json:"volume"`
	MarketCap     decimal.Decimal `gorm:"type:decimal(24,2)" json:"market_cap"`
	Source        string          `gorm:"size:32" json:"source"`
	QuotedAt      time.Time       `gorm:"index" json:"quoted_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewQuoteSnapshot converts a live quote into its persisted form.
func NewQuoteSnapshot(q *Quote) *QuoteSnapshot {
	return &QuoteSnapshot{
		Symbol:        q.Symbol,
		Name:          q.Name,
		Price:         decimal.NewFromFloat(q.CurrentPrice),
		PreviousClose: decimal.NewFromFloat(q.PreviousClose),
		Volume:        q.Volume,
		MarketCap:     decimal.NewFromFloat(q.MarketCap),
		Source:        q.Source,
		QuotedAt:      q.Timestamp.UTC(),
	}
}

// Quote converts the snapshot back into a quote.
func (s *QuoteSnapshot) Quote() *Quote {
	return &Quote{
		Symbol:        s.Symbol,
		Name:          s.Name,
		CurrentPrice:  s.Price.InexactFloat64(),
		PreviousClose: s.PreviousClose.InexactFloat64(),
		Volume:        s.Volume,
		MarketCap:     s.MarketCap.InexactFloat64(),
		Source:        s.Source,
		Timestamp:     s.QuotedAt,
	}
}

// MigrateMarketModels runs database migrations for market models
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Instrument{},
		&QuoteSnapshot{},
	)
}
