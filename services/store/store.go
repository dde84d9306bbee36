// Package store persists the instrument registry and last-quote snapshots with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketfeed/logger"
	"marketfeed/models"
)

var ErrNotFound = errors.New("not found")

// Store persists the instrument registry and last-quote snapshots through gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New creates a store over db. Call Migrate before first use.
func New(db *gorm.DB, l *slog.Logger) *Store {
	if l == nil {
		l = logger.Component("store")
	}
	return &Store{db: db, logger: l}
}

// Migrate creates or updates the market tables.
func (s *Store) Migrate() error {
	if err := models.MigrateMarketModels(s.db); err != nil {
		return fmt.Errorf("migrate market models: %w", err)
	}
	return nil
}

// EnsureInstrument returns the instrument for symbol, creating it with name
// on first sight. An existing row is never modified.
func (s *Store) EnsureInstrument(ctx context.Context, symbol, name string) (*models.Instrument, error) {
	inst := &models.Instrument{Symbol: symbol, Name: name}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "symbol"}}, DoNothing: true}).
		Create(inst).Error
	if err != nil {
		return nil, fmt.Errorf("create instrument %s: %w", symbol, err)
	}
	return s.Instrument(ctx, symbol)
}

// Instrument returns the registry entry for symbol, or ErrNotFound.
func (s *Store) Instrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	var inst models.Instrument
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instrument %s: %w", symbol, err)
	}
	return &inst, nil
}

// Instruments lists every registered instrument ordered by symbol.
func (s *Store) Instruments(ctx context.Context) ([]models.Instrument, error) {
	var out []models.Instrument
	if err := s.db.WithContext(ctx).Order("symbol").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return out, nil
}

// SearchInstruments returns up to limit instruments whose symbol or name
// contains query, ignoring case. Symbol matches sort first.
func (s *Store) SearchInstruments(ctx context.Context, query string, limit int) ([]models.Instrument, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	var out []models.Instrument
	err := s.db.WithContext(ctx).
		Where(`LOWER(symbol) LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\'`, pattern, pattern).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:  `CASE WHEN LOWER(symbol) LIKE ? ESCAPE '\' THEN 0 ELSE 1 END, symbol`,
			Vars: []any{pattern},
		}}).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("search instruments %q: %w", query, err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// SaveSnapshots upserts the given quotes, skipping any that are not newer
// than the stored snapshot. It returns how many rows were written.
func (s *Store) SaveSnapshots(ctx context.Context, quotes []*models.Quote) (int, error) {
	written := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, q := range quotes {
			if q == nil {
				continue
			}
			var cur models.QuoteSnapshot
			err := tx.Where("symbol = ?", q.Symbol).First(&cur).Error
			switch {
			case err == nil:
				if !q.Timestamp.After(cur.QuotedAt) {
					continue
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
			if err := tx.Save(models.NewQuoteSnapshot(q)).Error; err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save snapshots: %w", err)
	}
	if written > 0 {
		s.logger.Debug("quote snapshots saved", slog.Int("count", written))
	}
	return written, nil
}

// LatestQuote returns the persisted snapshot for symbol as a quote.
func (s *Store) LatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	var snap models.QuoteSnapshot
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", symbol, err)
	}
	return snap.Quote(), nil
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
