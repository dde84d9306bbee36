// Package forecast projects closing prices a few bars ahead with a linear
// model fitted on the most recent window of a series. Identical input and
// configuration always produce identical output.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"marketfeed/models"
)

var (
	ErrInsufficientHistory = errors.New("insufficient history for forecast")
	ErrInvalidHorizon      = errors.New("invalid forecast horizon")
)

const minWindow = warmup + 20

// Config sets the training window and the forecast horizon bounds.
type Config struct {
	// Bars used for training, counted from the newest.
	Window     int `mapstructure:"window"`
	Horizon    int `mapstructure:"horizon"`
	MaxHorizon int `mapstructure:"max_horizon"`
	// Ridge penalty per training row.
	Ridge float64 `mapstructure:"ridge"`
	// How fast confidence decays with relative fit error and distance.
	Decay float64 `mapstructure:"decay"`
}

// DefaultConfig returns the forecast settings used when none are configured.
func DefaultConfig() Config {
	return Config{Window: 120, Horizon: 7, MaxHorizon: 30, Ridge: 1e-6, Decay: 10}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window < minWindow {
		if c.Window <= 0 {
			c.Window = d.Window
		} else {
			c.Window = minWindow
		}
	}
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = d.MaxHorizon
	}
	if c.Ridge <= 0 {
		c.Ridge = d.Ridge
	}
	if c.Decay <= 0 {
		c.Decay = d.Decay
	}
	return c
}

type Point struct {
	Date           string  `json:"date"`
	PredictedPrice float64 `json:"predicted_price"`
	Confidence     float64 `json:"confidence"`
}

type Model struct {
	Name           string   `json:"name"`
	Features       []string `json:"features"`
	Window         int      `json:"window"`
	TrainingPoints int      `json:"training_points"`
	RMSE           float64  `json:"rmse"`
	R2             float64  `json:"r2"`
}

// Forecast is a projection of closing prices over the horizon.
type Forecast struct {
	Symbol             string    `json:"symbol"`
	Predictions        []Point   `json:"predictions"`
	Model              Model     `json:"model"`
	TrainingDataPoints int       `json:"training_data_points"`
	LastActualPrice    float64   `json:"last_actual_price"`
	PredictionDate     time.Time `json:"prediction_date"`
}

// CheckHorizon resolves a requested horizon, zero meaning the configured
// default, and rejects values outside 1..MaxHorizon.
func CheckHorizon(horizon int, cfg Config) (int, error) {
	cfg = cfg.withDefaults()
	if horizon == 0 {
		horizon = cfg.Horizon
	}
	if horizon < 1 || horizon > cfg.MaxHorizon {
		return 0, fmt.Errorf("%w: %d (1..%d)", ErrInvalidHorizon, horizon, cfg.MaxHorizon)
	}
	return horizon, nil
}

// Predict fits on the newest cfg.Window bars and projects horizon bars
// ahead, feeding each predicted close back in as the next bar's close.
// Volume for projected bars is held at the last observed value.
func Predict(series *models.BarSeries, horizon int, cfg Config) (*Forecast, error) {
	cfg = cfg.withDefaults()
	horizon, err := CheckHorizon(horizon, cfg)
	if err != nil {
		return nil, err
	}
	if series == nil || len(series.Bars) < cfg.Window {
		have := 0
		if series != nil {
			have = len(series.Bars)
		}
		return nil, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientHistory, cfg.Window, have)
	}

	bars := series.Bars[len(series.Bars)-cfg.Window:]
	closes := make([]float64, len(bars), len(bars)+horizon)
	volumes := make([]float64, len(bars), len(bars)+horizon)
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = float64(b.Volume)
	}

	// row i maps features at bar i to the close at i+1
	var x [][]float64
	var y []float64
	for i := warmup - 1; i < len(bars)-1; i++ {
		x = append(x, featureRow(closes, volumes, i))
		y = append(y, closes[i+1])
	}

	model, err := fitLinear(x, y, cfg.Ridge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientHistory, err)
	}
	rmse, r2 := model.fitStats(x, y)

	last := closes[len(closes)-1]
	lastVolume := volumes[len(volumes)-1]
	fit := math.Min(math.Max(r2, 0), 1)
	relErr := rmse / last

	out := &Forecast{
		Symbol: series.Symbol,
		Model: Model{
			Name:           "linear_regression",
			Features:       FeatureNames,
			Window:         cfg.Window,
			TrainingPoints: len(x),
			RMSE:           round(rmse, 4),
			R2:             round(r2, 4),
		},
		TrainingDataPoints: len(x),
		LastActualPrice:    round(last, 2),
		PredictionDate:     series.RetrievedAt,
	}

	date := bars[len(bars)-1].Time
	for h := 1; h <= horizon; h++ {
		pred := model.predict(featureRow(closes, volumes, len(closes)-1))
		if math.IsNaN(pred) || math.IsInf(pred, 0) {
			return nil, fmt.Errorf("%w: model diverged at step %d", ErrInsufficientHistory, h)
		}
		closes = append(closes, pred)
		volumes = append(volumes, lastVolume)

		date = nextBarTime(date, series.Interval)
		out.Predictions = append(out.Predictions, Point{
			Date:           formatDate(date, series.Interval),
			PredictedPrice: round(pred, 2),
			Confidence:     round(fit*math.Exp(-cfg.Decay*relErr*math.Sqrt(float64(h))), 4),
		})
	}
	return out, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

var intraday = map[string]time.Duration{
	"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
	"30m": 30 * time.Minute, "60m": time.Hour, "1h": time.Hour,
}

// nextBarTime steps one interval forward, skipping weekends for daily bars.
func nextBarTime(t time.Time, interval string) time.Time {
	switch interval {
	case "1wk":
		return t.AddDate(0, 0, 7)
	case "1mo":
		return t.AddDate(0, 1, 0)
	}
	if d, ok := intraday[interval]; ok {
		return t.Add(d)
	}
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func formatDate(t time.Time, interval string) string {
	if _, ok := intraday[interval]; ok {
		return t.Format(time.RFC3339)
	}
	return t.Format("2006-01-02")
}
