package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/models"
)

// tradingSeries builds n weekday bars with a drifting, oscillating close.
func tradingSeries(n int) *models.BarSeries {
	s := &models.BarSeries{Symbol: "AAPL", Period: "1y", Interval: "1d", Source: "test",
		RetrievedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
		}
		c := 150 + 0.3*float64(i) + 4*math.Sin(float64(i)/5)
		s.Bars = append(s.Bars, models.Bar{
			Time:   day,
			Open:   c - 0.5,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1_000_000 + int64(i%7)*50_000,
		})
		day = day.AddDate(0, 0, 1)
	}
	return s
}

func TestPredictHorizonSeven(t *testing.T) {
	s := tradingSeries(120)
	f, err := Predict(s, 7, DefaultConfig())
	require.NoError(t, err)

	require.Len(t, f.Predictions, 7)
	assert.Equal(t, "AAPL", f.Symbol)
	assert.Equal(t, "linear_regression", f.Model.Name)
	assert.Equal(t, FeatureNames, f.Model.Features)
	assert.Equal(t, 120-warmup, f.TrainingDataPoints)
	assert.Equal(t, round(s.Bars[119].Close, 2), f.LastActualPrice)
	assert.Greater(t, f.Model.R2, 0.5)

	prev := time.Time{}
	for i, p := range f.Predictions {
		d, err := time.Parse("2006-01-02", p.Date)
		require.NoError(t, err)
		assert.True(t, d.After(prev), "dates ascend")
		assert.NotEqual(t, time.Saturday, d.Weekday())
		assert.NotEqual(t, time.Sunday, d.Weekday())
		prev = d

		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
		if i > 0 {
			assert.LessOrEqual(t, p.Confidence, f.Predictions[i-1].Confidence)
		}
		assert.Greater(t, p.PredictedPrice, 0.0)
	}
	assert.True(t, prev.After(s.Bars[119].Time))
}

func TestPredictIsDeterministic(t *testing.T) {
	a, err := Predict(tradingSeries(150), 10, DefaultConfig())
	require.NoError(t, err)
	b, err := Predict(tradingSeries(150), 10, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPredictInsufficientHistory(t *testing.T) {
	_, err := Predict(tradingSeries(119), 7, DefaultConfig())
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = Predict(nil, 7, DefaultConfig())
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestPredictHorizonBounds(t *testing.T) {
	s := tradingSeries(120)
	_, err := Predict(s, 31, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidHorizon)
	_, err = Predict(s, -1, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidHorizon)

	f, err := Predict(s, 0, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, f.Predictions, 7)
}

func TestPredictConstantSeries(t *testing.T) {
	s := tradingSeries(60)
	for i := range s.Bars {
		s.Bars[i].Close = 42
	}
	f, err := Predict(s, 3, Config{Window: 60})
	require.NoError(t, err)
	for _, p := range f.Predictions {
		assert.Equal(t, 42.0, p.PredictedPrice)
	}
}

func TestNextBarTime(t *testing.T) {
	fri := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Monday, nextBarTime(fri, "1d").Weekday())
	assert.Equal(t, fri.AddDate(0, 0, 7), nextBarTime(fri, "1wk"))
	assert.Equal(t, fri.Add(5*time.Minute), nextBarTime(fri, "5m"))
	assert.Equal(t, "2024-05-03T00:05:00Z", formatDate(fri.Add(5*time.Minute), "5m"))
}

func TestSolve(t *testing.T) {
	// 2x + y = 5, x + 3y = 10
	x, err := solve([][]float64{{2, 1, 5}, {1, 3, 10}})
	require.NoError(t, err)
	assert.InDelta(t, 1, x[0], 1e-12)
	assert.InDelta(t, 3, x[1], 1e-12)

	_, err = solve([][]float64{{1, 2, 3}, {2, 4, 6}})
	assert.ErrorIs(t, err, errSingular)
}
