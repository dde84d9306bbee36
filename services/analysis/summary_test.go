package analysis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/models"
)

func series(closes []float64) *models.BarSeries {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &models.BarSeries{Symbol: "AAPL", Period: "1y", Interval: "1d", Source: "test"}
	for i, c := range closes {
		s.Bars = append(s.Bars, models.Bar{
			Time:   t0.AddDate(0, 0, i),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000 + int64(i),
		})
	}
	return s
}

func TestComputeNineteenBars(t *testing.T) {
	closes := make([]float64, 19)
	for i := range closes {
		closes[i] = 100 + float64(i%4)
	}
	sum, err := Compute(series(closes), DefaultParams())
	require.NoError(t, err)

	assert.True(t, sum.Indicators["sma_20"].Insufficient)
	assert.False(t, sum.Indicators["rsi"].Insufficient)
	assert.Greater(t, sum.Indicators["rsi"].V, 0.0)
	assert.True(t, sum.Indicators["macd"].Insufficient)
	assert.True(t, sum.Indicators["bb_upper"].Insufficient)
	assert.False(t, sum.Indicators["ema_12"].Insufficient)
	assert.Contains(t, sum.Unavailable, "sma_20")
	assert.NotContains(t, sum.Unavailable, "rsi")
	assert.Equal(t, TrendUnknown, sum.Trend)
	assert.Equal(t, 19, sum.Bars)

	raw, err := json.Marshal(sum)
	require.NoError(t, err)
	var decoded struct {
		Indicators map[string]*float64 `json:"indicators"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Nil(t, decoded.Indicators["sma_20"])
	require.NotNil(t, decoded.Indicators["rsi"])
}

func TestComputeConstantSeries(t *testing.T) {
	sum, err := Compute(series(constant(250, 50)), Params{})
	require.NoError(t, err)

	assert.Empty(t, sum.Unavailable)
	assert.Equal(t, 50.0, sum.Indicators["rsi"].V)
	assert.Equal(t, 50.0, sum.Indicators["bb_upper"].V)
	assert.Equal(t, 50.0, sum.Indicators["bb_middle"].V)
	assert.Equal(t, 50.0, sum.Indicators["bb_lower"].V)
	assert.Equal(t, 0.0, sum.Indicators["macd"].V)
	assert.Equal(t, 50.0, sum.Indicators["sma_200"].V)
	assert.Equal(t, 2.0, sum.Indicators["price_range"].V)
	assert.Equal(t, TrendNeutral, sum.Trend)
	assert.Equal(t, TrendRule, sum.TrendRule)
}

func TestComputeEmptySeries(t *testing.T) {
	_, err := Compute(&models.BarSeries{}, DefaultParams())
	assert.Error(t, err)
}

func TestClassifyTrend(t *testing.T) {
	v := func(f float64) Value { return Value{V: f} }
	missing := Value{Insufficient: true}
	tests := []struct {
		name              string
		price             float64
		sma20, sma50, rsi Value
		want              Trend
	}{
		{"bullish", 110, v(105), v(100), v(60), TrendBullish},
		{"overbought is neutral", 110, v(105), v(100), v(75), TrendNeutral},
		{"bearish", 90, v(95), v(100), v(40), TrendBearish},
		{"oversold is neutral", 90, v(95), v(100), v(25), TrendNeutral},
		{"mixed", 101, v(99), v(100), v(50), TrendNeutral},
		{"unknown", 101, missing, v(100), v(50), TrendUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTrend(tt.price, tt.sma20, tt.sma50, tt.rsi))
		})
	}
}
