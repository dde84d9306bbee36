package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSMA(t *testing.T) {
	v, err := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)

	_, err = SMA([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEMASeriesSeededWithSMA(t *testing.T) {
	s := EMASeries([]float64{1, 2, 3, 4, 5}, 3)
	assert.Equal(t, []float64{2, 3, 4}, s)
	assert.Nil(t, EMASeries([]float64{1, 2}, 3))

	v, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   float64
	}{
		{"flat", constant(30, 42), 14, 50},
		{"only gains", []float64{1, 2, 3, 4}, 3, 100},
		{"balanced", []float64{1, 2, 1}, 2, 50},
		{"wilder smoothing", []float64{1, 2, 1, 2}, 2, 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RSI(tt.values, tt.period)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := RSI(constant(14, 1), 14)
	assert.ErrorIs(t, err, ErrInsufficientData, "RSI14 needs 15 closes")
}

func TestMACD(t *testing.T) {
	_, err := MACD(constant(33, 10), 12, 26, 9)
	assert.ErrorIs(t, err, ErrInsufficientData)

	m, err := MACD(constant(34, 10), 12, 26, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0, m.MACD, 1e-12)
	assert.InDelta(t, 0, m.Signal, 1e-12)
	assert.InDelta(t, 0, m.Histogram, 1e-12)

	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	m, err = MACD(rising, 12, 26, 9)
	require.NoError(t, err)
	assert.Greater(t, m.MACD, 0.0, "fast EMA leads in an uptrend")
	assert.InDelta(t, m.MACD-m.Signal, m.Histogram, 1e-12)
}

func TestBollinger(t *testing.T) {
	bb, err := Bollinger([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5, bb.Middle, 1e-12)
	assert.InDelta(t, 9, bb.Upper, 1e-12)
	assert.InDelta(t, 1, bb.Lower, 1e-12)
	assert.InDelta(t, 0.75, bb.Position(7), 1e-12)

	flat, err := Bollinger(constant(20, 12.5), 20, 2)
	require.NoError(t, err)
	assert.Equal(t, BollingerBands{Upper: 12.5, Middle: 12.5, Lower: 12.5}, flat)
	assert.Equal(t, 0.5, flat.Position(12.5))

	_, err = Bollinger(constant(19, 1), 20, 2)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestVolumeSMAAndRange(t *testing.T) {
	v, err := VolumeSMA([]float64{100, 200, 300, 400}, 2)
	require.NoError(t, err)
	assert.Equal(t, 350.0, v)

	support, resistance, err := Range([]float64{5, 3, 4}, []float64{6, 8, 7}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, support)
	assert.Equal(t, 8.0, resistance)

	_, _, err = Range([]float64{1}, []float64{2}, 2)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
