// Package analysis computes technical indicators from an ascending close series.
//
// Every function looks only at the values it is given, oldest first, so an
// indicator for bar T never sees bars after T. A series shorter than the
// indicator's window yields ErrInsufficientData instead of a zero.
package analysis

import (
	"errors"
	"fmt"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/montanaflynn/stats"
)

var ErrInsufficientData = errors.New("insufficient data")

func insufficient(name string, need, have int) error {
	return fmt.Errorf("%w for %s: need %d bars, have %d", ErrInsufficientData, name, need, have)
}

// SMA is the mean of the last n values.
func SMA(values []float64, n int) (float64, error) {
	if n <= 0 || len(values) < n {
		return 0, insufficient(fmt.Sprintf("SMA%d", n), n, len(values))
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n), nil
}

// EMASeries returns the exponential moving average for every position from
// n-1 onwards, seeded with the SMA of the first n values. out[0] lines up
// with values[n-1].
func EMASeries(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	out := make([]float64, len(values)-n+1)
	seed := 0.0
	for _, v := range values[:n] {
		seed += v
	}
	out[0] = seed / float64(n)

	k := 2.0 / float64(n+1)
	for i := n; i < len(values); i++ {
		prev := out[i-n]
		out[i-n+1] = (values[i]-prev)*k + prev
	}
	return out
}

// EMA is the last value of EMASeries.
func EMA(values []float64, n int) (float64, error) {
	s := EMASeries(values, n)
	if s == nil {
		return 0, insufficient(fmt.Sprintf("EMA%d", n), n, len(values))
	}
	return s[len(s)-1], nil
}

// RSI uses Wilder smoothing of average gains and losses. It needs period+1
// values. A series that never moves reads 50.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period+1 {
		return 0, insufficient(fmt.Sprintf("RSI%d", period), period+1, len(values))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := move(values[i-1], values[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		gain, loss := move(values[i-1], values[i])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50, nil
	case avgLoss == 0:
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

func move(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

// MACDResult holds MACD calculation results
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the fast/slow EMA difference and its signal EMA. It needs
// slow+signal-1 values.
func MACD(values []float64, fast, slow, signal int) (MACDResult, error) {
	need := slow + signal - 1
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < need {
		return MACDResult{}, insufficient("MACD", need, len(values))
	}
	fastS := EMASeries(values, fast)
	slowS := EMASeries(values, slow)

	// slowS[0] lines up with values[slow-1], fastS[slow-fast] with the same bar
	line := make([]float64, len(slowS))
	offset := slow - fast
	for i := range slowS {
		line[i] = fastS[i+offset] - slowS[i]
	}
	sig := EMASeries(line, signal)
	last := line[len(line)-1]
	s := sig[len(sig)-1]
	return MACDResult{MACD: last, Signal: s, Histogram: last - s}, nil
}

// BollingerBands holds the bands around an n-period SMA
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger uses the population standard deviation of the last n values.
func Bollinger(values []float64, n int, k float64) (BollingerBands, error) {
	middle, err := SMA(values, n)
	if err != nil {
		return BollingerBands{}, insufficient(fmt.Sprintf("Bollinger%d", n), n, len(values))
	}
	sd, err := stats.StandardDeviationPopulation(stats.Float64Data(values[len(values)-n:]))
	if err != nil {
		return BollingerBands{}, err
	}
	return BollingerBands{Upper: middle + k*sd, Middle: middle, Lower: middle - k*sd}, nil
}

// Position of price inside the bands, 0 at the lower band and 1 at the upper.
// Collapsed bands report the midpoint.
func (b BollingerBands) Position(price float64) float64 {
	width := b.Upper - b.Lower
	if width == 0 {
		return 0.5
	}
	return (price - b.Lower) / width
}

// VolumeSMA averages the last n volumes.
func VolumeSMA(volumes []float64, n int) (float64, error) {
	if n <= 0 || len(volumes) < n {
		return 0, insufficient(fmt.Sprintf("VolumeSMA%d", n), n, len(volumes))
	}
	ma := movingaverage.New(n)
	for _, v := range volumes[len(volumes)-n:] {
		ma.Add(v)
	}
	return ma.Avg(), nil
}

// Range returns the lowest low and highest high over the last n bars.
func Range(lows, highs []float64, n int) (support, resistance float64, err error) {
	if n <= 0 || len(lows) < n || len(highs) < n {
		return 0, 0, insufficient(fmt.Sprintf("Range%d", n), n, min(len(lows), len(highs)))
	}
	support, err = stats.Min(stats.Float64Data(lows[len(lows)-n:]))
	if err != nil {
		return 0, 0, err
	}
	resistance, err = stats.Max(stats.Float64Data(highs[len(highs)-n:]))
	if err != nil {
		return 0, 0, err
	}
	return support, resistance, nil
}
