package analysis

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"time"

	"marketfeed/models"
)

// Value is an indicator reading. An insufficient value serializes as null.
type Value struct {
	V            float64
	Insufficient bool
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Insufficient || math.IsNaN(v.V) || math.IsInf(v.V, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v.V, 'f', -1, 64), nil
}

func valueOf(v float64, err error) Value {
	if err != nil {
		return Value{Insufficient: true}
	}
	return Value{V: round(v, 4)}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
	TrendUnknown Trend = "unknown"
)

// TrendRule is reported alongside each classification.
const TrendRule = "bullish: close > sma_20 > sma_50 and rsi < 70; " +
	"bearish: close < sma_20 < sma_50 and rsi > 30; otherwise neutral; " +
	"unknown when sma_20, sma_50 or rsi is unavailable"

// ClassifyTrend applies TrendRule.
func ClassifyTrend(price float64, sma20, sma50, rsi Value) Trend {
	if sma20.Insufficient || sma50.Insufficient || rsi.Insufficient {
		return TrendUnknown
	}
	switch {
	case price > sma20.V && sma20.V > sma50.V && rsi.V < 70:
		return TrendBullish
	case price < sma20.V && sma20.V < sma50.V && rsi.V > 30:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// Params are the indicator windows.
type Params struct {
	RSIPeriod       int     `mapstructure:"rsi_period"`
	MACDFast        int     `mapstructure:"macd_fast"`
	MACDSlow        int     `mapstructure:"macd_slow"`
	MACDSignal      int     `mapstructure:"macd_signal"`
	BollingerPeriod int     `mapstructure:"bollinger_period"`
	BollingerK      float64 `mapstructure:"bollinger_k"`
	VolumePeriod    int     `mapstructure:"volume_period"`
	RangePeriod     int     `mapstructure:"range_period"`
}

// DefaultParams returns the standard indicator periods.
func DefaultParams() Params {
	return Params{
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerK:      2,
		VolumePeriod:    20,
		RangePeriod:     20,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.MACDFast <= 0 || p.MACDSlow <= p.MACDFast {
		p.MACDFast, p.MACDSlow = d.MACDFast, d.MACDSlow
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = d.MACDSignal
	}
	if p.BollingerPeriod <= 0 {
		p.BollingerPeriod = d.BollingerPeriod
	}
	if p.BollingerK <= 0 {
		p.BollingerK = d.BollingerK
	}
	if p.VolumePeriod <= 0 {
		p.VolumePeriod = d.VolumePeriod
	}
	if p.RangePeriod <= 0 {
		p.RangePeriod = d.RangePeriod
	}
	return p
}

// Summary is the indicator set for the newest bar of a series.
type Summary struct {
	Symbol       string           `json:"symbol"`
	CurrentPrice float64          `json:"current_price"`
	AsOf         time.Time        `json:"as_of"`
	Bars         int              `json:"bars"`
	Indicators   map[string]Value `json:"indicators"`
	Trend        Trend            `json:"trend"`
	TrendRule    string           `json:"trend_rule"`
	Unavailable  []string         `json:"unavailable,omitempty"`
}

var errEmptySeries = errors.New("empty bar series")

// Compute derives every indicator from the series. Indicators whose window
// exceeds the series are marked insufficient and listed in Unavailable.
func Compute(series *models.BarSeries, p Params) (*Summary, error) {
	if series == nil || len(series.Bars) == 0 {
		return nil, errEmptySeries
	}
	p = p.withDefaults()

	closes := series.Closes()
	volumes := series.Volumes()
	lows := make([]float64, len(series.Bars))
	highs := make([]float64, len(series.Bars))
	for i, b := range series.Bars {
		lows[i], highs[i] = b.Low, b.High
	}
	last := series.Bars[len(series.Bars)-1]

	ind := make(map[string]Value, 20)
	ind["sma_20"] = valueOf(SMA(closes, 20))
	ind["sma_50"] = valueOf(SMA(closes, 50))
	ind["sma_200"] = valueOf(SMA(closes, 200))
	ind["ema_12"] = valueOf(EMA(closes, 12))
	ind["ema_26"] = valueOf(EMA(closes, 26))
	ind["rsi"] = valueOf(RSI(closes, p.RSIPeriod))

	if m, err := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal); err == nil {
		ind["macd"] = valueOf(m.MACD, nil)
		ind["macd_signal"] = valueOf(m.Signal, nil)
		ind["macd_histogram"] = valueOf(m.Histogram, nil)
	} else {
		ind["macd"], ind["macd_signal"], ind["macd_histogram"] = Value{Insufficient: true}, Value{Insufficient: true}, Value{Insufficient: true}
	}

	if bb, err := Bollinger(closes, p.BollingerPeriod, p.BollingerK); err == nil {
		ind["bb_upper"] = valueOf(bb.Upper, nil)
		ind["bb_middle"] = valueOf(bb.Middle, nil)
		ind["bb_lower"] = valueOf(bb.Lower, nil)
		ind["bb_position"] = valueOf(bb.Position(last.Close), nil)
	} else {
		for _, k := range []string{"bb_upper", "bb_middle", "bb_lower", "bb_position"} {
			ind[k] = Value{Insufficient: true}
		}
	}

	volSMA, err := VolumeSMA(volumes, p.VolumePeriod)
	ind["volume_sma"] = valueOf(volSMA, err)
	if err == nil && volSMA > 0 {
		ind["volume_ratio"] = valueOf(float64(last.Volume)/volSMA, nil)
	} else {
		ind["volume_ratio"] = Value{Insufficient: true}
	}

	if support, resistance, err := Range(lows, highs, p.RangePeriod); err == nil {
		ind["support"] = valueOf(support, nil)
		ind["resistance"] = valueOf(resistance, nil)
		ind["price_range"] = valueOf(resistance-support, nil)
	} else {
		ind["support"], ind["resistance"], ind["price_range"] = Value{Insufficient: true}, Value{Insufficient: true}, Value{Insufficient: true}
	}

	s := &Summary{
		Symbol:       series.Symbol,
		CurrentPrice: last.Close,
		AsOf:         last.Time,
		Bars:         len(series.Bars),
		Indicators:   ind,
		Trend:        ClassifyTrend(last.Close, ind["sma_20"], ind["sma_50"], ind["rsi"]),
		TrendRule:    TrendRule,
	}
	for k, v := range ind {
		if v.Insufficient {
			s.Unavailable = append(s.Unavailable, k)
		}
	}
	sort.Strings(s.Unavailable)
	return s, nil
}
