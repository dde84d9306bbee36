package forecast

import (
	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/montanaflynn/stats"
)

// FeatureNames in column order.
var FeatureNames = []string{"return", "volatility_10", "volume_ratio_20", "sma_5", "sma_20"}

// warmup is the number of bars before the first complete feature row.
const warmup = 20

// featureRow computes the features for bar i from closes[..i] and volumes[..i].
// i must be at least warmup-1.
func featureRow(closes, volumes []float64, i int) []float64 {
	ret := 0.0
	if closes[i-1] != 0 {
		ret = closes[i]/closes[i-1] - 1
	}

	vol, err := stats.StandardDeviationSample(stats.Float64Data(closes[i-9 : i+1]))
	if err != nil {
		vol = 0
	}

	ma := movingaverage.New(20)
	for _, v := range volumes[i-19 : i+1] {
		ma.Add(v)
	}
	volRatio := 1.0
	if avg := ma.Avg(); avg > 0 {
		volRatio = volumes[i] / avg
	}

	return []float64{ret, vol, volRatio, mean(closes[i-4 : i+1]), mean(closes[i-19 : i+1])}
}

func mean(v []float64) float64 {
	m, err := stats.Mean(stats.Float64Data(v))
	if err != nil {
		return 0
	}
	return m
}
