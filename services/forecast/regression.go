package forecast

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"
)

var errSingular = errors.New("singular system")

// linearModel is a ridge regression fitted on standardized features.
type linearModel struct {
	means     []float64
	scales    []float64
	coef      []float64
	intercept float64
}

func fitLinear(x [][]float64, y []float64, lambda float64) (*linearModel, error) {
	n, k := len(x), len(x[0])
	m := &linearModel{means: make([]float64, k), scales: make([]float64, k)}

	col := make([]float64, n)
	for j := 0; j < k; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		m.means[j] = mean(col)
		sd, err := stats.StandardDeviationPopulation(stats.Float64Data(col))
		if err != nil || sd == 0 {
			sd = 1
		}
		m.scales[j] = sd
	}
	m.intercept = mean(y)

	// normal equations on centered data: (ZᵀZ + λI) β = Zᵀ(y - ȳ)
	a := make([][]float64, k)
	for r := range a {
		a[r] = make([]float64, k+1)
	}
	z := make([]float64, k)
	for i := range x {
		m.standardize(x[i], z)
		dy := y[i] - m.intercept
		for r := 0; r < k; r++ {
			for c := 0; c < k; c++ {
				a[r][c] += z[r] * z[c]
			}
			a[r][k] += z[r] * dy
		}
	}
	for r := 0; r < k; r++ {
		a[r][r] += lambda * float64(n)
	}

	coef, err := solve(a)
	if err != nil {
		return nil, err
	}
	m.coef = coef
	return m, nil
}

func (m *linearModel) standardize(row, out []float64) {
	for j, v := range row {
		out[j] = (v - m.means[j]) / m.scales[j]
	}
}

func (m *linearModel) predict(row []float64) float64 {
	out := m.intercept
	for j, v := range row {
		out += m.coef[j] * (v - m.means[j]) / m.scales[j]
	}
	return out
}

// fitStats returns the in-sample RMSE and R².
func (m *linearModel) fitStats(x [][]float64, y []float64) (rmse, r2 float64) {
	var ssRes, ssTot float64
	for i := range x {
		d := y[i] - m.predict(x[i])
		ssRes += d * d
		t := y[i] - m.intercept
		ssTot += t * t
	}
	rmse = math.Sqrt(ssRes / float64(len(x)))
	switch {
	case ssTot > 0:
		r2 = 1 - ssRes/ssTot
	case ssRes == 0:
		r2 = 1
	}
	return rmse, r2
}

// solve runs Gaussian elimination with partial pivoting on an augmented k×(k+1) matrix.
func solve(a [][]float64) ([]float64, error) {
	k := len(a)
	for p := 0; p < k; p++ {
		best := p
		for r := p + 1; r < k; r++ {
			if math.Abs(a[r][p]) > math.Abs(a[best][p]) {
				best = r
			}
		}
		if math.Abs(a[best][p]) < 1e-12 {
			return nil, errSingular
		}
		a[p], a[best] = a[best], a[p]
		for r := p + 1; r < k; r++ {
			f := a[r][p] / a[p][p]
			for c := p; c <= k; c++ {
				a[r][c] -= f * a[p][c]
			}
		}
	}
	x := make([]float64, k)
	for r := k - 1; r >= 0; r-- {
		s := a[r][k]
		for c := r + 1; c < k; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, nil
}
