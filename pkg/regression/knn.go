package regression

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const KindKNN = "knn"

// KNN averages the targets of the K nearest training rows. Features are
// z-scored with the training statistics so that humidity and particulate
// readings contribute on the same scale.
type KNN struct {
	K     int         `json:"k"`
	Mean  []float64   `json:"mean"`
	Scale []float64   `json:"scale"`
	X     [][]float64 `json:"x"`
	Y     []float64   `json:"y"`
}

func (m *KNN) Kind() string { return KindKNN }

func (m *KNN) Fit(X [][]float64, y []float64) error {
	if m.K < 1 {
		return fmt.Errorf("knn k must be at least 1, got %d", m.K)
	}
	p, err := checkTraining(X, y)
	if err != nil {
		return err
	}

	m.Mean = make([]float64, p)
	m.Scale = make([]float64, p)
	for j := 0; j < p; j++ {
		mu, sd := stat.MeanStdDev(column(X, j), nil)
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		m.Mean[j], m.Scale[j] = mu, sd
	}

	m.X = make([][]float64, len(X))
	for i, row := range X {
		m.X[i] = m.scale(row)
	}
	m.Y = append([]float64(nil), y...)
	return nil
}

func (m *KNN) Predict(X [][]float64) ([]float64, error) {
	if err := checkPredict(X, len(m.Mean)); err != nil {
		return nil, err
	}
	k := m.K
	if k > len(m.Y) {
		k = len(m.Y)
	}

	type neighbour struct {
		index int
		dist  float64
	}
	neighbours := make([]neighbour, len(m.X))
	out := make([]float64, len(X))
	for i, row := range X {
		q := m.scale(row)
		for t, train := range m.X {
			var d float64
			for j := range q {
				diff := q[j] - train[j]
				d += diff * diff
			}
			neighbours[t] = neighbour{index: t, dist: d}
		}
		sort.SliceStable(neighbours, func(a, b int) bool { return neighbours[a].dist < neighbours[b].dist })

		var sum float64
		for _, n := range neighbours[:k] {
			sum += m.Y[n.index]
		}
		out[i] = sum / float64(k)
	}
	return out, nil
}

func (m *KNN) scale(row []float64) []float64 {
	scaled := make([]float64, len(row))
	for j, v := range row {
		scaled[j] = (v - m.Mean[j]) / m.Scale[j]
	}
	return scaled
}

func (m *KNN) validate() error {
	if m.K < 1 || len(m.Mean) == 0 || len(m.Y) == 0 || len(m.X) != len(m.Y) || len(m.Scale) != len(m.Mean) {
		return ErrNotFitted
	}
	for i, row := range m.X {
		if len(row) != len(m.Mean) {
			return fmt.Errorf("%w: stored row %d has %d features", ErrDimensionMismatch, i, len(row))
		}
	}
	return nil
}
