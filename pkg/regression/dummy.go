package regression

import "gonum.org/v1/gonum/stat"

const KindDummy = "dummy"

// Dummy predicts the training mean for every row. It is the baseline every
// other candidate has to beat during model search.
type Dummy struct {
	Features int     `json:"features"`
	Mean     float64 `json:"mean"`
}

func (m *Dummy) Kind() string { return KindDummy }

func (m *Dummy) Fit(X [][]float64, y []float64) error {
	p, err := checkTraining(X, y)
	if err != nil {
		return err
	}
	m.Features = p
	m.Mean = stat.Mean(y, nil)
	return nil
}

func (m *Dummy) Predict(X [][]float64) ([]float64, error) {
	if err := checkPredict(X, m.Features); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i := range out {
		out[i] = m.Mean
	}
	return out, nil
}

func (m *Dummy) validate() error {
	if m.Features == 0 {
		return ErrNotFitted
	}
	return nil
}
