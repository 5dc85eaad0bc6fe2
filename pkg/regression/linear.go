package regression

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	KindLinear = "lr"
	KindRidge  = "ridge"
)

// Linear is an ordinary least squares regressor with an intercept.
type Linear struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (m *Linear) Kind() string { return KindLinear }

func (m *Linear) Fit(X [][]float64, y []float64) error {
	coef, intercept, err := fitLeastSquares(X, y, 0)
	if err != nil {
		return err
	}
	m.Coef, m.Intercept = coef, intercept
	return nil
}

func (m *Linear) Predict(X [][]float64) ([]float64, error) {
	return linearPredict(X, m.Coef, m.Intercept)
}

func (m *Linear) validate() error {
	if len(m.Coef) == 0 {
		return ErrNotFitted
	}
	return nil
}

// Ridge is least squares with an L2 penalty on the coefficients. The
// intercept is not penalized.
type Ridge struct {
	Alpha     float64   `json:"alpha"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (m *Ridge) Kind() string { return KindRidge }

func (m *Ridge) Fit(X [][]float64, y []float64) error {
	if m.Alpha <= 0 {
		return fmt.Errorf("ridge alpha must be positive, got %v", m.Alpha)
	}
	coef, intercept, err := fitLeastSquares(X, y, m.Alpha)
	if err != nil {
		return err
	}
	m.Coef, m.Intercept = coef, intercept
	return nil
}

func (m *Ridge) Predict(X [][]float64) ([]float64, error) {
	return linearPredict(X, m.Coef, m.Intercept)
}

func (m *Ridge) validate() error {
	if len(m.Coef) == 0 {
		return ErrNotFitted
	}
	return nil
}

// fitLeastSquares centers the data, solves for the coefficients and recovers
// the intercept from the means. alpha == 0 solves plain least squares by QR.
func fitLeastSquares(X [][]float64, y []float64, alpha float64) ([]float64, float64, error) {
	p, err := checkTraining(X, y)
	if err != nil {
		return nil, 0, err
	}
	n := len(X)
	if alpha == 0 && n < p {
		return nil, 0, fmt.Errorf("%w: %d rows cannot determine %d coefficients", ErrDimensionMismatch, n, p)
	}

	means := make([]float64, p)
	for j := 0; j < p; j++ {
		means[j] = stat.Mean(column(X, j), nil)
	}
	yMean := stat.Mean(y, nil)

	a := mat.NewDense(n, p, nil)
	b := mat.NewVecDense(n, nil)
	for i, row := range X {
		for j, v := range row {
			a.Set(i, j, v-means[j])
		}
		b.SetVec(i, y[i]-yMean)
	}

	var beta mat.VecDense
	if alpha == 0 {
		var qr mat.QR
		qr.Factorize(a)
		if err := qr.SolveVecTo(&beta, false, b); err != nil {
			return nil, 0, fmt.Errorf("couldn't solve least squares: %w", err)
		}
	} else {
		var gram mat.Dense
		gram.Mul(a.T(), a)
		for j := 0; j < p; j++ {
			gram.Set(j, j, gram.At(j, j)+alpha)
		}
		var rhs mat.VecDense
		rhs.MulVec(a.T(), b)
		if err := beta.SolveVec(&gram, &rhs); err != nil {
			return nil, 0, fmt.Errorf("couldn't solve ridge system: %w", err)
		}
	}

	coef := make([]float64, p)
	intercept := yMean
	for j := 0; j < p; j++ {
		coef[j] = beta.AtVec(j)
		intercept -= coef[j] * means[j]
	}
	return coef, intercept, nil
}

func linearPredict(X [][]float64, coef []float64, intercept float64) ([]float64, error) {
	if err := checkPredict(X, len(coef)); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		v := intercept
		for j, x := range row {
			v += coef[j] * x
		}
		out[i] = v
	}
	return out, nil
}

func column(X [][]float64, j int) []float64 {
	col := make([]float64, len(X))
	for i, row := range X {
		col[i] = row[j]
	}
	return col
}
