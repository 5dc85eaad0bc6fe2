package regression

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metrics are the goodness-of-fit scores reported for a candidate model.
// Scores that are undefined for the data (R2 on a constant target, RMSLE
// with negative values, MAPE with all-zero targets) are reported as zero.
type Metrics struct {
	MAE   float64 `json:"mae"`
	MSE   float64 `json:"mse"`
	RMSE  float64 `json:"rmse"`
	R2    float64 `json:"r2"`
	RMSLE float64 `json:"rmsle"`
	MAPE  float64 `json:"mape"`
}

// Evaluate scores predictions against the true values.
func Evaluate(yTrue, yPred []float64) (Metrics, error) {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return Metrics{}, fmt.Errorf("%w: %d true values, %d predictions", ErrDimensionMismatch, len(yTrue), len(yPred))
	}

	n := float64(len(yTrue))
	var absSum, sqSum, logSqSum, pctSum float64
	var pctCount int
	logDefined := true
	for i, y := range yTrue {
		diff := y - yPred[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff

		if y < 0 || yPred[i] < 0 {
			logDefined = false
		} else {
			ld := math.Log1p(y) - math.Log1p(yPred[i])
			logSqSum += ld * ld
		}
		if y != 0 {
			pctSum += math.Abs(diff / y)
			pctCount++
		}
	}

	m := Metrics{
		MAE:  absSum / n,
		MSE:  sqSum / n,
		RMSE: math.Sqrt(sqSum / n),
		R2:   finite(stat.RSquaredFrom(yPred, yTrue, nil)),
	}
	if logDefined {
		m.RMSLE = math.Sqrt(logSqSum / n)
	}
	if pctCount > 0 {
		m.MAPE = pctSum / float64(pctCount)
	}
	return m, nil
}

func meanMetrics(all []Metrics) Metrics {
	var out Metrics
	if len(all) == 0 {
		return out
	}
	for _, m := range all {
		out.MAE += m.MAE
		out.MSE += m.MSE
		out.RMSE += m.RMSE
		out.R2 += m.R2
		out.RMSLE += m.RMSLE
		out.MAPE += m.MAPE
	}
	n := float64(len(all))
	out.MAE /= n
	out.MSE /= n
	out.RMSE /= n
	out.R2 /= n
	out.RMSLE /= n
	out.MAPE /= n
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
