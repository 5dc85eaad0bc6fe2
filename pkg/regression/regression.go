package regression

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when inputs do not have the expected shape.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFitted is returned when predicting with a model that has not been trained.
	ErrNotFitted = errors.New("model is not fitted")
)

// Predictor maps feature rows to predicted values.
type Predictor interface {
	Predict(X [][]float64) ([]float64, error)
}

// Model is a trainable regressor that can be serialized into an artifact.
type Model interface {
	Predictor
	Kind() string
	Fit(X [][]float64, y []float64) error
}

var registry = map[string]func() Model{
	KindDummy:        func() Model { return &Dummy{} },
	KindLinear:       func() Model { return &Linear{} },
	KindRidge:        func() Model { return &Ridge{Alpha: 1} },
	KindKNN:          func() Model { return &KNN{K: 5} },
	KindDecisionTree: func() Model { return NewDecisionTree(0) },
	KindRandomForest: func() Model { return NewRandomForest(0) },
}

// New returns an untrained model of the given kind with default parameters.
func New(kind string) (Model, error) {
	newModel, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
	return newModel(), nil
}

// Kinds returns every registered model kind, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Marshal serializes a fitted model's parameters.
func Marshal(m Model) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal restores a model of the given kind from its serialized parameters.
func Unmarshal(kind string, data []byte) (Model, error) {
	m, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("couldn't decode %s model: %w", kind, err)
	}
	if v, ok := m.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s model: %w", kind, err)
		}
	}
	return m, nil
}

// checkTraining verifies X is a non-empty rectangular matrix matching y and
// returns the number of features.
func checkTraining(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 {
		return 0, fmt.Errorf("%w: no training rows", ErrDimensionMismatch)
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%w: %d rows but %d targets", ErrDimensionMismatch, len(X), len(y))
	}
	p := len(X[0])
	if p == 0 {
		return 0, fmt.Errorf("%w: rows have no features", ErrDimensionMismatch)
	}
	for i, row := range X {
		if len(row) != p {
			return 0, fmt.Errorf("%w: row %d has %d features, expected %d", ErrDimensionMismatch, i, len(row), p)
		}
	}
	return p, nil
}

func checkPredict(X [][]float64, p int) error {
	if p == 0 {
		return ErrNotFitted
	}
	for i, row := range X {
		if len(row) != p {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrDimensionMismatch, i, len(row), p)
		}
	}
	return nil
}
