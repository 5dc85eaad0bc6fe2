package regression

import (
	"fmt"
	"math"
	"math/rand"
)

const KindRandomForest = "rf"

// RandomForest averages regression trees fitted on bootstrap samples.
type RandomForest struct {
	Trees          int   `json:"trees"`
	MaxDepth       int   `json:"max_depth"`
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	// MaxFeatures is the number of features each split draws from. Zero
	// means the square root of the feature count, rounded up.
	MaxFeatures int   `json:"max_features,omitempty"`
	Seed        int64 `json:"seed"`

	Features int             `json:"features"`
	Forest   []*DecisionTree `json:"forest"`
}

// NewRandomForest returns a forest with the default ensemble size.
func NewRandomForest(seed int64) *RandomForest {
	return &RandomForest{Trees: 100, MaxDepth: 10, MinSamplesLeaf: 1, Seed: seed}
}

func (f *RandomForest) Kind() string { return KindRandomForest }

func (f *RandomForest) Fit(X [][]float64, y []float64) error {
	p, err := checkTraining(X, y)
	if err != nil {
		return err
	}
	if f.Trees < 1 {
		return fmt.Errorf("random forest needs at least one tree, got %d", f.Trees)
	}

	maxFeatures := f.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Ceil(math.Sqrt(float64(p))))
	}

	rng := rand.New(rand.NewSource(f.Seed))
	n := len(X)
	forest := make([]*DecisionTree, 0, f.Trees)
	bx := make([][]float64, n)
	by := make([]float64, n)
	for i := 0; i < f.Trees; i++ {
		for k := 0; k < n; k++ {
			pick := rng.Intn(n)
			bx[k], by[k] = X[pick], y[pick]
		}
		tree := &DecisionTree{
			MaxDepth:       f.MaxDepth,
			MinSamplesLeaf: f.MinSamplesLeaf,
			MaxFeatures:    maxFeatures,
			Seed:           rng.Int63(),
		}
		if err := tree.Fit(bx, by); err != nil {
			return fmt.Errorf("couldn't fit tree %d: %w", i, err)
		}
		forest = append(forest, tree)
	}
	f.Features = p
	f.Forest = forest
	return nil
}

func (f *RandomForest) Predict(X [][]float64) ([]float64, error) {
	if len(f.Forest) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, f.Features); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for _, tree := range f.Forest {
		for i, row := range X {
			out[i] += tree.predictRow(row)
		}
	}
	for i := range out {
		out[i] /= float64(len(f.Forest))
	}
	return out, nil
}

func (f *RandomForest) validate() error {
	if f.Features == 0 || len(f.Forest) == 0 {
		return ErrNotFitted
	}
	for i, tree := range f.Forest {
		if tree == nil {
			return fmt.Errorf("tree %d is empty", i)
		}
		if tree.Features != f.Features {
			return fmt.Errorf("%w: tree %d has %d features, forest has %d", ErrDimensionMismatch, i, tree.Features, f.Features)
		}
		if err := tree.validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
