package regression

import (
	"fmt"
	"math/rand"
	"sort"
)

const KindDecisionTree = "dt"

// TreeNode is one node of a fitted regression tree, stored in a flat slice.
// Rows with x[Feature] <= Threshold go to Left.
type TreeNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// DecisionTree is a CART regression tree grown by variance reduction.
type DecisionTree struct {
	MaxDepth       int   `json:"max_depth"`
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	MaxFeatures    int   `json:"max_features,omitempty"`
	Seed           int64 `json:"seed"`

	Features int        `json:"features"`
	Nodes    []TreeNode `json:"nodes"`
}

// NewDecisionTree returns a tree with the default growth limits.
func NewDecisionTree(seed int64) *DecisionTree {
	return &DecisionTree{MaxDepth: 8, MinSamplesLeaf: 2, Seed: seed}
}

func (t *DecisionTree) Kind() string { return KindDecisionTree }

func (t *DecisionTree) Fit(X [][]float64, y []float64) error {
	p, err := checkTraining(X, y)
	if err != nil {
		return err
	}
	if t.MaxDepth < 1 || t.MinSamplesLeaf < 1 {
		return fmt.Errorf("invalid tree limits: max depth %d, min samples per leaf %d", t.MaxDepth, t.MinSamplesLeaf)
	}

	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	t.Features = p
	t.Nodes = nil
	t.grow(X, y, idx, 0, rand.New(rand.NewSource(t.Seed)))
	return nil
}

func (t *DecisionTree) grow(X [][]float64, y []float64, idx []int, depth int, rng *rand.Rand) int {
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	self := len(t.Nodes)
	t.Nodes = append(t.Nodes, TreeNode{Leaf: true, Value: sum / float64(len(idx))})

	if depth >= t.MaxDepth || len(idx) < 2*t.MinSamplesLeaf {
		return self
	}
	feature, threshold, ok := t.bestSplit(X, y, idx, sum, rng)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := t.grow(X, y, left, depth+1, rng)
	r := t.grow(X, y, right, depth+1, rng)
	t.Nodes[self] = TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      l,
		Right:     r,
		Value:     t.Nodes[self].Value,
	}
	return self
}

func (t *DecisionTree) bestSplit(X [][]float64, y []float64, idx []int, sum float64, rng *rand.Rand) (int, float64, bool) {
	n := float64(len(idx))
	parent := sum * sum / n
	bestGain := 1e-12
	bestFeature, bestThreshold, found := 0, 0.0, false

	order := make([]int, len(idx))
	for _, f := range t.candidateFeatures(rng) {
		copy(order, idx)
		sort.SliceStable(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		var leftSum float64
		for k := 0; k < len(order)-1; k++ {
			leftSum += y[order[k]]
			nl, nr := k+1, len(order)-k-1
			if nl < t.MinSamplesLeaf {
				continue
			}
			if nr < t.MinSamplesLeaf {
				break
			}
			cur, next := X[order[k]][f], X[order[k+1]][f]
			if cur == next {
				continue
			}
			rightSum := sum - leftSum
			gain := leftSum*leftSum/float64(nl) + rightSum*rightSum/float64(nr) - parent
			if gain > bestGain {
				bestGain, bestFeature, bestThreshold, found = gain, f, (cur+next)/2, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (t *DecisionTree) candidateFeatures(rng *rand.Rand) []int {
	if t.MaxFeatures <= 0 || t.MaxFeatures >= t.Features {
		all := make([]int, t.Features)
		for i := range all {
			all[i] = i
		}
		return all
	}
	picked := rng.Perm(t.Features)[:t.MaxFeatures]
	sort.Ints(picked)
	return picked
}

func (t *DecisionTree) Predict(X [][]float64) ([]float64, error) {
	if len(t.Nodes) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, t.Features); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = t.predictRow(row)
	}
	return out, nil
}

func (t *DecisionTree) predictRow(row []float64) float64 {
	n := t.Nodes[0]
	for !n.Leaf {
		if row[n.Feature] <= n.Threshold {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
	}
	return n.Value
}

func (t *DecisionTree) validate() error {
	if t.Features == 0 || len(t.Nodes) == 0 {
		return ErrNotFitted
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= t.Features {
			return fmt.Errorf("node %d splits on unknown feature %d", i, n.Feature)
		}
		// children are always appended after their parent, which also rules out cycles
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}
