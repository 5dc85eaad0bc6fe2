package regression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Candidate is one model family taking part in a model search.
type Candidate struct {
	Kind string
	New  func(seed int64) Model
}

// DefaultCandidates returns every model family in the order they are tried.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Kind: KindLinear, New: func(int64) Model { return &Linear{} }},
		{Kind: KindRidge, New: func(int64) Model { return &Ridge{Alpha: 1} }},
		{Kind: KindKNN, New: func(int64) Model { return &KNN{K: 5} }},
		{Kind: KindDecisionTree, New: func(seed int64) Model { return NewDecisionTree(seed) }},
		{Kind: KindRandomForest, New: func(seed int64) Model { return NewRandomForest(seed) }},
		{Kind: KindDummy, New: func(int64) Model { return &Dummy{} }},
	}
}

// CandidatesFor restricts the default candidates to the given kinds.
func CandidatesFor(kinds []string) ([]Candidate, error) {
	if len(kinds) == 0 {
		return DefaultCandidates(), nil
	}
	wanted := sets.NewString(kinds...)
	var picked []Candidate
	for _, c := range DefaultCandidates() {
		if wanted.Has(c.Kind) {
			picked = append(picked, c)
			wanted.Delete(c.Kind)
		}
	}
	if wanted.Len() > 0 {
		return nil, fmt.Errorf("unknown model kinds: %v", wanted.List())
	}
	return picked, nil
}

// SearchOptions control how candidates are compared.
type SearchOptions struct {
	// TrainSize is the fraction of rows used for cross-validation and the
	// final fit. The rest is held out for the final evaluation.
	TrainSize  float64
	Folds      int
	SessionID  int64
	Candidates []Candidate
	Logger     *logrus.Entry
}

// DefaultSearchOptions returns a 70/30 split, 10 folds and session 123.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{TrainSize: 0.7, Folds: 10, SessionID: 123}
}

// MinRows is the smallest dataset that gives every one of folds validation
// folds at least two rows and still leaves a holdout row.
func MinRows(trainSize float64, folds int) int {
	if trainSize <= 0 || trainSize >= 1 || folds < 2 {
		return 0
	}
	n := int(math.Ceil(float64(2*folds) / trainSize))
	if n <= 2*folds {
		n = 2*folds + 1
	}
	return n
}

// Score is a leaderboard entry: the mean cross-validation metrics of a kind.
type Score struct {
	Kind    string  `json:"kind"`
	Metrics Metrics `json:"metrics"`
}

// SearchResult is the outcome of a model search.
type SearchResult struct {
	Leaderboard []Score
	Best        Model
	CV          Metrics
	Holdout     Metrics
	TrainRows   int
	HoldoutRows int
	Folds       int
}

// Compare cross-validates every candidate on a seeded training split, ranks
// them by R2 (then RMSE), refits the winner on the whole training split and
// evaluates it on the held out rows.
func Compare(ctx context.Context, X [][]float64, y []float64, opts SearchOptions) (*SearchResult, error) {
	if _, err := checkTraining(X, y); err != nil {
		return nil, err
	}
	if opts.TrainSize <= 0 || opts.TrainSize >= 1 {
		return nil, fmt.Errorf("train size must be in (0,1), got %v", opts.TrainSize)
	}
	if opts.Folds < 2 {
		return nil, fmt.Errorf("at least 2 folds are needed, got %d", opts.Folds)
	}
	candidates := opts.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "model-search")
	}

	n := len(X)
	nTrain := int(math.Round(opts.TrainSize * float64(n)))
	if nTrain > n-1 {
		nTrain = n - 1
	}
	if nTrain < 2 {
		return nil, fmt.Errorf("not enough rows for a train/holdout split: %d", n)
	}
	// Every validation fold keeps at least two rows so R2 is defined.
	folds := opts.Folds
	if folds > nTrain/2 {
		folds = nTrain / 2
		if folds < 2 {
			return nil, fmt.Errorf("not enough rows for cross-validation: %d training rows", nTrain)
		}
		logger.WithFields(logrus.Fields{"requested": opts.Folds, "folds": folds}).Warn("Too few training rows, reducing the number of folds")
	}

	perm := rand.New(rand.NewSource(opts.SessionID)).Perm(n)
	trainIdx, holdoutIdx := perm[:nTrain], perm[nTrain:]

	byKind := make(map[string]Candidate, len(candidates))
	var leaderboard []Score
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metrics, err := crossValidate(ctx, c, X, y, trainIdx, folds, opts.SessionID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			logger.WithError(err).WithField("kind", c.Kind).Warn("Candidate failed, skipping")
			continue
		}
		logger.WithFields(logrus.Fields{"kind": c.Kind, "r2": metrics.R2, "rmse": metrics.RMSE}).Debug("Candidate scored")
		byKind[c.Kind] = c
		leaderboard = append(leaderboard, Score{Kind: c.Kind, Metrics: metrics})
	}
	if len(leaderboard) == 0 {
		return nil, fmt.Errorf("every candidate failed")
	}

	sort.SliceStable(leaderboard, func(i, j int) bool {
		a, b := leaderboard[i].Metrics, leaderboard[j].Metrics
		if a.R2 != b.R2 {
			return a.R2 > b.R2
		}
		return a.RMSE < b.RMSE
	})

	winner := leaderboard[0]
	trainX, trainY := subset(X, y, trainIdx)
	best := byKind[winner.Kind].New(opts.SessionID)
	if err := best.Fit(trainX, trainY); err != nil {
		return nil, fmt.Errorf("couldn't refit %s on the training split: %w", winner.Kind, err)
	}

	holdoutX, holdoutY := subset(X, y, holdoutIdx)
	pred, err := best.Predict(holdoutX)
	if err != nil {
		return nil, fmt.Errorf("couldn't predict the holdout split: %w", err)
	}
	holdout, err := Evaluate(holdoutY, pred)
	if err != nil {
		return nil, err
	}

	return &SearchResult{
		Leaderboard: leaderboard,
		Best:        best,
		CV:          winner.Metrics,
		Holdout:     holdout,
		TrainRows:   len(trainIdx),
		HoldoutRows: len(holdoutIdx),
		Folds:       folds,
	}, nil
}

func crossValidate(ctx context.Context, c Candidate, X [][]float64, y []float64, trainIdx []int, folds int, seed int64) (Metrics, error) {
	n := len(trainIdx)
	scores := make([]Metrics, 0, folds)
	for f := 0; f < folds; f++ {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		start, end := f*n/folds, (f+1)*n/folds

		fitIdx := make([]int, 0, n-(end-start))
		fitIdx = append(fitIdx, trainIdx[:start]...)
		fitIdx = append(fitIdx, trainIdx[end:]...)
		fitX, fitY := subset(X, y, fitIdx)
		validX, validY := subset(X, y, trainIdx[start:end])

		model := c.New(seed)
		if err := model.Fit(fitX, fitY); err != nil {
			return Metrics{}, fmt.Errorf("fold %d: %w", f, err)
		}
		pred, err := model.Predict(validX)
		if err != nil {
			return Metrics{}, fmt.Errorf("fold %d: %w", f, err)
		}
		m, err := Evaluate(validY, pred)
		if err != nil {
			return Metrics{}, fmt.Errorf("fold %d: %w", f, err)
		}
		scores = append(scores, m)
	}
	return meanMetrics(scores), nil
}

func subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	sx := make([][]float64, len(idx))
	sy := make([]float64, len(idx))
	for k, i := range idx {
		sx[k], sy[k] = X[i], y[i]
	}
	return sx, sy
}
