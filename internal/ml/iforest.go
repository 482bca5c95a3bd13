package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const eulerGamma = 0.5772156649015329

// Tree is an isolation tree stored as parallel node arrays; Feature[i] == -1 marks a leaf.
type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Size      []int     `json:"size"`
}

// IsolationForest scores points by how few random splits isolate them.
// Higher Decision means more normal, matching the usual isolation forest convention.
type IsolationForest struct {
	NumTrees      int     `json:"num_trees"`
	SampleSize    int     `json:"sample_size"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`

	// fitted
	MaxSamples int     `json:"max_samples"`
	Features   int     `json:"n_features"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

type Option func(*IsolationForest)

func WithTrees(n int) Option { return func(f *IsolationForest) { f.NumTrees = n } }
func WithSampleSize(n int) Option { return func(f *IsolationForest) { f.SampleSize = n } }
func WithContamination(c float64) Option { return func(f *IsolationForest) { f.Contamination = c } }
func WithSeed(seed int64) Option { return func(f *IsolationForest) { f.Seed = seed } }

func NewIsolationForest(opts ...Option) *IsolationForest {
	f := &IsolationForest{NumTrees: 300, SampleSize: 256, Contamination: 0.002, Seed: 42}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *IsolationForest) Fit(ctx context.Context, X [][]float64) error {
	if f.NumTrees <= 0 || f.SampleSize <= 0 {
		return fmt.Errorf("iforest: trees and sample size must be > 0")
	}
	if f.Contamination <= 0 || f.Contamination >= 0.5 {
		return fmt.Errorf("iforest: contamination must be in (0, 0.5), got %g", f.Contamination)
	}
	n := len(X)
	if n < 2 {
		return fmt.Errorf("%w: need at least 2 samples, got %d", ErrDegenerateInput, n)
	}
	f.Features = len(X[0])
	f.MaxSamples = min(f.SampleSize, n)
	depthLimit := int(math.Ceil(math.Log2(float64(max(f.MaxSamples, 2)))))

	// one seed per tree from the master source keeps concurrent builds reproducible
	master := rand.New(rand.NewSource(f.Seed))
	seeds := make([]int64, f.NumTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]Tree, f.NumTrees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			idx := sampleIndices(rng, n, f.MaxSamples)
			b := &treeBuilder{X: X, rng: rng, limit: depthLimit, d: f.Features}
			b.grow(idx, 0)
			trees[i] = b.t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	f.Trees = trees

	f.Offset = 0
	raw, err := f.ScoreSamples(ctx, X)
	if err != nil {
		return err
	}
	f.Offset = Percentile(raw, 100*f.Contamination)
	return nil
}

// sampleIndices draws k distinct indices from [0,n) (Floyd), in a deterministic order.
func sampleIndices(rng *rand.Rand, n, k int) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	chosen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		t := rng.Intn(j + 1)
		if _, dup := chosen[t]; dup {
			t = j
		}
		chosen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type treeBuilder struct {
	X     [][]float64
	rng   *rand.Rand
	limit int
	d     int
	t     Tree
}

func (b *treeBuilder) leaf(size int) int {
	b.t.Feature = append(b.t.Feature, -1)
	b.t.Threshold = append(b.t.Threshold, 0)
	b.t.Left = append(b.t.Left, -1)
	b.t.Right = append(b.t.Right, -1)
	b.t.Size = append(b.t.Size, size)
	return len(b.t.Feature) - 1
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	if len(idx) <= 1 || depth >= b.limit {
		return b.leaf(len(idx))
	}
	feat, lo, hi := -1, 0.0, 0.0
	// random feature order, first one that is not constant in this node wins
	for _, j := range b.rng.Perm(b.d) {
		mn, mx := b.X[idx[0]][j], b.X[idx[0]][j]
		for _, i := range idx[1:] {
			v := b.X[i][j]
			mn = math.Min(mn, v)
			mx = math.Max(mx, v)
		}
		if mn < mx {
			feat, lo, hi = j, mn, mx
			break
		}
	}
	if feat < 0 {
		return b.leaf(len(idx))
	}
	thr := lo + b.rng.Float64()*(hi-lo)
	if thr >= hi {
		thr = lo
	}
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.X[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	node := b.leaf(len(idx))
	b.t.Feature[node] = feat
	b.t.Threshold[node] = thr
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.t.Left[node] = l
	b.t.Right[node] = r
	return node
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n keys.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func (t *Tree) pathLength(x []float64) float64 {
	node, depth := 0, 0
	for t.Feature[node] >= 0 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Size[node])
}

// scoreOne returns -2^(-E[h(x)]/c(psi)), in [-1, 0].
func (f *IsolationForest) scoreOne(x []float64) float64 {
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(x)
	}
	norm := float64(len(f.Trees)) * averagePathLength(f.MaxSamples)
	if norm == 0 {
		norm = 1
	}
	return -math.Pow(2, -sum/norm)
}

func (f *IsolationForest) ScoreSamples(ctx context.Context, X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, fmt.Errorf("iforest: not fitted")
	}
	out := make([]float64, len(X))
	for i, x := range X {
		if len(x) != f.Features {
			return nil, fmt.Errorf("iforest: row %d has %d features, fitted on %d", i, len(x), f.Features)
		}
	}
	const chunk = 1024
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(X); start += chunk {
		end := min(start+chunk, len(X))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				out[i] = f.scoreOne(X[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decision = ScoreSamples - Offset; negative values are the contamination tail.
func (f *IsolationForest) Decision(ctx context.Context, X [][]float64) ([]float64, error) {
	raw, err := f.ScoreSamples(ctx, X)
	if err != nil {
		return nil, err
	}
	for i := range raw {
		raw[i] -= f.Offset
	}
	return raw, nil
}

func (f *IsolationForest) DecisionOne(x []float64) float64 { return f.scoreOne(x) - f.Offset }
