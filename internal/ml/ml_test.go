package ml

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

func TestPercentileLinear(t *testing.T) {
	xs := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, Percentile(xs, 0))
	assert.Equal(t, 4.0, Percentile(xs, 100))
	assert.InDelta(t, 2.5, Percentile(xs, 50), 1e-12)
	assert.InDelta(t, 1.75, Percentile(xs, 25), 1e-12)
	assert.InDelta(t, 1.15, Percentile(xs, 5), 1e-12)
	// input untouched
	assert.Equal(t, []float64{4, 1, 3, 2}, xs)
}

func TestRobustScaler(t *testing.T) {
	X := [][]float64{{1, 7}, {2, 7}, {3, 7}, {4, 7}, {100, 7}}
	var s RobustScaler
	require.NoError(t, s.Fit(X))
	assert.Equal(t, []float64{3, 7}, s.Center)
	assert.Equal(t, []float64{2, 1}, s.Scale)
	assert.Equal(t, []int{1}, s.Constant)

	out, err := s.Transform([][]float64{{5, 8}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, out[0])

	_, err = s.Transform([][]float64{{1}})
	assert.Error(t, err)
}

func TestRobustScalerRejectsDegenerateInput(t *testing.T) {
	tests := map[string][][]float64{
		"empty":    nil,
		"single":   {{1, 2}},
		"constant": {{1, 2}, {1, 2}, {1, 2}},
		"ragged":   {{1, 2}, {1}},
	}
	for name, X := range tests {
		var s RobustScaler
		assert.ErrorIs(t, s.Fit(X), ErrDegenerateInput, name)
	}
}

func TestRobustScalerZeroIQRButVarying(t *testing.T) {
	// mostly zeros with a rare spike: IQR 0, range > 0, so fitting succeeds
	X := make([][]float64, 100)
	for i := range X {
		X[i] = []float64{0}
	}
	X[99][0] = 4
	var s RobustScaler
	require.NoError(t, s.Fit(X))
	assert.Equal(t, []float64{1}, s.Scale)
}

func normalCloud(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	for i := range X {
		X[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	return X
}

func TestIsolationForestSeparatesOutlier(t *testing.T) {
	ctx := context.Background()
	f := NewIsolationForest(WithTrees(100), WithSeed(1))
	require.NoError(t, f.Fit(ctx, normalCloud(1000, 3)))
	assert.Equal(t, 256, f.MaxSamples)
	assert.Len(t, f.Trees, 100)

	sc, err := f.Decision(ctx, [][]float64{{0, 0, 0}, {8, -8, 8}})
	require.NoError(t, err)
	assert.Greater(t, sc[0], sc[1])
	assert.Less(t, sc[1], 0.0)
	assert.InDelta(t, sc[1], f.DecisionOne([]float64{8, -8, 8}), 1e-12)
}

func TestIsolationForestSmallSample(t *testing.T) {
	f := NewIsolationForest(WithTrees(10))
	require.NoError(t, f.Fit(context.Background(), normalCloud(20, 9)))
	assert.Equal(t, 20, f.MaxSamples)
}

func TestIsolationForestRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, NewIsolationForest(WithTrees(0)).Fit(ctx, normalCloud(10, 1)))
	assert.Error(t, NewIsolationForest(WithContamination(0.7)).Fit(ctx, normalCloud(10, 1)))
	assert.ErrorIs(t, NewIsolationForest().Fit(ctx, normalCloud(1, 1)), ErrDegenerateInput)

	_, err := NewIsolationForest().ScoreSamples(ctx, normalCloud(1, 1))
	assert.Error(t, err, "unfitted")
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.2448, averagePathLength(256), 1e-3)
}

func TestSampleIndicesDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	idx := sampleIndices(rng, 1000, 256)
	require.Len(t, idx, 256)
	seen := map[int]bool{}
	for _, i := range idx {
		require.False(t, seen[i])
		require.True(t, i >= 0 && i < 1000)
		seen[i] = true
	}
	assert.Len(t, sampleIndices(rng, 10, 256), 10)
}

func schemaOf(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	return out
}

func TestTrainIsDeterministic(t *testing.T) {
	ctx := context.Background()
	X := normalCloud(600, 11)
	cfg := DefaultTrainConfig()
	cfg.Trees = 50

	a1, rep, err := Train(ctx, X, schemaOf(3), window.DefaultConfig(), cfg)
	require.NoError(t, err)
	a2, _, err := Train(ctx, X, schemaOf(3), window.DefaultConfig(), cfg)
	require.NoError(t, err)

	assert.Equal(t, a1.Threshold, a2.Threshold)
	m1, err := json.Marshal(a1.Model)
	require.NoError(t, err)
	m2, err := json.Marshal(a2.Model)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, a1.RunID, a2.RunID, "run id follows content")

	d1, d2 := filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b")
	require.NoError(t, a1.Save(d1))
	require.NoError(t, a2.Save(d2))
	for _, name := range []string{ScalerFile, ModelFile, FeaturesFile, ThresholdFile} {
		b1, err := os.ReadFile(filepath.Join(d1, name))
		require.NoError(t, err)
		b2, err := os.ReadFile(filepath.Join(d2, name))
		require.NoError(t, err)
		assert.Equal(t, b1, b2, name)
	}

	other := window.DefaultConfig()
	other.Horizon = 10 * time.Minute
	a3, _, err := Train(ctx, X, schemaOf(3), other, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a1.RunID, a3.RunID, "window config is part of the run id")

	// 5th percentile: about 5% of training rows at or below the threshold
	assert.Equal(t, 600, rep.Samples)
	assert.InDelta(t, 30, rep.BelowThreshold, 2)
	assert.LessOrEqual(t, rep.ScoreMin, a1.Threshold)
}

func TestTrainFailsFast(t *testing.T) {
	ctx := context.Background()
	_, _, err := Train(ctx, nil, schemaOf(3), window.DefaultConfig(), DefaultTrainConfig())
	assert.ErrorIs(t, err, ErrDegenerateInput)

	flat := [][]float64{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	_, _, err = Train(ctx, flat, schemaOf(3), window.DefaultConfig(), DefaultTrainConfig())
	assert.ErrorIs(t, err, ErrDegenerateInput)

	_, _, err = Train(ctx, normalCloud(10, 1), schemaOf(2), window.DefaultConfig(), DefaultTrainConfig())
	assert.Error(t, err)
}

func trained(t *testing.T) *Artifact {
	t.Helper()
	cfg := DefaultTrainConfig()
	cfg.Trees = 20
	a, _, err := Train(context.Background(), normalCloud(300, 2), schemaOf(3), window.DefaultConfig(), cfg)
	require.NoError(t, err)
	return a
}

func TestArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := trained(t)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, a.Save(dir))

	b, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, a.RunID, b.RunID)
	assert.Equal(t, a.Features, b.Features)
	assert.Equal(t, a.Threshold, b.Threshold)
	assert.Equal(t, a.Pipeline, b.Pipeline)

	X := normalCloud(50, 8)
	s1, err := a.Scores(ctx, X)
	require.NoError(t, err)
	s2, err := b.Scores(ctx, X)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	// a second save replaces the set wholesale
	c := trained(t)
	require.NoError(t, c.Save(dir))
	d, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, c.RunID, d.RunID)
}

func TestLoadMissingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, trained(t).Save(dir))
	for _, name := range []string{ScalerFile, ModelFile, FeaturesFile, ThresholdFile, ManifestFile} {
		tmp := filepath.Join(t.TempDir(), "copy")
		require.NoError(t, os.MkdirAll(tmp, 0o755))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Name() == name {
				continue
			}
			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(tmp, e.Name()), b, 0o644))
		}
		_, err = Load(tmp)
		assert.ErrorIs(t, err, ErrMissingArtifact, name)
	}
}

func TestLoadRejectsMixedRuns(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	require.NoError(t, trained(t).Save(dirA))
	require.NoError(t, trained(t).Save(dirB))

	// threshold from another run
	b, err := os.ReadFile(filepath.Join(dirB, ThresholdFile))
	require.NoError(t, err)
	orig, err := os.ReadFile(filepath.Join(dirA, ThresholdFile))
	require.NoError(t, err)
	if string(b) == string(orig) {
		b = []byte(`{"threshold":-0.5}`)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dirA, ThresholdFile), b, 0o644))
	_, err = Load(dirA)
	assert.ErrorIs(t, err, ErrArtifactMismatch)
}

func TestSaveRejectsInconsistentArtifact(t *testing.T) {
	a := trained(t)
	a.Features = a.Features[:2]
	assert.ErrorIs(t, a.Save(filepath.Join(t.TempDir(), "m")), ErrArtifactMismatch)
}
