package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

type TrainConfig struct {
	Trees               int     `yaml:"trees"`
	SampleSize          int     `yaml:"sampleSize"`
	Contamination       float64 `yaml:"contamination"`
	Seed                int64   `yaml:"seed"`
	ThresholdPercentile float64 `yaml:"thresholdPercentile"`
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Trees: 300, SampleSize: 256, Contamination: 0.002, Seed: 42, ThresholdPercentile: 5}
}

func (c TrainConfig) Validate() error {
	if c.Trees <= 0 {
		return fmt.Errorf("model: trees must be > 0")
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("model: sampleSize must be > 0")
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		return fmt.Errorf("model: contamination must be in (0, 0.5)")
	}
	if c.ThresholdPercentile <= 0 || c.ThresholdPercentile >= 100 {
		return fmt.Errorf("model: thresholdPercentile must be in (0, 100)")
	}
	return nil
}

// Report summarises a training run for logs and metrics.
type Report struct {
	Samples        int
	ConstantCols   []string
	ScoreMin       float64
	ScoreMax       float64
	BelowThreshold int
	Duration       time.Duration
}

// Train fits scaler and forest on X and calibrates the decision threshold.
// schema names the columns of X; pipeline is the window config that produced X.
func Train(ctx context.Context, X [][]float64, schema []string, pipeline window.Config, cfg TrainConfig) (*Artifact, Report, error) {
	start := time.Now()
	var rep Report
	if len(X) == 0 {
		return nil, rep, fmt.Errorf("%w: empty corpus", ErrDegenerateInput)
	}
	if len(X[0]) != len(schema) {
		return nil, rep, fmt.Errorf("train: matrix has %d columns, schema %d", len(X[0]), len(schema))
	}

	sc := &RobustScaler{}
	if err := sc.Fit(X); err != nil {
		return nil, rep, fmt.Errorf("fit scaler: %w", err)
	}
	Xs, err := sc.Transform(X)
	if err != nil {
		return nil, rep, fmt.Errorf("scale: %w", err)
	}

	forest := NewIsolationForest(
		WithTrees(cfg.Trees),
		WithSampleSize(cfg.SampleSize),
		WithContamination(cfg.Contamination),
		WithSeed(cfg.Seed),
	)
	if err := forest.Fit(ctx, Xs); err != nil {
		return nil, rep, fmt.Errorf("fit forest: %w", err)
	}
	scores, err := forest.Decision(ctx, Xs)
	if err != nil {
		return nil, rep, fmt.Errorf("score training set: %w", err)
	}
	threshold := Percentile(scores, cfg.ThresholdPercentile)

	rep.Samples = len(X)
	for _, j := range sc.Constant {
		rep.ConstantCols = append(rep.ConstantCols, schema[j])
	}
	rep.ScoreMin, rep.ScoreMax = scores[0], scores[0]
	for _, s := range scores {
		rep.ScoreMin = min(rep.ScoreMin, s)
		rep.ScoreMax = max(rep.ScoreMax, s)
		if s <= threshold {
			rep.BelowThreshold++
		}
	}
	rep.Duration = time.Since(start)

	art := &Artifact{
		CreatedAt: time.Now().UTC(),
		Scaler:    sc,
		Model:     forest,
		Features:  append([]string(nil), schema...),
		Threshold: threshold,
		Pipeline:  pipeline,
	}
	if art.RunID, err = art.contentID(); err != nil {
		return nil, rep, err
	}
	return art, rep, nil
}
