package detector

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/viniciushammett/mqtt-auth-detector/internal/features"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/metrics"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/tracing"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

// Train builds the feature matrix from a corpus assumed normal and fits a new artifact.
func Train(ctx context.Context, log *logger.Logger, tbl *ingest.Table, pipeline window.Config, cfg ml.TrainConfig) (*ml.Artifact, error) {
	ctx, span := tracing.Start(ctx, "detector.train", attribute.Int("rows", len(tbl.Rows)))
	defer span.End()

	events, st := ingest.Normalize(tbl.Rows)
	recordStats(st)
	if st.DroppedTime > 0 {
		log.Warn().Int("rows", st.DroppedTime).Msg("dropped rows with unparseable _time")
	}
	rows, _ := features.Extract(events, pipeline)

	art, rep, err := ml.Train(ctx, features.Matrix(rows), features.Schema, pipeline, cfg)
	if err != nil {
		metrics.TrainRuns.WithLabelValues("error").Inc()
		return nil, tracing.Fail(span, fmt.Errorf("train on %d events: %w", len(events), err))
	}
	metrics.TrainRuns.WithLabelValues("ok").Inc()
	metrics.TrainDuration.Observe(rep.Duration.Seconds())
	if len(rep.ConstantCols) > 0 {
		log.Warn().Strs("features", rep.ConstantCols).Msg("zero IQR features scaled by 1")
	}
	log.Info().
		Str("run", art.RunID).
		Int("samples", rep.Samples).
		Int("trees", cfg.Trees).
		Float64("threshold", art.Threshold).
		Float64("score_min", rep.ScoreMin).
		Float64("score_max", rep.ScoreMax).
		Int("below_threshold", rep.BelowThreshold).
		Dur("took", rep.Duration).
		Msg("training complete")
	span.SetAttributes(attribute.String("run", art.RunID), attribute.Float64("threshold", art.Threshold))
	return art, nil
}
