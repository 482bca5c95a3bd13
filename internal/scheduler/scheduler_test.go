package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

func seed(t *testing.T, db *store.Store, n int, offset int) {
	t.Helper()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]ingest.Record, n)
	for i := range rows {
		rows[i] = ingest.Record{
			ingest.ColTime:        strconv.FormatInt(t0.Add(time.Duration(i)*time.Minute).Unix(), 10),
			ingest.ColType:        ingest.TypeConnect,
			ingest.ColClientIdent: fmt.Sprintf("dev-%d", i%5),
			ingest.ColUsername:    fmt.Sprintf("u%d", i%5),
			ingest.ColReturnCode:  "0",
			ingest.ColBytesToSrv:  strconv.Itoa(50 + (i*7+offset)%30),
			ingest.ColPktsToSrv:   strconv.Itoa(1 + i%3),
		}
	}
	require.NoError(t, db.PutRecords(rows))
}

func model() ml.TrainConfig {
	c := ml.DefaultTrainConfig()
	c.Trees = 30
	c.SampleSize = 32
	return c
}

func TestRunOnceTrainsSavesAndSwaps(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()
	seed(t, db, 200, 0)

	dir := filepath.Join(t.TempDir(), "artifacts")
	r := &Retrainer{Log: logger.Nop(), Source: db, Dir: dir, Pipeline: window.DefaultConfig(), Model: model(), MinRecords: 10}
	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	d, err := detector.New(logger.Nop(), first, nil, window.DefaultConfig())
	require.NoError(t, err)
	r.Detector = d

	seed(t, db, 50, 3)
	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Same(t, second, d.Artifact())

	loaded, err := ml.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, loaded.RunID)
}

func TestRunOnceNeedsRecords(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()
	seed(t, db, 5, 0)

	r := &Retrainer{Log: logger.Nop(), Source: db, Dir: t.TempDir(), Pipeline: window.DefaultConfig(), Model: model(), MinRecords: 10}
	_, err = r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotEnoughRecords)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, logger.Nop(), "not a cron", &Retrainer{})
	assert.Error(t, err)
}

func TestRunOnceRejectsBeforeSaving(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()
	seed(t, db, 100, 0)

	dir := filepath.Join(t.TempDir(), "artifacts")
	d, err := detector.New(logger.Nop(), nil, nil, window.DefaultConfig())
	require.NoError(t, err)

	wide := window.DefaultConfig()
	wide.Horizon = 10 * time.Minute
	r := &Retrainer{Log: logger.Nop(), Source: db, Detector: d, Dir: dir, Pipeline: wide, Model: model(), MinRecords: 10}
	_, err = r.RunOnce(context.Background())
	assert.ErrorIs(t, err, detector.ErrPipelineMismatch)

	_, err = ml.Load(dir)
	assert.ErrorIs(t, err, ml.ErrMissingArtifact, "nothing written to disk")
	assert.Nil(t, d.Artifact())
}
