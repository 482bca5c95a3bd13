package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/features"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

var (
	ErrBusy             = errors.New("a training run is already in progress")
	ErrNotEnoughRecords = errors.New("not enough stored records to train")
)

// Source is the stored training corpus.
type Source interface {
	CountRecords() (int, error)
	Table() (*ingest.Table, error)
}

// Retrainer fits a new artifact from the store, persists it and swaps it into the detector.
type Retrainer struct {
	Log        *logger.Logger
	Source     Source
	Detector   *detector.Detector
	Dir        string
	Pipeline   window.Config
	Model      ml.TrainConfig
	MinRecords int

	mu sync.Mutex
}

func (r *Retrainer) RunOnce(ctx context.Context) (*ml.Artifact, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	n, err := r.Source.CountRecords()
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	if n < r.MinRecords {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughRecords, n, r.MinRecords)
	}
	tbl, err := r.Source.Table()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	art, err := detector.Train(ctx, r.Log, tbl, r.Pipeline, r.Model)
	if err != nil {
		return nil, err
	}
	// valida antes de tocar no disco: disco e artefato vivo andam juntos
	if r.Detector != nil {
		if err := r.Detector.Check(art); err != nil {
			return nil, err
		}
	} else if err := features.CheckSchema(art.Features); err != nil {
		return nil, err
	}
	if err := art.Save(r.Dir); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	if r.Detector != nil {
		if err := r.Detector.Swap(art); err != nil {
			return nil, err
		}
	}
	return art, nil
}

// Run retrains on the cron schedule until ctx is done.
func Run(ctx context.Context, log *logger.Logger, schedule string, r *Retrainer) error {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	_, err := c.AddFunc(schedule, func() {
		log.Info().Str("schedule", schedule).Msg("running scheduled retrain")
		art, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrBusy), errors.Is(err, ErrNotEnoughRecords):
			log.Warn().Err(err).Msg("retrain skipped")
		case err != nil:
			log.Error().Err(err).Msg("retrain failed")
		default:
			log.Info().Str("run", art.RunID).Msg("retrained artifact is live")
		}
	})
	if err != nil {
		return fmt.Errorf("cron schedule %q: %w", schedule, err)
	}
	c.Start()
	<-ctx.Done()
	ctxStop, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-c.Stop().Done():
	case <-ctxStop.Done():
		log.Warn().Msg("retrain still running at shutdown")
	}
	return nil
}
