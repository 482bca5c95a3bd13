package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viniciushammett/mqtt-auth-detector/internal/api"
	"github.com/viniciushammett/mqtt-auth-detector/internal/config"
	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/export"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/metrics"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/notify"
	"github.com/viniciushammett/mqtt-auth-detector/internal/scheduler"
	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
	"github.com/viniciushammett/mqtt-auth-detector/internal/tracing"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// stdout fica livre para o CSV do score
	log := logger.NewWithWriter(env("LOG_LEVEL", "info"), os.Stderr)

	root := &cobra.Command{
		Use:           "mqtt-auth-detector",
		Short:         "MQTT connect-log brute-force detector (train + score + API)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath, artifactsDir string
	root.PersistentFlags().StringVar(&cfgPath, "config", env("CONFIG_PATH", "configs/config.yaml"), "YAML config path")
	root.PersistentFlags().StringVar(&artifactsDir, "artifacts", "", "artifact directory (overrides artifacts.dir)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if artifactsDir != "" {
			cfg.Artifacts.Dir = artifactsDir
		}
		return cfg, nil
	}

	// --- train ---
	var trainInput string
	var fromStore bool
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Fit scaler, isolation forest and threshold on a normal-traffic corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := withSignals()
			closer := initTracing(ctx, log, cfg.Tracing)
			defer func() { _ = closer(context.Background()) }()

			var tbl *ingest.Table
			switch {
			case fromStore:
				db, err := store.Open(cfg.Storage.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				if tbl, err = db.Table(); err != nil {
					return err
				}
			case trainInput != "":
				if tbl, err = readTable(trainInput); err != nil {
					return err
				}
			default:
				return fmt.Errorf("--input or --from-store is required")
			}

			art, err := detector.Train(ctx, log, tbl, cfg.Pipeline, cfg.Model)
			if err != nil {
				return err
			}
			if err := art.Save(cfg.Artifacts.Dir); err != nil {
				return err
			}
			log.Info().Str("dir", cfg.Artifacts.Dir).Str("run", art.RunID).Msg("artifacts saved")
			return nil
		},
	}
	trainCmd.Flags().StringVar(&trainInput, "input", "", "training CSV (- for stdin)")
	trainCmd.Flags().BoolVar(&fromStore, "from-store", false, "train on records stored by the API")
	root.AddCommand(trainCmd)

	// --- score ---
	var scoreInput, scoreOutput string
	var persist bool
	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score a connection log with the saved artifacts and write verdicts as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scoreInput == "" {
				return fmt.Errorf("--input is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := withSignals()
			closer := initTracing(ctx, log, cfg.Tracing)
			defer func() { _ = closer(context.Background()) }()

			art, err := ml.Load(cfg.Artifacts.Dir)
			if err != nil {
				return err
			}
			rs, err := cfg.RuleSet()
			if err != nil {
				return err
			}
			opts := notifierOpts(cfg)
			if persist {
				db, err := store.Open(cfg.Storage.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				opts = append(opts, detector.WithSink(db))
			}
			det, err := detector.New(log, art, rs, cfg.Pipeline, opts...)
			if err != nil {
				return err
			}

			tbl, err := readTable(scoreInput)
			if err != nil {
				return err
			}
			scored, sum, err := det.Score(ctx, tbl)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if scoreOutput != "-" {
				f, err := os.Create(scoreOutput)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := export.WriteScored(w, tbl.Header, scored); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			log.Info().
				Int("kept", sum.Ingest.Kept).
				Int("dropped", sum.Ingest.DroppedType+sum.Ingest.DroppedTime).
				Int("final_anomalies", sum.FinalAnomalies).
				Msg("score complete")
			return nil
		},
	}
	scoreCmd.Flags().StringVar(&scoreInput, "input", "", "connection log CSV (- for stdin)")
	scoreCmd.Flags().StringVar(&scoreOutput, "output", "-", "scored CSV (- for stdout)")
	scoreCmd.Flags().BoolVar(&persist, "persist", false, "store final anomalies as detections")
	root.AddCommand(scoreCmd)

	// --- serve ---
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retrain scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := withSignals()
			metrics.MustRegister()
			closer := initTracing(ctx, log, cfg.Tracing)
			defer func() { _ = closer(context.Background()) }()

			db, err := store.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			rs, err := cfg.RuleSet()
			if err != nil {
				return err
			}
			art, err := ml.Load(cfg.Artifacts.Dir)
			if errors.Is(err, ml.ErrMissingArtifact) {
				log.Warn().Str("dir", cfg.Artifacts.Dir).Msg("no artifacts yet, scoring disabled until first train")
				art, err = nil, nil
			}
			if err != nil {
				return err
			}
			det, err := detector.New(log, art, rs, cfg.Pipeline, append(notifierOpts(cfg), detector.WithSink(db))...)
			if err != nil {
				return err
			}

			tr := &scheduler.Retrainer{
				Log:        log,
				Source:     db,
				Detector:   det,
				Dir:        cfg.Artifacts.Dir,
				Pipeline:   cfg.Pipeline,
				Model:      cfg.Model,
				MinRecords: cfg.Retrain.MinRecords,
			}
			srv := api.NewServer(api.Deps{Log: log, Store: db, Detector: det, Trainer: tr}, api.Config{
				Addr:         cfg.Server.Addr,
				AuthToken:    first(env("API_TOKEN", ""), cfg.Server.AuthToken),
				CORSOrigins:  cfg.Server.CORSOrigins,
				RateLimit:    cfg.Server.RateLimit,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if cfg.Retrain.Enabled {
				g.Go(func() error { return scheduler.Run(gctx, log, cfg.Retrain.Schedule, tr) })
			}
			return g.Wait()
		},
	}
	root.AddCommand(serveCmd)

	// --- version ---
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mqtt-auth-detector %s (%s) %s\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func readTable(path string) (*ingest.Table, error) {
	if path == "-" {
		return ingest.ReadCSV(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ReadCSV(f)
}

func notifierOpts(cfg *config.Config) []detector.Option {
	slack := notify.NewSlack(cfg.Slack.Enabled, first(env("SLACK_WEBHOOK", ""), cfg.Slack.Webhook))
	if !slack.Enabled() {
		return nil
	}
	return []detector.Option{detector.WithNotifier(slack)}
}

func initTracing(ctx context.Context, log *logger.Logger, cfg tracing.Config) tracing.Closer {
	closer, err := tracing.Init(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("tracing init failed")
		return func(context.Context) error { return nil }
	}
	return closer
}

func withSignals() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-c; cancel() }()
	return ctx
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func first(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
