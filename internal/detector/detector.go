package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viniciushammett/mqtt-auth-detector/internal/features"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/metrics"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/notify"
	"github.com/viniciushammett/mqtt-auth-detector/internal/rules"
	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
	"github.com/viniciushammett/mqtt-auth-detector/internal/tracing"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

var ErrPipelineMismatch = errors.New("window config differs from the one the artifact was trained with")

// Sink persists final detections.
type Sink interface {
	PutDetections([]store.Detection) error
}

type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Scored is one connect event with its features and verdicts.
type Scored struct {
	Event        ingest.Event
	Counts       window.Counts
	Vector       features.Vector
	Score        float64
	ModelAnomaly bool
	RuleAttack   bool
	Rule         string
	// Hits are the configured extra rules that fired; they never change the verdict.
	Hits         []string
	FinalAnomaly bool
}

type Summary struct {
	RunID          string       `json:"runId"`
	Ingest         ingest.Stats `json:"ingest"`
	Scored         int          `json:"scored"`
	ModelAnomalies int          `json:"modelAnomalies"`
	RuleAttacks    int          `json:"ruleAttacks"`
	FinalAnomalies int          `json:"finalAnomalies"`
	TrackedClients int          `json:"trackedClients"`
	TrackedUsers   int          `json:"trackedUsers"`
}

type Detector struct {
	log   *logger.Logger
	rs    *rules.Set
	cfg   window.Config
	sink  Sink
	slack Notifier

	art atomic.Pointer[ml.Artifact]
}

type Option func(*Detector)

func WithSink(s Sink) Option         { return func(d *Detector) { d.sink = s } }
func WithNotifier(n Notifier) Option { return func(d *Detector) { d.slack = n } }

func New(log *logger.Logger, art *ml.Artifact, rs *rules.Set, cfg window.Config, opts ...Option) (*Detector, error) {
	if rs == nil {
		rs = rules.Default()
	}
	d := &Detector{log: log, rs: rs, cfg: cfg}
	for _, o := range opts {
		o(d)
	}
	if art == nil {
		return d, nil
	}
	if err := d.Swap(art); err != nil {
		return nil, err
	}
	return d, nil
}

// Check reports whether art can serve this detector: same feature schema, same window config.
func (d *Detector) Check(art *ml.Artifact) error {
	if art == nil {
		return fmt.Errorf("detector: %w", ml.ErrMissingArtifact)
	}
	if err := features.CheckSchema(art.Features); err != nil {
		return err
	}
	if art.Pipeline != d.cfg {
		return fmt.Errorf("%w: artifact %+v, running %+v", ErrPipelineMismatch, art.Pipeline, d.cfg)
	}
	return nil
}

// Swap installs a new artifact after checking it against the running pipeline.
func (d *Detector) Swap(art *ml.Artifact) error {
	if err := d.Check(art); err != nil {
		return err
	}
	d.art.Store(art)
	metrics.Threshold.Set(art.Threshold)
	d.log.Info().Str("run", art.RunID).Float64("threshold", art.Threshold).Msg("artifact loaded")
	return nil
}

// Artifact is the live artifact, nil before the first successful training.
func (d *Detector) Artifact() *ml.Artifact { return d.art.Load() }

// Score replays normalisation, aggregation and features over tbl and applies the
// live artifact and the rule overlay. The final label is the rule verdict.
func (d *Detector) Score(ctx context.Context, tbl *ingest.Table) ([]Scored, Summary, error) {
	ctx, span := tracing.Start(ctx, "detector.score", attribute.Int("rows", len(tbl.Rows)))
	defer span.End()

	art := d.art.Load()
	if art == nil {
		return nil, Summary{}, tracing.Fail(span, fmt.Errorf("score: %w", ml.ErrMissingArtifact))
	}
	sum := Summary{RunID: art.RunID}

	events, st := ingest.Normalize(tbl.Rows)
	sum.Ingest = st
	recordStats(st)
	if st.DroppedTime > 0 {
		d.log.Warn().Int("rows", st.DroppedTime).Msg("dropped rows with unparseable _time")
	}

	rows, agg := features.Extract(events, d.cfg)
	sum.TrackedClients, sum.TrackedUsers = agg.Tracked()
	metrics.TrackedKeys.WithLabelValues("client").Set(float64(sum.TrackedClients))
	metrics.TrackedKeys.WithLabelValues("user").Set(float64(sum.TrackedUsers))

	scores, err := art.Scores(ctx, features.Matrix(rows))
	if err != nil {
		return nil, sum, tracing.Fail(span, fmt.Errorf("score: %w", err))
	}

	out := make([]Scored, len(rows))
	for i, r := range rows {
		s := Scored{
			Event:        r.Event,
			Counts:       r.Counts,
			Vector:       r.Vector,
			Score:        scores[i],
			ModelAnomaly: scores[i] <= art.Threshold,
		}
		for _, rule := range d.rs.Hits(r.Vector) {
			metrics.RuleHits.WithLabelValues(rule.Name).Inc()
			if rule.Name == rules.PrincipalBadCredentials.Name {
				s.RuleAttack = true
				s.Rule = rule.Name
				continue
			}
			s.Hits = append(s.Hits, rule.Name)
		}
		// o modelo fica exposto para auditoria; quem decide e a regra
		s.FinalAnomaly = s.RuleAttack
		if s.ModelAnomaly {
			sum.ModelAnomalies++
		}
		if s.RuleAttack {
			sum.RuleAttacks++
		}
		if s.FinalAnomaly {
			sum.FinalAnomalies++
		}
		out[i] = s
	}
	sum.Scored = len(out)
	metrics.EventsScored.Add(float64(sum.Scored))
	metrics.Anomalies.WithLabelValues("model").Add(float64(sum.ModelAnomalies))
	metrics.Anomalies.WithLabelValues("rule").Add(float64(sum.RuleAttacks))
	metrics.Anomalies.WithLabelValues("final").Add(float64(sum.FinalAnomalies))
	span.SetAttributes(attribute.Int("scored", sum.Scored), attribute.Int("final_anomalies", sum.FinalAnomalies))

	d.raise(ctx, art.RunID, out)
	d.log.Info().
		Str("run", art.RunID).
		Int("scored", sum.Scored).
		Int("model_anomalies", sum.ModelAnomalies).
		Int("rule_attacks", sum.RuleAttacks).
		Msg("scoring done")
	return out, sum, nil
}

// raise persists detections and notifies once per principal. Failures are logged only.
func (d *Detector) raise(ctx context.Context, runID string, scored []Scored) {
	var dets []store.Detection
	notified := map[string]bool{}
	now := time.Now().UTC()
	for _, s := range scored {
		if !s.FinalAnomaly {
			continue
		}
		rule := d.ruleByName(s.Rule)
		dets = append(dets, store.Detection{
			ID:           uuid.NewString(),
			RunID:        runID,
			When:         now,
			EventTime:    s.Event.Time,
			ClientID:     s.Event.ClientID,
			Username:     s.Event.Username,
			ReturnCode:   s.Event.ReturnCode,
			Rule:         rule.Name,
			Severity:     rule.Severity,
			Score:        s.Score,
			ModelAnomaly: s.ModelAnomaly,
			Features:     s.Vector.Named(),
		})
		if d.slack != nil && !notified[s.Event.Username] {
			notified[s.Event.Username] = true
			msg := notify.Format(rule.Name, rule.Severity, s.Event.Username, s.Event.ClientID, s.Counts.UserFailReason4, d.cfg.Horizon.String())
			if err := d.slack.Send(ctx, msg); err != nil {
				d.log.Error().Err(err).Str("username", s.Event.Username).Msg("slack notify failed")
			}
		}
		d.log.Warn().
			Str("rule", rule.Name).
			Str("client", s.Event.ClientID).
			Str("username", s.Event.Username).
			Int("user_fail_reason4", s.Counts.UserFailReason4).
			Time("event_time", s.Event.Time).
			Msg("anomaly")
	}
	if d.sink != nil && len(dets) > 0 {
		if err := d.sink.PutDetections(dets); err != nil {
			d.log.Error().Err(err).Int("detections", len(dets)).Msg("persist detections failed")
		}
	}
}

func (d *Detector) ruleByName(name string) rules.Rule {
	for _, r := range d.rs.Items {
		if r.Name == name {
			return r
		}
	}
	return rules.Rule{Name: name}
}

func recordStats(st ingest.Stats) {
	metrics.RecordsRead.WithLabelValues("kept").Add(float64(st.Kept))
	metrics.RecordsRead.WithLabelValues("dropped_type").Add(float64(st.DroppedType))
	metrics.RecordsRead.WithLabelValues("dropped_time").Add(float64(st.DroppedTime))
}
