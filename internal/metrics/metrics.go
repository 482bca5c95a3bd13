package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mad_records_total", Help: "Raw log rows read, by outcome"},
		[]string{"outcome"}, // kept|dropped_type|dropped_time
	)
	EventsScored = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mad_events_scored_total", Help: "Connect events scored"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mad_anomalies_total", Help: "Anomalous verdicts by source"},
		[]string{"kind"}, // model|rule|final
	)
	RuleHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mad_rule_hits_total", Help: "Rule overlay hits"},
		[]string{"rule"},
	)
	TrackedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "mad_tracked_keys", Help: "Keys held by the failure aggregator after the last replay"},
		[]string{"kind"}, // client|user
	)
	TrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mad_train_duration_seconds", Help: "Training run duration", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)},
	)
	TrainRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mad_train_runs_total", Help: "Training runs by result"},
		[]string{"result"},
	)
	Threshold = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "mad_decision_threshold", Help: "Decision threshold of the live artifact"},
	)
)

var once sync.Once

func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(RecordsRead, EventsScored, Anomalies, RuleHits, TrackedKeys, TrainDuration, TrainRuns, Threshold)
	})
}

func Handler() http.Handler { return promhttp.Handler() }
