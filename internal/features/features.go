// Package features turns ordered connect events into fixed-schema numeric vectors.
// Training and scoring both go through Extract so the two can never drift apart.
package features

import (
	"errors"
	"fmt"

	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

const (
	FlagCleanSession  = "flag_clean_session"
	FlagPassword      = "flag_password"
	ProtocolVersion   = "protocol_version"
	BytesToServer     = "bytes_to_server"
	PacketsToServer   = "packets_to_server"
	HourOfDay         = "hour_of_day"
	DayOfWeek         = "day_of_week"
	ClientMsgCount    = "client_msg_count"
	ReturnCode        = "return_code"
	ClientFail1m      = "client_fail_1m"
	ClientFail5m      = "client_fail_5m"
	ClientFailRatio5m = "client_fail_ratio_5m"
	UserFailReason4   = "user_fail_reason4"
)

// Schema is the persisted feature order: raw attributes, time metadata, auth features.
var Schema = []string{
	FlagCleanSession, FlagPassword, ProtocolVersion, BytesToServer, PacketsToServer,
	HourOfDay, DayOfWeek, ClientMsgCount,
	ReturnCode, ClientFail1m, ClientFail5m, ClientFailRatio5m, UserFailReason4,
}

var index = func() map[string]int {
	m := make(map[string]int, len(Schema))
	for i, n := range Schema {
		m[n] = i
	}
	return m
}()

var ErrSchemaMismatch = errors.New("feature schema mismatch")

// Vector holds one value per Schema entry, same order.
type Vector []float64

func (v Vector) Get(name string) (float64, bool) {
	i, ok := index[name]
	if !ok || i >= len(v) {
		return 0, false
	}
	return v[i], true
}

// Named maps schema names to values.
func (v Vector) Named() map[string]float64 {
	m := make(map[string]float64, len(v))
	for i, n := range Schema {
		if i < len(v) {
			m[n] = v[i]
		}
	}
	return m
}

func Known(name string) bool {
	_, ok := index[name]
	return ok
}

func Build(ev ingest.Event, c window.Counts) Vector {
	return Vector{
		ev.CleanSession,
		ev.Password,
		ev.ProtocolVersion,
		ev.BytesToServer,
		ev.PacketsToServer,
		float64(ev.Time.Hour()),
		float64(weekday(ev)),
		float64(c.ClientMsgCount),
		float64(ev.ReturnCode),
		float64(c.ClientFail1m),
		float64(c.ClientFail5m),
		c.ClientFailRatio5m,
		float64(c.UserFailReason4),
	}
}

// Monday=0 ... Sunday=6
func weekday(ev ingest.Event) int { return (int(ev.Time.Weekday()) + 6) % 7 }

type Row struct {
	Event  ingest.Event
	Counts window.Counts
	Vector Vector
}

// Extract replays a fresh aggregator over time-ordered events.
func Extract(events []ingest.Event, cfg window.Config) ([]Row, *window.Aggregator) {
	agg := window.NewAggregator(cfg)
	rows := make([]Row, len(events))
	for i, ev := range events {
		c := agg.Observe(ev)
		rows[i] = Row{Event: ev, Counts: c, Vector: Build(ev, c)}
	}
	return rows, agg
}

func Matrix(rows []Row) [][]float64 {
	X := make([][]float64, len(rows))
	for i, r := range rows {
		X[i] = r.Vector
	}
	return X
}

// CheckSchema fails unless persisted equals Schema name-for-name, in order.
func CheckSchema(persisted []string) error {
	if len(persisted) != len(Schema) {
		return fmt.Errorf("%w: artifact has %d features, pipeline builds %d", ErrSchemaMismatch, len(persisted), len(Schema))
	}
	for i, n := range persisted {
		if n != Schema[i] {
			return fmt.Errorf("%w: position %d is %q, pipeline builds %q", ErrSchemaMismatch, i, n, Schema[i])
		}
	}
	return nil
}
