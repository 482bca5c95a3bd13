package ingest

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column names of the broker connection log.
const (
	ColTime         = "_time"
	ColType         = "mqtt_type"
	ColClientIdent  = "client_identifier"
	ColClientID     = "client_id"
	ColUsername     = "username"
	ColReturnCode   = "return_code"
	ColCleanSession = "flag_clean_session"
	ColPassword     = "flag_password"
	ColProtoVersion = "protocol_version"
	ColBytesToSrv   = "bytes_toserver"
	ColPktsToSrv    = "pkts_toserver"

	TypeConnect = "connect"

	// ReturnCodeBadCredentials is the CONNACK code for bad username or password.
	ReturnCodeBadCredentials = 4
)

// Event is a parsed connect attempt. Row points at the source record.
type Event struct {
	Time            time.Time
	ClientID        string
	Username        string
	ReturnCode      int
	CleanSession    float64
	Password        float64
	ProtocolVersion float64
	BytesToServer   float64
	PacketsToServer float64
	Row             Record
}

func (e Event) Failed() bool { return e.ReturnCode != 0 }

type Stats struct {
	Total       int
	Kept        int
	DroppedType int
	DroppedTime int
}

// Normalize keeps connect rows with a parseable timestamp and stable-sorts them by time.
func Normalize(rows []Record) ([]Event, Stats) {
	st := Stats{Total: len(rows)}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r[ColType]) != TypeConnect {
			st.DroppedType++
			continue
		}
		ts, ok := ParseTime(r[ColTime])
		if !ok {
			st.DroppedTime++
			continue
		}
		out = append(out, toEvent(ts, r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	st.Kept = len(out)
	return out, st
}

func toEvent(ts time.Time, r Record) Event {
	id, ok := r[ColClientIdent]
	if !ok {
		id = r[ColClientID]
	}
	return Event{
		Time:            ts,
		ClientID:        id,
		Username:        r[ColUsername],
		ReturnCode:      int(Number(r[ColReturnCode])),
		CleanSession:    Flag(r[ColCleanSession]),
		Password:        Flag(r[ColPassword]),
		ProtocolVersion: Number(r[ColProtoVersion]),
		BytesToServer:   Number(r[ColBytesToSrv]),
		PacketsToServer: Number(r[ColPktsToSrv]),
		Row:             r,
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime accepts epoch seconds, epoch millis and the usual ISO-8601 shapes.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, ok := parseEpoch(s); ok {
		return t, true
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// epochMillisFrom: 1e11 s is year ~5138, so anything at or above is millis.
const epochMillisFrom = 1e11

// parseEpoch reads decimal epoch values without going through float64, so
// millisecond and sub-second digits survive exactly. Exponent forms fall back to float.
func parseEpoch(s string) (time.Time, bool) {
	neg := false
	body := s
	switch {
	case strings.HasPrefix(body, "-"):
		neg, body = true, body[1:]
	case strings.HasPrefix(body, "+"):
		body = body[1:]
	}
	whole, frac, _ := strings.Cut(body, ".")
	if (whole == "" && frac == "") || !allDigits(whole) || !allDigits(frac) || len(whole) > 18 {
		return parseEpochFloat(s)
	}
	var n int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return parseEpochFloat(s)
		}
		n = v
	}
	millis := n >= epochMillisFrom
	// sub-unit digits as nanoseconds: 9 digits for seconds, 6 for millis
	digits := 9
	if millis {
		digits = 6
	}
	if len(frac) > digits {
		frac = frac[:digits]
	}
	var sub int64
	if frac != "" {
		v, err := strconv.ParseInt(frac+strings.Repeat("0", digits-len(frac)), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		sub = v
	}
	if neg {
		n, sub = -n, -sub
	}
	if millis {
		return time.UnixMilli(n).Add(time.Duration(sub)).UTC(), true
	}
	return time.Unix(n, sub).UTC(), true
}

func parseEpochFloat(s string) (time.Time, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= epochMillisFrom {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Number parses a numeric cell; anything missing or invalid is 0.
func Number(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if b, err := strconv.ParseBool(s); err == nil && !isDigit(s) {
		return boolNum(b)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Flag coerces a boolean cell to 0/1.
func Flag(s string) float64 {
	s = strings.TrimSpace(s)
	if b, err := strconv.ParseBool(s); err == nil {
		return boolNum(b)
	}
	if Number(s) != 0 {
		return 1
	}
	return 0
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func isDigit(s string) bool { return len(s) == 1 && s[0] >= '0' && s[0] <= '9' }
