package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/features"
)

const (
	ColScore        = "score"
	ColModelAnomaly = "model_anomaly"
	ColRuleAttack   = "rule_attack"
	ColFinalAnomaly = "final_anomaly"
)

// Columns returns the output header: input columns, then computed features not already
// present, then the verdict columns.
func Columns(input []string) []string {
	have := map[string]bool{}
	out := make([]string, 0, len(input)+len(features.Schema)+4)
	for _, c := range input {
		have[c] = true
		out = append(out, c)
	}
	for _, f := range features.Schema {
		if !have[f] {
			have[f] = true
			out = append(out, f)
		}
	}
	for _, c := range []string{ColScore, ColModelAnomaly, ColRuleAttack, ColFinalAnomaly} {
		if !have[c] {
			out = append(out, c)
		}
	}
	return out
}

// WriteScored writes scored events back in tabular form. Verdicts use -1 anomalous / 1 normal.
func WriteScored(w io.Writer, input []string, scored []detector.Scored) error {
	cols := Columns(input)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, s := range scored {
		computed := computedCells(s)
		for i, c := range cols {
			if v, ok := computed[c]; ok {
				row[i] = v
				continue
			}
			row[i] = s.Event.Row[c]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func computedCells(s detector.Scored) map[string]string {
	m := make(map[string]string, len(features.Schema)+4)
	for i, name := range features.Schema {
		m[name] = num(s.Vector[i])
	}
	m[ColScore] = num(s.Score)
	m[ColModelAnomaly] = Sign(s.ModelAnomaly)
	m[ColRuleAttack] = Sign(s.RuleAttack)
	m[ColFinalAnomaly] = Sign(s.FinalAnomaly)
	return m
}

func num(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func Sign(anomalous bool) string {
	if anomalous {
		return "-1"
	}
	return "1"
}
