package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Record is one raw log row: column name -> value.
type Record map[string]string

// Table keeps the input column order so scored output can be written back as-is.
type Table struct {
	Header []string
	Rows   []Record
}

func (t *Table) Has(col string) bool {
	for _, h := range t.Header {
		if h == col {
			return true
		}
	}
	return false
}

func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	t := &Table{Header: append([]string(nil), header...)}
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(fields) {
				rec[col] = fields[i]
			}
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// FromMaps builds a Table from decoded JSON objects; header is the sorted key union.
func FromMaps(rows []map[string]any) *Table {
	seen := map[string]bool{}
	t := &Table{Rows: make([]Record, 0, len(rows))}
	for _, m := range rows {
		rec := make(Record, len(m))
		for k, v := range m {
			if !seen[k] {
				seen[k] = true
				t.Header = append(t.Header, k)
			}
			rec[k] = stringify(v)
		}
		t.Rows = append(t.Rows, rec)
	}
	sort.Strings(t.Header)
	return t
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
