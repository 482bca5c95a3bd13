package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
)

var (
	bRecords    = []byte("records")    // key=seq (big endian), val=json row
	bDetections = []byte("detections") // key=when nano + seq, val=json
)

type Store struct{ db *bolt.DB }

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bRecords, bDetections} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// -------- registros brutos --------

// PutRecords appends raw rows in one transaction, preserving arrival order.
func (s *Store) PutRecords(rows []ingest.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bRecords)
		for _, r := range rows {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			j, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(itob(seq), j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) IterateRecords(fn func(r ingest.Record) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r ingest.Record
			if json.Unmarshal(v, &r) != nil {
				continue
			}
			if !fn(r) {
				break
			}
		}
		return nil
	})
}

func (s *Store) CountRecords() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Table loads every stored row; header is the union of keys.
func (s *Store) Table() (*ingest.Table, error) {
	var maps []map[string]any
	err := s.IterateRecords(func(r ingest.Record) bool {
		m := make(map[string]any, len(r))
		for k, v := range r {
			m[k] = v
		}
		maps = append(maps, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return ingest.FromMaps(maps), nil
}

// -------- deteccoes --------

type Detection struct {
	ID           string             `json:"id"`
	RunID        string             `json:"runId"`
	When         time.Time          `json:"when"`
	EventTime    time.Time          `json:"eventTime"`
	ClientID     string             `json:"clientId"`
	Username     string             `json:"username"`
	ReturnCode   int                `json:"returnCode"`
	Rule         string             `json:"rule"`
	Severity     string             `json:"severity"`
	Score        float64            `json:"score"`
	ModelAnomaly bool               `json:"modelAnomaly"`
	Features     map[string]float64 `json:"features"`
}

func (s *Store) PutDetections(ds []Detection) error {
	if len(ds) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bDetections)
		for _, d := range ds {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			j, err := json.Marshal(d)
			if err != nil {
				return err
			}
			// ordenavel por tempo do evento
			key := append(itob(uint64(d.EventTime.UnixNano())), itob(seq)...)
			if err := b.Put(key, j); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDetections returns newest first; limit <= 0 means all.
func (s *Store) ListDetections(limit int, username string) ([]Detection, error) {
	out := []Detection{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bDetections).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d Detection
			if json.Unmarshal(v, &d) != nil {
				continue
			}
			if username != "" && d.Username != username {
				continue
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
