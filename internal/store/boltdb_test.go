package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordsKeepArrivalOrder(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.PutRecords([]ingest.Record{
		{"client_id": "a", "_time": "2"},
		{"client_id": "b", "_time": "1"},
	}))
	require.NoError(t, s.PutRecords([]ingest.Record{{"client_id": "c"}}))

	var ids []string
	require.NoError(t, s.IterateRecords(func(r ingest.Record) bool {
		ids = append(ids, r["client_id"])
		return true
	}))
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	n, err := s.CountRecords()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tbl, err := s.Table()
	require.NoError(t, err)
	assert.Equal(t, []string{"_time", "client_id"}, tbl.Header)
	assert.Len(t, tbl.Rows, 3)
}

func TestDetectionsNewestFirst(t *testing.T) {
	s := openTemp(t)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutDetections([]Detection{
		{ID: "1", EventTime: t0, Username: "u1"},
		{ID: "2", EventTime: t0.Add(time.Minute), Username: "u2"},
		{ID: "3", EventTime: t0.Add(2 * time.Minute), Username: "u1"},
	}))
	require.NoError(t, s.PutDetections(nil))

	all, err := s.ListDetections(0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)

	top, err := s.ListDetections(1, "")
	require.NoError(t, err)
	assert.Equal(t, "3", top[0].ID)

	u1, err := s.ListDetections(0, "u1")
	require.NoError(t, err)
	require.Len(t, u1, 2)
	assert.Equal(t, "1", u1[1].ID)
}
