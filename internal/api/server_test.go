package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/scheduler"
	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

const token = "t0ken"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func row(at time.Time, client, user string, rc int, bytes int) map[string]any {
	return map[string]any{
		"_time":             float64(at.Unix()),
		"mqtt_type":         "connect",
		"client_identifier": client,
		"username":          user,
		"return_code":       float64(rc),
		"flag_password":     true,
		"protocol_version":  4,
		"bytes_toserver":    bytes,
		"pkts_toserver":     1,
	}
}

type env struct {
	h   http.Handler
	db  *store.Store
	det *detector.Detector
}

func setup(t *testing.T, withModel bool) env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mc := ml.DefaultTrainConfig()
	mc.Trees = 30
	mc.SampleSize = 32

	var art *ml.Artifact
	if withModel {
		var rows []map[string]any
		for i := 0; i < 150; i++ {
			rows = append(rows, row(t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("d%d", i%4), fmt.Sprintf("u%d", i%4), 0, 40+i%25))
		}
		art, err = detector.Train(context.Background(), logger.Nop(), ingest.FromMaps(rows), window.DefaultConfig(), mc)
		require.NoError(t, err)
	}
	det, err := detector.New(logger.Nop(), art, nil, window.DefaultConfig(), detector.WithSink(db))
	require.NoError(t, err)

	tr := &scheduler.Retrainer{
		Log: logger.Nop(), Source: db, Detector: det, Dir: filepath.Join(t.TempDir(), "art"),
		Pipeline: window.DefaultConfig(), Model: mc, MinRecords: 20,
	}
	s := NewServer(Deps{Log: logger.Nop(), Store: db, Detector: det, Trainer: tr}, Config{AuthToken: token, MaxBodyBytes: 1 << 20})
	return env{h: s.Handler(), db: db, det: det}
}

func do(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	e := setup(t, false)
	rec := do(t, e.h, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestV1RequiresToken(t *testing.T) {
	e := setup(t, false)
	rec := do(t, e.h, http.MethodGet, "/v1/detections", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecordsThenTrain(t *testing.T) {
	e := setup(t, false)

	rec := do(t, e.h, http.MethodPost, "/v1/records", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e.h, http.MethodPost, "/v1/train", nil, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var rows []map[string]any
	for i := 0; i < 60; i++ {
		rows = append(rows, row(t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("d%d", i%3), "u", 0, 30+i%11))
	}
	rec = do(t, e.h, http.MethodPost, "/v1/records", map[string]any{"records": rows}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	n, err := e.db.CountRecords()
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	rec = do(t, e.h, http.MethodPost, "/v1/train", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, e.det.Artifact())
	assert.Equal(t, e.det.Artifact().RunID, out.RunID)
}

func TestScoreWithoutModel(t *testing.T) {
	e := setup(t, false)
	rec := do(t, e.h, http.MethodPost, "/v1/score", map[string]any{"records": []map[string]any{row(t0, "c", "u", 0, 40)}}, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScoreAndDetections(t *testing.T) {
	e := setup(t, true)
	body := map[string]any{"records": []map[string]any{
		row(t0, "a", "victim", 4, 40),
		row(t0.Add(5*time.Second), "b", "victim", 4, 40),
		row(t0.Add(9*time.Second), "c", "bob", 0, 40),
	}}
	rec := do(t, e.h, http.MethodPost, "/v1/score", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp scoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.False(t, resp.Results[0].FinalAnomaly)
	assert.True(t, resp.Results[1].FinalAnomaly)
	assert.Equal(t, 2.0, resp.Results[1].Features["user_fail_reason4"])
	assert.False(t, resp.Results[2].FinalAnomaly)
	assert.Equal(t, 1, resp.Summary.FinalAnomalies)

	rec = do(t, e.h, http.MethodGet, "/v1/detections?username=victim", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var dets []store.Detection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, "b", dets[0].ClientID)

	rec = do(t, e.h, http.MethodGet, "/v1/detections?limit=x", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
