package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viniciushammett/mqtt-auth-detector/internal/detector"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
	"github.com/viniciushammett/mqtt-auth-detector/internal/logger"
	"github.com/viniciushammett/mqtt-auth-detector/internal/metrics"
	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/scheduler"
	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
	"github.com/viniciushammett/mqtt-auth-detector/internal/tracing"
)

type Trainer interface {
	RunOnce(ctx context.Context) (*ml.Artifact, error)
}

type Deps struct {
	Log      *logger.Logger
	Store    *store.Store
	Detector *detector.Detector
	Trainer  Trainer
}

type Config struct {
	Addr         string
	AuthToken    string
	CORSOrigins  []string
	RateLimit    int // per minute per IP, 0 = off
	MaxBodyBytes int64
}

type Server struct {
	d Deps
	c Config
}

func NewServer(d Deps, c Config) *Server { return &Server{d: d, c: c} }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.c.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.c.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/v1", func(r chi.Router) {
		if s.c.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.c.RateLimit, time.Minute))
		}
		r.Use(s.auth)
		r.Post("/records", s.handleRecords)
		r.Post("/score", s.handleScore)
		r.Post("/train", s.handleTrain)
		r.Get("/detections", s.handleDetections)
	})
	return s.d.Log.HTTP(r)
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.c.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.d.Log.Info().Str("addr", s.c.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	if s.c.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if !strings.HasPrefix(got, "Bearer ") || strings.TrimPrefix(got, "Bearer ") != s.c.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rowsPayload is a batch of raw log rows: {"records": [{"_time": ..., "mqtt_type": ...}, ...]}.
type rowsPayload struct {
	Records []map[string]any `json:"records"`
}

func (s *Server) decodeRows(w http.ResponseWriter, r *http.Request) (*ingest.Table, bool) {
	if s.c.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.c.MaxBodyBytes)
	}
	var p rowsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || len(p.Records) == 0 {
		writeError(w, http.StatusBadRequest, "invalid payload (records is required)")
		return nil, false
	}
	return ingest.FromMaps(p.Records), true
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.Start(r.Context(), "POST /v1/records")
	defer span.End()

	tbl, ok := s.decodeRows(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int("records", len(tbl.Rows)))
	if err := s.d.Store.PutRecords(tbl.Rows); err != nil {
		s.d.Log.Error().Err(tracing.Fail(span, err)).Msg("store records failed")
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stored": len(tbl.Rows)})
}

type scoredItem struct {
	Time         time.Time          `json:"time"`
	ClientID     string             `json:"clientId"`
	Username     string             `json:"username"`
	ReturnCode   int                `json:"returnCode"`
	Score        float64            `json:"score"`
	ModelAnomaly bool               `json:"modelAnomaly"`
	RuleAttack   bool               `json:"ruleAttack"`
	Rule         string             `json:"rule,omitempty"`
	Hits         []string           `json:"hits,omitempty"`
	FinalAnomaly bool               `json:"finalAnomaly"`
	Features     map[string]float64 `json:"features"`
}

type scoreResponse struct {
	RunID   string           `json:"runId"`
	Summary detector.Summary `json:"summary"`
	Results []scoredItem     `json:"results"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Start(r.Context(), "POST /v1/score")
	defer span.End()

	tbl, ok := s.decodeRows(w, r)
	if !ok {
		return
	}
	scored, sum, err := s.d.Detector.Score(ctx, tbl)
	if errors.Is(err, ml.ErrMissingArtifact) {
		writeError(w, http.StatusServiceUnavailable, "no trained model yet")
		return
	}
	if err != nil {
		s.d.Log.Error().Err(err).Msg("score failed")
		writeError(w, http.StatusInternalServerError, "score failed")
		return
	}
	resp := scoreResponse{RunID: sum.RunID, Summary: sum, Results: make([]scoredItem, len(scored))}
	for i, sc := range scored {
		resp.Results[i] = scoredItem{
			Time:         sc.Event.Time,
			ClientID:     sc.Event.ClientID,
			Username:     sc.Event.Username,
			ReturnCode:   sc.Event.ReturnCode,
			Score:        sc.Score,
			ModelAnomaly: sc.ModelAnomaly,
			RuleAttack:   sc.RuleAttack,
			Rule:         sc.Rule,
			Hits:         sc.Hits,
			FinalAnomaly: sc.FinalAnomaly,
			Features:     sc.Vector.Named(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Start(r.Context(), "POST /v1/train")
	defer span.End()

	art, err := s.d.Trainer.RunOnce(ctx)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scheduler.ErrNotEnoughRecords), errors.Is(err, ml.ErrDegenerateInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.d.Log.Error().Err(tracing.Fail(span, err)).Msg("train failed")
		writeError(w, http.StatusInternalServerError, "train failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     art.RunID,
		"createdAt": art.CreatedAt,
		"threshold": art.Threshold,
	})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.Start(r.Context(), "GET /v1/detections")
	defer span.End()

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	arr, err := s.d.Store.ListDetections(limit, r.URL.Query().Get("username"))
	if err != nil {
		s.d.Log.Error().Err(err).Msg("list detections failed")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, arr)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
