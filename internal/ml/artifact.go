package ml

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

const (
	ScalerFile    = "scaler.json"
	ModelFile     = "model.json"
	FeaturesFile  = "features.json"
	ThresholdFile = "threshold.json"
	ManifestFile  = "manifest.json"
)

var (
	ErrMissingArtifact  = errors.New("missing model artifact")
	ErrArtifactMismatch = errors.New("artifact files do not belong to the same training run")
)

// Artifact is everything one training run produced. Read-only once built.
type Artifact struct {
	RunID     string
	CreatedAt time.Time
	Scaler    *RobustScaler
	Model     *IsolationForest
	Features  []string
	Threshold float64
	Pipeline  window.Config
}

type thresholdDoc struct {
	Threshold float64 `json:"threshold"`
}

type manifest struct {
	RunID     string            `json:"run_id"`
	CreatedAt time.Time         `json:"created_at"`
	Pipeline  window.Config     `json:"pipeline"`
	Files     map[string]string `json:"files"` // name -> sha256
}

// Scores runs the scaler and forest over X.
func (a *Artifact) Scores(ctx context.Context, X [][]float64) ([]float64, error) {
	Xs, err := a.Scaler.Transform(X)
	if err != nil {
		return nil, err
	}
	return a.Model.Decision(ctx, Xs)
}

func (a *Artifact) validate() error {
	n := len(a.Features)
	if a.Scaler == nil || a.Model == nil {
		return fmt.Errorf("%w: scaler or model absent", ErrArtifactMismatch)
	}
	if a.Scaler.Width() != n || a.Model.Features != n || len(a.Scaler.Scale) != n {
		return fmt.Errorf("%w: %d features but scaler=%d model=%d", ErrArtifactMismatch, n, a.Scaler.Width(), a.Model.Features)
	}
	if len(a.Model.Trees) == 0 {
		return fmt.Errorf("%w: model has no trees", ErrArtifactMismatch)
	}
	return nil
}

// Save writes the artifact set into dir, replacing any previous set wholesale.
func (a *Artifact) Save(dir string) error {
	if err := a.validate(); err != nil {
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create artifact parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	docs, err := a.payloads()
	if err != nil {
		return err
	}
	m := manifest{RunID: a.RunID, CreatedAt: a.CreatedAt, Pipeline: a.Pipeline, Files: map[string]string{}}
	for name, b := range docs {
		if err := os.WriteFile(filepath.Join(tmp, name), b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		m.Files[name] = digest(b)
	}
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ManifestFile), mb, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	old := ""
	if _, err := os.Stat(dir); err == nil {
		old = tmp + ".old"
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("move previous artifacts: %w", err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		if old != "" {
			if rerr := os.Rename(old, dir); rerr != nil {
				return fmt.Errorf("install artifacts: %w (restore previous set from %s: %v)", err, old, rerr)
			}
		}
		return fmt.Errorf("install artifacts: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// payloads encodes the four content files, keyed by file name.
func (a *Artifact) payloads() (map[string][]byte, error) {
	docs := map[string]any{
		ScalerFile:    a.Scaler,
		ModelFile:     a.Model,
		FeaturesFile:  a.Features,
		ThresholdFile: thresholdDoc{Threshold: a.Threshold},
	}
	out := make(map[string][]byte, len(docs))
	for name, doc := range docs {
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

// contentID is a name-based UUID over the content files and the window config,
// so identical training input yields the same run id.
func (a *Artifact) contentID() (string, error) {
	docs, err := a.payloads()
	if err != nil {
		return "", err
	}
	pb, err := json.Marshal(a.Pipeline)
	if err != nil {
		return "", fmt.Errorf("encode pipeline: %w", err)
	}
	h := sha256.New()
	for _, name := range []string{ScalerFile, ModelFile, FeaturesFile, ThresholdFile} {
		h.Write([]byte(name))
		h.Write(docs[name])
	}
	h.Write(pb)
	return uuid.NewSHA1(uuid.NameSpaceOID, h.Sum(nil)).String(), nil
}

// Load reads an artifact set. Every file must be present and match the manifest.
func Load(dir string) (*Artifact, error) {
	mb, err := readRequired(dir, ManifestFile)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	a := &Artifact{RunID: m.RunID, CreatedAt: m.CreatedAt, Pipeline: m.Pipeline, Scaler: &RobustScaler{}, Model: &IsolationForest{}}
	var th thresholdDoc
	targets := []struct {
		name string
		dst  any
	}{
		{ScalerFile, a.Scaler},
		{ModelFile, a.Model},
		{FeaturesFile, &a.Features},
		{ThresholdFile, &th},
	}
	for _, t := range targets {
		b, err := readRequired(dir, t.name)
		if err != nil {
			return nil, err
		}
		want, ok := m.Files[t.name]
		if !ok || want != digest(b) {
			return nil, fmt.Errorf("%w: %s does not match manifest of run %s", ErrArtifactMismatch, t.name, m.RunID)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(t.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.name, err)
		}
	}
	a.Threshold = th.Threshold
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func readRequired(dir, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrMissingArtifact, name, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return b, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
