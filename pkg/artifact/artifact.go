package artifact

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/regression"
)

var (
	// ErrChecksumMismatch is returned when the model or its metadata does not match the recorded digest.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
	// ErrFeatureMismatch is returned when the model does not accept the recorded feature columns.
	ErrFeatureMismatch = errors.New("artifact features do not match the model")
	// ErrUnknownChannel is returned when an artifact names a channel the service does not serve.
	ErrUnknownChannel = errors.New("artifact channel is unknown")
)

// Artifact is one fitted correction model together with the metadata the
// service needs to call it.
type Artifact struct {
	Channel   v1.Channel         `json:"channel"`
	Target    string             `json:"target"`
	Features  []string           `json:"features"`
	Kind      string             `json:"kind"`
	SessionID int64              `json:"session_id"`
	TrainedAt time.Time          `json:"trained_at"`
	Holdout   regression.Metrics `json:"holdout"`
	Model     json.RawMessage    `json:"model"`
	SHA256    string             `json:"sha256"`
}

// New serializes a fitted model for the given channel.
func New(channel v1.Channel, model regression.Model, sessionID int64, holdout regression.Metrics) (*Artifact, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	payload, err := regression.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("couldn't serialize %s model: %w", model.Kind(), err)
	}
	a := &Artifact{
		Channel:   channel,
		Target:    channel.ReferenceColumn(),
		Features:  channel.Features(),
		Kind:      model.Kind(),
		SessionID: sessionID,
		TrainedAt: time.Now().UTC(),
		Holdout:   holdout,
		Model:     payload,
	}
	if a.SHA256, err = a.checksum(); err != nil {
		return nil, err
	}
	return a, nil
}

// Predictor deserializes the model held by the artifact.
func (a *Artifact) Predictor() (regression.Model, error) {
	return regression.Unmarshal(a.Kind, a.Model)
}

// Encode writes the artifact as gzip-compressed JSON.
func Encode(w io.Writer, a *Artifact) error {
	zw := gzip.NewWriter(w)
	zw.Name = a.Channel.FileName()
	if err := json.NewEncoder(zw).Encode(a); err != nil {
		zw.Close()
		return fmt.Errorf("couldn't encode artifact: %w", err)
	}
	return zw.Close()
}

// Decode reads and verifies an artifact written by Encode.
func Decode(r io.Reader) (*Artifact, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("artifact is not gzip compressed: %w", err)
	}
	defer zr.Close()

	var a Artifact
	if err := json.NewDecoder(zr).Decode(&a); err != nil {
		return nil, fmt.Errorf("couldn't decode artifact: %w", err)
	}
	if err := validate(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Save writes the artifact to path, creating parent directories.
func Save(path string, a *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("couldn't create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, a); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads and verifies the artifact stored at path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

func validate(a *Artifact) error {
	if !a.Channel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, a.Channel)
	}
	if _, err := regression.New(a.Kind); err != nil {
		return err
	}
	if len(a.Features) == 0 {
		return fmt.Errorf("artifact features must not be empty")
	}
	if len(a.Model) == 0 {
		return fmt.Errorf("artifact has no model payload")
	}
	got, err := a.checksum()
	if err != nil {
		return err
	}
	if got != a.SHA256 {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, a.SHA256)
	}

	model, err := a.Predictor()
	if err != nil {
		return fmt.Errorf("couldn't load %s model: %w", a.Kind, err)
	}
	if _, err := model.Predict([][]float64{make([]float64, len(a.Features))}); err != nil {
		return fmt.Errorf("%w: %v: %v", ErrFeatureMismatch, a.Features, err)
	}
	return nil
}

// checksum covers the model payload and the metadata that decides how the
// model is called.
func (a *Artifact) checksum() (string, error) {
	signed, err := json.Marshal(struct {
		Channel  v1.Channel      `json:"channel"`
		Target   string          `json:"target"`
		Features []string        `json:"features"`
		Kind     string          `json:"kind"`
		Model    json.RawMessage `json:"model"`
	}{a.Channel, a.Target, a.Features, a.Kind, a.Model})
	if err != nil {
		return "", fmt.Errorf("couldn't compute artifact checksum: %w", err)
	}
	sum := sha256.Sum256(signed)
	return hex.EncodeToString(sum[:]), nil
}
