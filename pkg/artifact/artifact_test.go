package artifact

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/regression"
)

func fittedLinear(t *testing.T) regression.Model {
	t.Helper()
	m := &regression.Linear{}
	X := [][]float64{{50, 20, 5}, {60, 25, 15}, {55, 22, 10}, {40, 18, 7}, {70, 30, 20}}
	y := make([]float64, len(X))
	for i, row := range X {
		y[i] = 0.1*row[0] - 0.2*row[1] + 0.8*row[2] + 1
	}
	if err := m.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	model := fittedLinear(t)
	a, err := New(v1.PM25Channel, model, 123, regression.Metrics{R2: 0.9})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "nested", v1.PM25Channel.FileName())
	if err := Save(path, a); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(a, loaded); diff != "" {
		t.Fatalf("artifact differs after round trip: %s", diff)
	}
	if loaded.Target != "pm2_5_ref" {
		t.Fatalf("unexpected target %q", loaded.Target)
	}

	predictor, err := loaded.Predictor()
	if err != nil {
		t.Fatal(err)
	}
	X := [][]float64{{55, 22, 10}, {30, 10, 3}}
	want, _ := model.Predict(X)
	got, err := predictor.Predict(X)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestNewRejectsUnknownChannel(t *testing.T) {
	if _, err := New("pm1", fittedLinear(t), 1, regression.Metrics{}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestDecodeFailures(t *testing.T) {
	valid, err := New(v1.PM10Channel, fittedLinear(t), 1, regression.Metrics{})
	if err != nil {
		t.Fatal(err)
	}

	encodeJSON := func(a Artifact) []byte {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if err := json.NewEncoder(zw).Encode(a); err != nil {
			t.Fatal(err)
		}
		zw.Close()
		return buf.Bytes()
	}

	tampered := *valid
	tampered.Model = json.RawMessage(`{"coef":[9,9,9],"intercept":0}`)

	unknown := *valid
	unknown.Channel = "so2"

	noFeatures := *valid
	noFeatures.Features = nil

	badKind := *valid
	badKind.Kind = "svm"

	renamedFeatures := *valid
	renamedFeatures.Features = []string{"hum", "temp"}

	twoFeatures := &regression.Linear{}
	if err := twoFeatures.Fit([][]float64{{1, 2}, {2, 1}, {3, 5}, {4, 3}}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	narrow, err := New(v1.PM10Channel, twoFeatures, 1, regression.Metrics{})
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		id      string
		data    []byte
		wantErr error
		valid   bool
	}{
		{id: "not gzip", data: []byte(`{"channel":"pm10"}`)},
		{id: "gzip but not json", data: func() []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			zw.Write([]byte("\x80\x04\x95 pickle"))
			zw.Close()
			return buf.Bytes()
		}()},
		{id: "tampered model", data: encodeJSON(tampered), wantErr: ErrChecksumMismatch},
		{id: "unknown channel", data: encodeJSON(unknown), wantErr: ErrUnknownChannel},
		{id: "no features", data: encodeJSON(noFeatures)},
		{id: "unknown kind", data: encodeJSON(badKind)},
		{id: "features edited after signing", data: encodeJSON(renamedFeatures), wantErr: ErrChecksumMismatch},
		{id: "model narrower than its features", data: encodeJSON(*narrow), wantErr: ErrFeatureMismatch},
		{id: "valid envelope", data: encodeJSON(*valid), valid: true},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tc.data))
			if tc.valid {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}
