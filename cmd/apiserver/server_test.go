package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/artifact"
	"github.com/aq-calibration/calibration-engine/pkg/calibration"
	"github.com/aq-calibration/calibration-engine/pkg/regression"
	"github.com/aq-calibration/calibration-engine/pkg/store"
)

// scaleModel multiplies the raw reading (last feature) and counts calls.
type scaleModel struct {
	factor float64
	calls  int
}

func (m *scaleModel) Predict(X [][]float64) ([]float64, error) {
	m.calls++
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = row[len(row)-1] * m.factor
	}
	return out, nil
}

type panickingModel struct{}

func (panickingModel) Predict(X [][]float64) ([]float64, error) {
	panic("index out of range")
}

const (
	testUser     = "operator"
	testPassword = "c0l:l@b$)+]:"
)

func newTestServer(t *testing.T, pm25, pm10 regression.Predictor) *server {
	t.Helper()
	calibrator, err := calibration.NewCalibrator(
		calibration.Correction{Channel: v1.PM25Channel, Model: pm25},
		calibration.Correction{Channel: v1.PM10Channel, Model: pm10},
	)
	if err != nil {
		t.Fatal(err)
	}
	accounts, err := parseAccounts(fmt.Sprintf("analyst:secret,%s:%s", testUser, testPassword))
	if err != nil {
		t.Fatal(err)
	}
	return &server{
		logger:       logrus.WithField("component", "apiserver-test"),
		calibrator:   calibrator,
		accounts:     accounts,
		maxBodyBytes: 1 << 20,
	}
}

func authorized(r *http.Request) *http.Request {
	r.SetBasicAuth(testUser, testPassword)
	return r
}

func TestIndexAndHealthz(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()

	testCases := []struct {
		id       string
		path     string
		expected string
	}{
		{id: "welcome message without auth", path: "/", expected: "Welcome to the Calibration Engine!"},
		{id: "health check", path: "/healthz", expected: "OK"},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if rr.Body.String() != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, rr.Body.String())
			}
			if rr.Header().Get(requestIDHeader) == "" {
				t.Fatal("response carries no request id")
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()

	testCases := []struct {
		id       string
		setAuth  func(r *http.Request)
		expected int
	}{
		{id: "known account", setAuth: func(r *http.Request) { r.SetBasicAuth(testUser, testPassword) }, expected: http.StatusOK},
		{id: "second account", setAuth: func(r *http.Request) { r.SetBasicAuth("analyst", "secret") }, expected: http.StatusOK},
		{id: "wrong password", setAuth: func(r *http.Request) { r.SetBasicAuth(testUser, "secret") }, expected: http.StatusUnauthorized},
		{id: "unknown user", setAuth: func(r *http.Request) { r.SetBasicAuth("Jones", testPassword) }, expected: http.StatusUnauthorized},
		{id: "empty credentials", setAuth: func(r *http.Request) { r.SetBasicAuth("", "") }, expected: http.StatusUnauthorized},
		{id: "no credentials", setAuth: func(r *http.Request) {}, expected: http.StatusUnauthorized},
		{id: "bearer token", setAuth: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, expected: http.StatusUnauthorized},
	}

	var rejected []string
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/calibration-engine/v1/", nil)
			tc.setAuth(r)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, r)
			if rr.Code != tc.expected {
				t.Fatalf("expected %d, got %d", tc.expected, rr.Code)
			}
			if rr.Code == http.StatusUnauthorized {
				if got := rr.Header().Get("WWW-Authenticate"); got != authRealm {
					t.Fatalf("unexpected WWW-Authenticate header %q", got)
				}
				rejected = append(rejected, rr.Body.String())
			}
		})
	}
	for _, body := range rejected {
		if body != "Unauthorized Access" {
			t.Fatalf("rejections are not uniform: %q", body)
		}
	}
}

func TestInstructions(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodGet, "/calibration-engine/v1/", nil)))

	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"Instruction": v1.Instruction}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestCalibrationRequests(t *testing.T) {
	testCases := []struct {
		id             string
		body           string
		expectedStatus int
		expected       string
		modelsInvoked  bool
	}{
		{
			id:             "single object",
			body:           `{"hum": 55, "temp": 22, "pm2_5": 10, "pm10": 20}`,
			expectedStatus: http.StatusOK,
			expected:       `[{"pm2_5":5,"pm10":40,"hum":55,"temp":22}]`,
			modelsInvoked:  true,
		},
		{
			id:             "array keeps input order",
			body:           `[{"hum":50,"temp":20,"pm2_5":5,"pm10":8},{"hum":60,"temp":25,"pm2_5":15,"pm10":30}]`,
			expectedStatus: http.StatusOK,
			expected:       `[{"pm2_5":2.5,"pm10":16,"hum":50,"temp":20},{"pm2_5":7.5,"pm10":60,"hum":60,"temp":25}]`,
			modelsInvoked:  true,
		},
		{
			id:             "passthrough fields",
			body:           `{"device":"aq-960","hum":55,"temp":22,"pm2_5":10,"pm10":20,"ts":"2024-05-28T10:00:00Z"}`,
			expectedStatus: http.StatusOK,
			expected:       `[{"pm2_5":5,"pm10":40,"device":"aq-960","hum":55,"temp":22,"ts":"2024-05-28T10:00:00Z"}]`,
			modelsInvoked:  true,
		},
		{
			id:             "empty body",
			body:           ``,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"No JSON data provided"}`,
		},
		{
			id:             "empty object",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"No JSON data provided"}`,
		},
		{
			id:             "bare number",
			body:           `42`,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"Unsupported JSON format"}`,
		},
		{
			id:             "bare string",
			body:           `"hum"`,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"Unsupported JSON format"}`,
		},
		{
			id:             "invalid utf-8 in a passthrough field",
			body:           "{\"site\":\"\xff\xfe\",\"hum\":55,\"temp\":22,\"pm2_5\":10,\"pm10\":20}",
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"Malformed JSON: request body is not valid UTF-8"}`,
		},
		{
			id:             "missing pm10",
			body:           `{"hum": 55, "temp": 22, "pm2_5": 10}`,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"Missing column: pm10"}`,
		},
		{
			id:             "missing hum in second row",
			body:           `[{"hum":50,"temp":20,"pm2_5":5,"pm10":8},{"temp":25,"pm2_5":15,"pm10":30}]`,
			expectedStatus: http.StatusBadRequest,
			expected:       `{"error":"Missing column: hum"}`,
		},
		{
			id:             "non numeric reading",
			body:           `{"hum": "wet", "temp": 22, "pm2_5": 10, "pm10": 20}`,
			expectedStatus: http.StatusInternalServerError,
			expected:       `{"error":"An error occurred: row 0: could not convert string to float: 'wet'"}`,
			modelsInvoked:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			pm25, pm10 := &scaleModel{factor: 0.5}, &scaleModel{factor: 2}
			router := newTestServer(t, pm25, pm10).router()

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodPost, "/calibration-engine/v1/", strings.NewReader(tc.body))))

			if rr.Code != tc.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.expectedStatus, rr.Code, rr.Body.String())
			}
			if got := strings.TrimSpace(rr.Body.String()); got != tc.expected {
				t.Fatalf("expected body %s, got %s", tc.expected, got)
			}
			if invoked := pm25.calls+pm10.calls > 0; invoked != tc.modelsInvoked {
				t.Fatalf("models invoked: %v, expected %v", invoked, tc.modelsInvoked)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()

	testCases := []struct {
		id       string
		supplied string
		echoed   bool
	}{
		{id: "generated when absent"},
		{id: "client id kept", supplied: "edge-7f3a_01.retry", echoed: true},
		{id: "too long", supplied: strings.Repeat("a", maxRequestIDLen+1)},
		{id: "spaces and quotes", supplied: `abc" level=error msg="forged`},
		{id: "non ascii", supplied: "ïd-1"},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.supplied != "" {
				r.Header.Set(requestIDHeader, tc.supplied)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, r)

			got := rr.Header().Get(requestIDHeader)
			if tc.echoed {
				if got != tc.supplied {
					t.Fatalf("expected %q to be echoed, got %q", tc.supplied, got)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("expected a generated uuid, got %q", got)
			}
		})
	}
}

func TestMalformedJSON(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodPost, "/calibration-engine/v1/", strings.NewReader(`{"hum":`))))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.Error, "Malformed JSON: ") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestOversizedBody(t *testing.T) {
	s := newTestServer(t, &scaleModel{}, &scaleModel{})
	s.maxBodyBytes = 16
	rr := httptest.NewRecorder()
	body := `{"hum": 55, "temp": 22, "pm2_5": 10, "pm10": 20}`
	s.router().ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodPost, "/calibration-engine/v1/", strings.NewReader(body))))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "exceeds 16 bytes") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestPanicIsReportedAsServerError(t *testing.T) {
	router := newTestServer(t, panickingModel{}, &scaleModel{}).router()
	body := `{"hum": 55, "temp": 22, "pm2_5": 10, "pm10": 20}`

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodPost, "/calibration-engine/v1/", strings.NewReader(body))))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
		if got := strings.TrimSpace(rr.Body.String()); got != `{"error":"An error occurred: index out of range"}` {
			t.Fatalf("unexpected body %s", got)
		}
	}
}

func TestIdempotentCalibration(t *testing.T) {
	router := newTestServer(t, &scaleModel{factor: 1.1}, &scaleModel{factor: 0.9}).router()
	body := `[{"hum":50,"temp":20,"pm2_5":5,"pm10":8},{"hum":60,"temp":25,"pm2_5":15,"pm10":30}]`

	var responses []string
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authorized(httptest.NewRequest(http.MethodPost, "/calibration-engine/v1/", strings.NewReader(body))))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		responses = append(responses, rr.Body.String())
	}
	if diff := cmp.Diff(responses[0], responses[1]); diff != "" {
		t.Fatal(diff)
	}
}

func TestRouting(t *testing.T) {
	router := newTestServer(t, &scaleModel{}, &scaleModel{}).router()

	testCases := []struct {
		id       string
		method   string
		path     string
		expected int
	}{
		{id: "unsupported method", method: http.MethodDelete, path: "/calibration-engine/v1/", expected: http.StatusMethodNotAllowed},
		{id: "missing trailing slash redirects", method: http.MethodGet, path: "/calibration-engine/v1", expected: http.StatusMovedPermanently},
		{id: "unknown path", method: http.MethodGet, path: "/calibration-engine/v2/", expected: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authorized(httptest.NewRequest(tc.method, tc.path, nil)))
			if rr.Code != tc.expected {
				t.Fatalf("expected %d, got %d", tc.expected, rr.Code)
			}
		})
	}
}

func TestParseAccounts(t *testing.T) {
	testCases := []struct {
		id       string
		raw      string
		wantErr  bool
		password map[string]string
	}{
		{id: "two accounts", raw: "analyst:s3nsor-f1eld, operator:c0l:l@b$)+]:", password: map[string]string{"analyst": "s3nsor-f1eld", "operator": "c0l:l@b$)+]:"}},
		{id: "empty", raw: "", wantErr: true},
		{id: "no password", raw: "analyst", wantErr: true},
		{id: "empty user", raw: ":secret", wantErr: true},
		{id: "duplicate", raw: "a:b,a:c", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			a, err := parseAccounts(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for user, password := range tc.password {
				if !a.verify(user, password) {
					t.Errorf("%s was rejected", user)
				}
				if a.verify(user, password+"x") {
					t.Errorf("%s accepted a wrong password", user)
				}
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	testCases := []struct {
		id       string
		args     []string
		expected []string
	}{
		{
			id:   "file store",
			args: []string{"--accounts=a:b", "--artifact-store=file", "--bucket=models", "--artifact-root=/srv/models"},
		},
		{
			id:       "everything missing",
			args:     []string{"--accounts=", "--artifact-store=s3", "--bucket=", "--aws-access-key-id=", "--aws-secret-access-key=", "--port=0"},
			expected: []string{"--accounts", "--bucket", "--aws-access-key-id", "--aws-secret-access-key", "--port"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			o, err := gatherOptions(tc.args)
			if err != nil {
				t.Fatal(err)
			}
			err = validateOptions(o)
			if len(tc.expected) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tc.expected {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected %q in %q", want, err.Error())
				}
			}
		})
	}
}

// fittedScale returns a linear model over (hum, temp, raw) that predicts
// factor times the raw reading.
func fittedScale(t *testing.T, factor float64) regression.Model {
	t.Helper()
	X := [][]float64{{50, 20, 5}, {60, 25, 15}, {55, 22, 10}, {40, 18, 7}, {70, 30, 20}}
	y := make([]float64, len(X))
	for i, row := range X {
		y[i] = factor * row[2]
	}
	model := &regression.Linear{}
	if err := model.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	return model
}

func publishArtifact(t *testing.T, root string, channel, claimed v1.Channel, factor float64) {
	t.Helper()
	a, err := artifact.New(claimed, fittedScale(t, factor), 123, regression.Metrics{R2: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := artifact.Save(filepath.Join(root, "models", filepath.FromSlash(channel.ObjectKey())), a); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCalibrator(t *testing.T) {
	logger := logrus.WithField("component", "apiserver-test")

	t.Run("both artifacts present", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM25Channel, v1.PM25Channel, 0.5)
		publishArtifact(t, root, v1.PM10Channel, v1.PM10Channel, 2)
		scratch := filepath.Join(t.TempDir(), "assets")

		calibrator, err := loadCalibrator(context.Background(), store.NewFileStore(root), "models", scratch, logger)
		if err != nil {
			t.Fatal(err)
		}
		payload, err := calibration.ParsePayload([]byte(`{"hum": 55, "temp": 22, "pm2_5": 10, "pm10": 20}`))
		if err != nil {
			t.Fatal(err)
		}
		rows, err := calibrator.Calibrate(payload.Rows)
		if err != nil {
			t.Fatal(err)
		}
		var got []map[string]float64
		data, _ := json.Marshal(rows)
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || !near(got[0]["pm2_5"], 5) || !near(got[0]["pm10"], 40) {
			t.Fatalf("unexpected calibration %s", data)
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM25Channel, v1.PM25Channel, 0.5)
		_, err := loadCalibrator(context.Background(), store.NewFileStore(root), "models", t.TempDir(), logger)
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("artifact for the wrong channel", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM25Channel, v1.PM10Channel, 0.5)
		publishArtifact(t, root, v1.PM10Channel, v1.PM10Channel, 2)
		_, err := loadCalibrator(context.Background(), store.NewFileStore(root), "models", t.TempDir(), logger)
		if !errors.Is(err, artifact.ErrUnknownChannel) {
			t.Fatalf("expected ErrUnknownChannel, got %v", err)
		}
	})

	t.Run("model does not accept the recorded features", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM10Channel, v1.PM10Channel, 2)
		narrow := &regression.Linear{}
		if err := narrow.Fit([][]float64{{50, 5}, {60, 15}, {55, 10}, {40, 7}}, []float64{2.5, 7.5, 5, 3.5}); err != nil {
			t.Fatal(err)
		}
		a, err := artifact.New(v1.PM25Channel, narrow, 123, regression.Metrics{})
		if err != nil {
			t.Fatal(err)
		}
		if err := artifact.Save(filepath.Join(root, "models", filepath.FromSlash(v1.PM25Channel.ObjectKey())), a); err != nil {
			t.Fatal(err)
		}
		_, err = loadCalibrator(context.Background(), store.NewFileStore(root), "models", t.TempDir(), logger)
		if !errors.Is(err, artifact.ErrFeatureMismatch) {
			t.Fatalf("expected ErrFeatureMismatch, got %v", err)
		}
	})

	t.Run("features edited after publishing", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM10Channel, v1.PM10Channel, 2)
		a, err := artifact.New(v1.PM25Channel, fittedScale(t, 0.5), 123, regression.Metrics{})
		if err != nil {
			t.Fatal(err)
		}
		a.Features = []string{v1.HumidityField, v1.TemperatureField}
		if err := artifact.Save(filepath.Join(root, "models", filepath.FromSlash(v1.PM25Channel.ObjectKey())), a); err != nil {
			t.Fatal(err)
		}
		_, err = loadCalibrator(context.Background(), store.NewFileStore(root), "models", t.TempDir(), logger)
		if !errors.Is(err, artifact.ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})

	t.Run("corrupt artifact", func(t *testing.T) {
		root := t.TempDir()
		publishArtifact(t, root, v1.PM10Channel, v1.PM10Channel, 2)
		corrupt := filepath.Join(t.TempDir(), "corrupt.gz")
		if err := os.WriteFile(corrupt, []byte("not a model"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := store.NewFileStore(root).Upload(context.Background(), corrupt, "models", v1.PM25Channel.ObjectKey()); err != nil {
			t.Fatal(err)
		}
		if _, err := loadCalibrator(context.Background(), store.NewFileStore(root), "models", t.TempDir(), logger); err == nil {
			t.Fatal("expected an error for a corrupt artifact")
		}
	})
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}
