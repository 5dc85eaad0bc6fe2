package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/calibration"
)

const (
	welcomeMessage  = "Welcome to the Calibration Engine!"
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 64
	authRealm       = `Basic realm="Authentication Required"`
)

type contextKey string

const loggerKey contextKey = "logger"

type server struct {
	logger       *logrus.Entry
	calibrator   *calibration.Calibrator
	accounts     accounts
	maxBodyBytes int64
}

func (s *server) router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(s.withRequestLogging)

	router.HandleFunc("/", s.index).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write([]byte("OK"))
	})

	api := router.PathPrefix("/calibration-engine/v1").Subrouter()
	api.Use(s.withBasicAuth)
	api.HandleFunc("/", s.instructions).Methods(http.MethodGet)
	api.HandleFunc("/", s.calibrate).Methods(http.MethodPost)
	return router
}

func (s *server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(welcomeMessage))
}

func (s *server) instructions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Instruction": v1.Instruction})
}

func (s *server) calibrate(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, s.logger)

	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("panic", rec).Error("Recovered from a panic while calibrating")
			responseError(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred: %v", rec))
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			responseError(w, http.StatusBadRequest, fmt.Sprintf("Malformed JSON: request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		responseError(w, http.StatusBadRequest, fmt.Sprintf("Malformed JSON: %v", err))
		return
	}

	payload, err := calibration.ParsePayload(body)
	if err != nil {
		s.failed(w, logger, err)
		return
	}
	rows, err := s.calibrator.Calibrate(payload.Rows)
	if err != nil {
		s.failed(w, logger, err)
		return
	}

	logger.WithFields(logrus.Fields{"payload": payload.Kind, "rows": len(rows)}).Debug("Calibrated rows")
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) failed(w http.ResponseWriter, logger *logrus.Entry, err error) {
	if calibration.IsValidationError(err) {
		logger.WithError(err).Info("Rejected calibration request")
		responseError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.WithError(err).Error("Calibration failed")
	responseError(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred: %v", err))
}

func (s *server) withBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.accounts.verify(user, password) {
			requestLogger(r, s.logger).WithField("user", user).Warn("Unauthorized request")
			w.Header().Set("WWW-Authenticate", authRealm)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized Access"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.WithFields(logrus.Fields{
			"request-id": id,
			"host":       r.Host,
			"url":        r.URL.String(),
			"method":     r.Method,
			"user-agent": r.UserAgent(),
		})
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(withLogger(r.Context(), logger)))
		logger.WithFields(logrus.Fields{"status": rec.status, "duration": time.Since(start).String()}).Info("Request served")
	})
}

// validRequestID reports whether a client supplied id is short and URL safe.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func withLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// requestLogger returns the logger carrying the request fields, or fallback
// outside of the logging middleware.
func requestLogger(r *http.Request, fallback *logrus.Entry) *logrus.Entry {
	if logger, ok := r.Context().Value(loggerKey).(*logrus.Entry); ok {
		return logger
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func responseError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
