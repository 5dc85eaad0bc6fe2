package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/aq-calibration/calibration-engine/pkg/store"
	"github.com/aq-calibration/calibration-engine/pkg/util"
)

type options struct {
	port          int
	scratchDir    string
	accounts      string
	maxBodyBytes  int64
	shutdownGrace time.Duration
	logLevel      string
	logFormat     string

	store store.Options
}

func gatherOptions(args []string) (options, error) {
	o := options{}
	fs := flag.NewFlagSet("apiserver", flag.ContinueOnError)

	fs.IntVar(&o.port, "port", util.GetEnvInt("PORT", 8080), "Port number where the server will listen to")
	fs.StringVar(&o.scratchDir, "scratch-dir", util.GetEnv("SCRATCH_DIR", "assets"), "Directory the model artifacts are downloaded to")
	fs.StringVar(&o.accounts, "accounts", util.GetEnv("CALIBRATION_ACCOUNTS", ""), "Comma separated user:password pairs allowed to call the API")
	fs.Int64Var(&o.maxBodyBytes, "max-body-bytes", 10<<20, "Maximum size of a calibration request body")
	fs.DurationVar(&o.shutdownGrace, "shutdown-grace", 10*time.Second, "How long in-flight requests may take after a shutdown signal")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	o.store.Bind(fs)

	err := fs.Parse(args)
	return o, err
}

func validateOptions(o options) error {
	var errs []error
	if o.port <= 0 || o.port > 65535 {
		errs = append(errs, fmt.Errorf("--port must be between 1 and 65535, got %d", o.port))
	}
	if o.scratchDir == "" {
		errs = append(errs, fmt.Errorf("--scratch-dir is not specified"))
	}
	if _, err := parseAccounts(o.accounts); err != nil {
		errs = append(errs, fmt.Errorf("--accounts (CALIBRATION_ACCOUNTS): %w", err))
	}
	if o.maxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("--max-body-bytes must be positive"))
	}
	if err := o.store.Validate(); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

// loadDotEnv reads .env when it exists. Variables already set in the
// environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func main() {
	logger := logrus.WithField("component", "apiserver")
	if err := loadDotEnv(); err != nil {
		logger.WithError(err).Fatal("couldn't load .env file")
	}

	o, err := gatherOptions(os.Args[1:])
	if err != nil {
		logger.WithError(err).Fatal("couldn't parse arguments")
	}
	if err := util.SetupLogging(o.logLevel, o.logFormat); err != nil {
		logger.WithError(err).Fatal("invalid logging options")
	}
	if err := validateOptions(o); err != nil {
		logger.WithError(err).Fatal("invalid options")
	}
	accounts, _ := parseAccounts(o.accounts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifactStore, err := o.store.NewStore(ctx)
	if err != nil {
		logger.WithError(err).Fatal("couldn't connect to the artifact store")
	}
	calibrator, err := loadCalibrator(ctx, artifactStore, o.store.Bucket(), o.scratchDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("couldn't load the correction models")
	}

	s := &server{
		logger:       logger,
		calibrator:   calibrator,
		accounts:     accounts,
		maxBodyBytes: o.maxBodyBytes,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("Shutdown signal received, exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.Infof("Listening on %d port", o.port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("server failed")
	}
	<-shutdownDone
}
