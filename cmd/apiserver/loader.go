package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/artifact"
	"github.com/aq-calibration/calibration-engine/pkg/calibration"
	"github.com/aq-calibration/calibration-engine/pkg/store"
)

// loadCalibrator downloads the artifact of every channel into scratchDir and
// builds the calibrator from them. Any failure aborts the whole load.
func loadCalibrator(ctx context.Context, s store.Store, bucket, scratchDir string, logger *logrus.Entry) (*calibration.Calibrator, error) {
	var corrections []calibration.Correction
	for _, channel := range v1.Channels() {
		key := channel.ObjectKey()
		localPath := filepath.Join(scratchDir, channel.FileName())
		log := logger.WithFields(logrus.Fields{"channel": channel, "bucket": bucket, "key": key, "path": localPath})

		log.Info("Downloading model artifact")
		if err := s.Download(ctx, bucket, key, localPath); err != nil {
			return nil, fmt.Errorf("couldn't download %s: %w", key, err)
		}

		a, err := artifact.Load(localPath)
		if err != nil {
			return nil, err
		}
		if a.Channel != channel {
			return nil, fmt.Errorf("%w: %s holds a %s model", artifact.ErrUnknownChannel, key, a.Channel)
		}
		if !sets.NewString(v1.RequiredFields...).HasAll(a.Features...) {
			return nil, fmt.Errorf("%s model expects features %v, requests only carry %v", channel, a.Features, v1.RequiredFields)
		}
		model, err := a.Predictor()
		if err != nil {
			return nil, fmt.Errorf("couldn't load %s model: %w", channel, err)
		}
		log.WithFields(logrus.Fields{"kind": a.Kind, "trained-at": a.TrainedAt, "holdout-r2": a.Holdout.R2}).Info("Model loaded")

		corrections = append(corrections, calibration.Correction{
			Channel:  channel,
			Features: a.Features,
			Model:    model,
		})
	}
	return calibration.NewCalibrator(corrections...)
}
