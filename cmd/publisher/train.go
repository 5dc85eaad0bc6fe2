package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/artifact"
	"github.com/aq-calibration/calibration-engine/pkg/dataset"
	"github.com/aq-calibration/calibration-engine/pkg/db"
	"github.com/aq-calibration/calibration-engine/pkg/regression"
	"github.com/aq-calibration/calibration-engine/pkg/store"
	"github.com/aq-calibration/calibration-engine/pkg/util"
)

const allChannels = "all"

type trainOptions struct {
	channel   string
	data      string
	outDir    string
	trainSize float64
	folds     int
	sessionID int64
	models    []string
	dryRun    bool

	store store.Options
	runs  db.Options
}

func (o *trainOptions) channels() ([]v1.Channel, error) {
	if o.channel == allChannels {
		return v1.Channels(), nil
	}
	c, err := v1.ParseChannel(o.channel)
	if err != nil {
		return nil, err
	}
	return []v1.Channel{c}, nil
}

func (o *trainOptions) validate() error {
	var errs []error
	if _, err := o.channels(); err != nil {
		errs = append(errs, fmt.Errorf("--channel: %w", err))
	}
	if o.data == "" {
		errs = append(errs, fmt.Errorf("--data is not specified"))
	}
	if o.outDir == "" {
		errs = append(errs, fmt.Errorf("--out-dir is not specified"))
	}
	if o.trainSize <= 0 || o.trainSize >= 1 {
		errs = append(errs, fmt.Errorf("--train-size must be between 0 and 1, got %v", o.trainSize))
	}
	if o.folds < 2 {
		errs = append(errs, fmt.Errorf("--folds must be at least 2, got %d", o.folds))
	}
	if _, err := regression.CandidatesFor(o.models); err != nil {
		errs = append(errs, fmt.Errorf("--models: %w", err))
	}
	if !o.dryRun {
		if err := o.store.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.runs.Validate(); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

func newTrainCommand() *cobra.Command {
	o := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the correction models and publish them to the artifact store",
		Example: `  publisher train --data assets/merged.csv
  publisher train --channel pm10 --models rf,lr --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			t, err := newTrainer(cmd.Context(), o, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			channels, _ := o.channels()
			for _, channel := range channels {
				if err := t.train(cmd.Context(), channel); err != nil {
					return fmt.Errorf("%s: %w", channel, err)
				}
			}
			return nil
		},
	}

	defaults := regression.DefaultSearchOptions()
	flags := cmd.Flags()
	flags.StringVar(&o.channel, "channel", allChannels, "Channel to train: pm2_5, pm10 or all")
	flags.StringVar(&o.data, "data", filepath.Join("assets", "merged.csv"), "CSV file with reference and sensor readings")
	flags.StringVar(&o.outDir, "out-dir", "assets", "Directory the artifacts are written to")
	flags.Float64Var(&o.trainSize, "train-size", defaults.TrainSize, "Fraction of rows used for model selection, the rest is held out")
	flags.IntVar(&o.folds, "folds", defaults.Folds, "Number of cross-validation folds")
	flags.Int64Var(&o.sessionID, "session-id", defaults.SessionID, "Seed of the split and of the randomized models")
	flags.StringSliceVar(&o.models, "models", nil, fmt.Sprintf("Restrict the search to these model kinds %v", regression.Kinds()))
	flags.BoolVar(&o.dryRun, "dry-run", false, "Write the artifacts locally without uploading them")

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	o.store.Bind(fs)
	o.runs.Bind(fs)
	flags.AddGoFlagSet(fs)
	return cmd
}

type trainer struct {
	options *trainOptions
	store   store.Store
	runs    db.RunStore
	out     io.Writer
	logger  *logrus.Entry
}

func newTrainer(ctx context.Context, o *trainOptions, out io.Writer) (*trainer, error) {
	t := &trainer{
		options: o,
		out:     out,
		logger:  logrus.WithField("component", "publisher"),
	}
	if !o.dryRun {
		s, err := o.store.NewStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("couldn't connect to the artifact store: %w", err)
		}
		t.store = s
	}
	if o.runs.Enabled() {
		runs, err := o.runs.NewRunStore()
		if err != nil {
			return nil, err
		}
		t.runs = runs
	}
	return t, nil
}

func (t *trainer) train(ctx context.Context, channel v1.Channel) error {
	started := time.Now()
	logger := t.logger.WithField("channel", channel)

	table, err := t.load(channel)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"rows": table.Rows(), "dropped": table.Dropped}).Info("Dataset loaded")

	if minRows := regression.MinRows(t.options.trainSize, t.options.folds); table.Rows() < minRows {
		return fmt.Errorf("dataset has %d usable rows, at least %d are needed", table.Rows(), minRows)
	}

	candidates, err := regression.CandidatesFor(t.options.models)
	if err != nil {
		return err
	}
	result, err := regression.Compare(ctx, table.Features, table.Target, regression.SearchOptions{
		TrainSize:  t.options.trainSize,
		Folds:      t.options.folds,
		SessionID:  t.options.sessionID,
		Candidates: candidates,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("model search failed: %w", err)
	}
	printLeaderboard(t.out, channel, result)

	a, err := artifact.New(channel, result.Best, t.options.sessionID, result.Holdout)
	if err != nil {
		return err
	}
	path := filepath.Join(t.options.outDir, channel.FileName())
	if err := artifact.Save(path, a); err != nil {
		return fmt.Errorf("couldn't write artifact: %w", err)
	}
	logger.WithFields(logrus.Fields{"kind": a.Kind, "path": path}).Info("Artifact written")

	uploaded := false
	if t.store != nil {
		bucket, key := t.options.store.Bucket(), channel.ObjectKey()
		if err := t.store.Upload(ctx, path, bucket, key); err != nil {
			return fmt.Errorf("couldn't upload artifact: %w", err)
		}
		uploaded = true
		logger.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Info("Artifact published")
	}

	if t.runs != nil {
		digest, err := fileDigest(path)
		if err != nil {
			return err
		}
		run := &db.TrainingRun{
			Name:           util.RunName(string(channel), started, digest),
			Channel:        string(channel),
			BestKind:       a.Kind,
			Leaderboard:    result.Leaderboard,
			CVR2:           result.CV.R2,
			CVRMSE:         result.CV.RMSE,
			HoldoutR2:      result.Holdout.R2,
			HoldoutRMSE:    result.Holdout.RMSE,
			HoldoutMAE:     result.Holdout.MAE,
			RowsUsed:       table.Rows(),
			RowsDropped:    table.Dropped,
			ArtifactSHA256: digest,
			ObjectKey:      channel.ObjectKey(),
			Uploaded:       uploaded,
		}
		if err := t.runs.Record(ctx, run); err != nil {
			return err
		}
		logger.WithField("run", run.Name).Info("Training run recorded")
	}
	return nil
}

func (t *trainer) load(channel v1.Channel) (*dataset.Table, error) {
	f, err := os.Open(t.options.data)
	if err != nil {
		return nil, fmt.Errorf("couldn't open dataset: %w", err)
	}
	defer f.Close()
	return dataset.LoadCSV(f, channel)
}

func printLeaderboard(out io.Writer, channel v1.Channel, result *regression.SearchResult) {
	fmt.Fprintf(out, "Channel %s: %d training rows, %d holdout rows, %d folds\n", channel, result.TrainRows, result.HoldoutRows, result.Folds)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tMAE\tMSE\tRMSE\tR2\tRMSLE\tMAPE")
	for _, score := range result.Leaderboard {
		m := score.Metrics
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n", score.Kind, m.MAE, m.MSE, m.RMSE, m.R2, m.RMSLE, m.MAPE)
	}
	h := result.Holdout
	fmt.Fprintf(w, "holdout (%s)\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n", result.Best.Kind(), h.MAE, h.MSE, h.RMSE, h.R2, h.RMSLE, h.MAPE)
	w.Flush()
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
