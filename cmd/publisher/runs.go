package main

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aq-calibration/calibration-engine/pkg/db"
)

type runsOptions struct {
	channel   string
	retention time.Duration

	runs db.Options
}

func (o *runsOptions) runStore() (db.RunStore, error) {
	if !o.runs.Enabled() {
		return nil, fmt.Errorf("no training run registry configured, set --runs-db-dialect")
	}
	if err := o.runs.Validate(); err != nil {
		return nil, err
	}
	return o.runs.NewRunStore()
}

func newRunsCommand() *cobra.Command {
	o := &runsOptions{}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune recorded training runs",
	}
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	o.runs.Bind(fs)
	cmd.PersistentFlags().AddGoFlagSet(fs)

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded training runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := o.runStore()
			if err != nil {
				return err
			}
			recorded, err := runs.List(cmd.Context(), o.channel)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), recorded)
			return nil
		},
	}
	list.Flags().StringVar(&o.channel, "channel", "", "Only list runs of this channel")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete training runs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.retention <= 0 {
				return fmt.Errorf("--retention must be positive, got %v", o.retention)
			}
			runs, err := o.runStore()
			if err != nil {
				return err
			}
			deleted, err := runs.DeleteOlderThan(cmd.Context(), time.Now().Add(-o.retention))
			logrus.WithField("component", "publisher").WithField("deleted", deleted).Info("Pruned training runs")
			return err
		},
	}
	prune.Flags().DurationVar(&o.retention, "retention", 720*time.Hour, "How long training runs are kept")

	cmd.AddCommand(list, prune)
	return cmd
}

func printRuns(out io.Writer, runs []db.TrainingRun) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCHANNEL\tMODEL\tCV R2\tHOLDOUT R2\tHOLDOUT RMSE\tROWS\tDROPPED\tUPLOADED\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\t%.4f\t%d\t%d\t%t\t%s\n",
			run.Name, run.Channel, run.BestKind, run.CVR2, run.HoldoutR2, run.HoldoutRMSE,
			run.RowsUsed, run.RowsDropped, run.Uploaded, run.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}
