package main

import (
	"github.com/spf13/cobra"

	"github.com/aq-calibration/calibration-engine/pkg/util"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "publisher",
		Short: "Train and publish the air quality correction models",
		Long: `Trains one correction model per pollutant channel from paired reference and
sensor readings, and publishes the artifacts the calibration service loads at startup.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.SetupLogging(o.logLevel, o.logFormat)
		},
	}
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "Log level")
	cmd.PersistentFlags().StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddCommand(newTrainCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}
