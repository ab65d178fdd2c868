package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/psgscore/cmd/detectors"
	"github.com/tphakala/psgscore/cmd/export"
	"github.com/tphakala/psgscore/cmd/scan"
	"github.com/tphakala/psgscore/cmd/serve"
	"github.com/tphakala/psgscore/cmd/sets"
	"github.com/tphakala/psgscore/cmd/stage"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "psgscore",
		Short:         "Polysomnography epoch and event scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		// Flag registration only fails on programming errors.
		panic(err)
	}

	detectorsCmd := detectors.Command(settings)
	subcommands := []*cobra.Command{
		scan.Command(settings),
		stage.Command(settings),
		export.Command(settings),
		sets.Command(settings),
		serve.Command(settings),
		detectorsCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Listing detectors needs no logging or telemetry.
		if cmd.Name() == detectorsCmd.Name() {
			return nil
		}
		return initialize(settings)
	}

	return rootCmd
}

// initialize sets up logging and error reporting once flags are parsed.
func initialize(settings *conf.Settings) error {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if err := conf.ValidateSettings(settings); err != nil {
		return err
	}
	return telemetry.InitSentry(settings)
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().Float64Var(&settings.Scoring.EpochLength, "epochlength", viper.GetFloat64("scoring.epochlength"), "Epoch length in seconds")
	rootCmd.PersistentFlags().IntVarP(&settings.Scoring.Workers, "workers", "w", viper.GetInt("scoring.workers"), "Concurrent scans in a batch")
	rootCmd.PersistentFlags().StringVar(&settings.Scoring.Rater, "rater", viper.GetString("scoring.rater"), "Rater label for new annotation sets")
	rootCmd.PersistentFlags().StringVar(&settings.Output.SQLite.Path, "database", viper.GetString("output.sqlite.path"), "Path to the SQLite annotation database")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
