package scan

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/ingest"
	"github.com/tphakala/psgscore/internal/scoring"
)

type options struct {
	presets      []string
	channels     []string
	createEpochs bool
	outputDir    string
	format       string
}

// Command creates the scan command, which runs detector presets over WAV
// and EDF recordings and merges the results into their annotation sets.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "scan [file.wav|file.edf...]",
		Short: "Run detector presets over WAV or EDF recordings",
		Long: `Load each WAV or EDF file as a recording, run the selected detector presets over it
and merge the candidate events into the recording's annotation set. All
configured presets run when --preset is not given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), settings, opts, args)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.presets, "preset", "p", nil, "Detector preset to run (repeatable)")
	cmd.Flags().StringSliceVar(&opts.channels, "channels", viper.GetStringSlice("ingest.channelnames"), "Channel names in file order")
	cmd.Flags().Float64Var(&settings.Ingest.Scale, "scale", viper.GetFloat64("ingest.scale"), "Multiplier from normalised WAV PCM to physical units")
	cmd.Flags().BoolVar(&opts.createEpochs, "epochs", false, "Split recordings without epochs into epochs first")
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "Directory to export annotation sets to after scanning")
	cmd.Flags().StringVarP(&opts.format, "format", "f", viper.GetString("output.format"), "Export format: yaml, csv, stages")

	return cmd
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, opts *options, paths []string) error {
	presets := opts.presets
	if len(presets) == 0 {
		for name := range settings.Detectors {
			presets = append(presets, name)
		}
		slices.Sort(presets)
	}
	if len(presets) == 0 {
		return errors.Newf("no detector presets configured").
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}

	svc, err := scoring.Open(settings)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	var (
		reqs []scoring.ScanRequest
		ids  []string
	)
	for _, path := range paths {
		rec, err := svc.LoadFile(path, ingest.Options{ChannelNames: opts.channels})
		if err != nil {
			return err
		}
		ids = append(ids, rec.ID())

		if opts.createEpochs {
			if err := ensureEpochs(ctx, svc, rec.ID()); err != nil {
				return err
			}
		}
		for _, name := range presets {
			cfg, err := svc.Preset(name)
			if err != nil {
				return err
			}
			reqs = append(reqs, scoring.ScanRequest{RecordingID: rec.ID(), Config: cfg})
		}
	}

	results, err := svc.ScanBatch(ctx, reqs)
	printResults(w, results)
	if err != nil {
		return err
	}

	if opts.outputDir == "" {
		return nil
	}
	for _, id := range ids {
		if err := exportSet(ctx, svc, id, opts.outputDir, opts.format); err != nil {
			return err
		}
	}
	return nil
}

// ensureEpochs creates epochs unless the set already has some.
func ensureEpochs(ctx context.Context, svc *scoring.Service, id string) error {
	set, err := svc.Set(ctx, id)
	if err != nil {
		return err
	}
	if len(set.QueryEpochs(nil)) > 0 {
		return nil
	}
	return svc.CreateEpochs(ctx, id)
}

func printResults(w io.Writer, results []*scoring.ScanResult) {
	for _, res := range results {
		if res == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%-24s %-24s windows=%-5d candidates=%-5d accepted=%-5d discarded=%-5d diagnostics=%d\n",
			res.RecordingID,
			res.Detection.Provenance,
			res.Detection.Windows,
			len(res.Detection.Events),
			len(res.Merge.Accepted),
			len(res.Merge.Discarded),
			len(res.Detection.Diagnostics))
	}
}

// exportSet writes the set of id into dir.
func exportSet(ctx context.Context, svc *scoring.Service, id, dir, format string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("creating output directory: %w", err)).
			Component("cli").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}

	ext := format
	if format == scoring.FormatStages {
		ext = "stages.csv"
	}
	path := filepath.Join(dir, id+"."+ext)
	f, err := os.Create(path)
	if err != nil {
		return errors.New(fmt.Errorf("creating export file: %w", err)).
			Component("cli").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if err := svc.Export(ctx, id, format, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
