package export

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/scoring"
)

// Command creates the export command for stored annotation sets.
func Command(settings *conf.Settings) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export [recording-id]",
		Short: "Export a stored annotation set",
		Long:  "Write the annotation set of a recording from the database as YAML, CSV or a per-epoch stage table.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := scoring.Open(settings)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return errors.New(fmt.Errorf("creating export file: %w", err)).
						Component("cli").
						Category(errors.CategoryFileIO).
						Context("path", output).
						Build()
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return svc.Export(cmd.Context(), args[0], format, w)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", viper.GetString("output.format"), "Export format: yaml, csv, stages")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, standard output when empty")

	return cmd
}
